package repo_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdcn/internal/db"
	"mdcn/internal/domain"
	"mdcn/internal/events"
	"mdcn/internal/ledger"
	"mdcn/internal/migrate"
	"mdcn/internal/repo"
)

const (
	admin  = domain.Identity("0xAdmin0000000000000000000000000000000001")
	ops    = domain.Identity("0xops00000000000000000000000000000000000a")
	field  = domain.Identity("0xfield000000000000000000000000000000000b")
	nobody = domain.Identity("0xnobody00000000000000000000000000000000c")
)

type testEnv struct {
	Repo repo.Repo
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := repo.Repo{DB: conn, Events: events.Writer{Now: func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}}}
	return testEnv{Repo: r, Ctx: context.Background()}
}

func (e testEnv) assign(t *testing.T, by, who domain.Identity, role domain.Role) error {
	t.Helper()
	_, err := e.Repo.Append(e.Ctx, domain.KindRoleAssignment, ledger.AppendRequest{
		Type:   ledger.EventAssigned,
		Sender: by,
		Fields: map[string]string{ledger.FieldIdentity: string(who), ledger.FieldRole: strconv.Itoa(int(role))},
	})
	return err
}

func (e testEnv) seed(t *testing.T) {
	t.Helper()
	require.NoError(t, e.assign(t, admin, admin, domain.RoleStrategic))
	require.NoError(t, e.assign(t, admin, ops, domain.RoleOperational))
	require.NoError(t, e.assign(t, admin, field, domain.RoleTactical))
}

func direct(sender, to domain.Identity, payload string) ledger.AppendRequest {
	return ledger.AppendRequest{Type: ledger.EventCreated, Sender: sender, Recipient: to, Fields: map[string]string{ledger.FieldPayload: payload}}
}

func TestBootstrapAssignmentThenStrategicOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	err := env.assign(t, ops, nobody, domain.RoleTactical)
	require.Error(t, err)
	assert.True(t, ledger.IsRejected(err))
}

func TestCreateRulesByRole(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	_, err := env.Repo.Append(env.Ctx, domain.KindCommand, ledger.AppendRequest{
		Type: ledger.EventCreated, Sender: ops,
		Fields: map[string]string{ledger.FieldPayload: "Advance", ledger.FieldGroup: "2", ledger.FieldBranch: "1"},
	})
	assert.True(t, ledger.IsRejected(err), "operational cannot command")

	_, err = env.Repo.Append(env.Ctx, domain.KindFieldData, direct(nobody, admin, "x"))
	assert.True(t, ledger.IsRejected(err), "no role cannot report")

	_, err = env.Repo.Append(env.Ctx, domain.KindCommand, ledger.AppendRequest{
		Type: ledger.EventCreated, Sender: admin,
		Fields: map[string]string{ledger.FieldPayload: "Advance", ledger.FieldGroup: "9", ledger.FieldBranch: "1"},
	})
	assert.True(t, ledger.IsRejected(err), "bad group is malformed")

	_, err = env.Repo.Append(env.Ctx, domain.KindFieldData, direct(ops, admin, ""))
	assert.True(t, ledger.IsRejected(err), "empty payload is malformed")
}

func TestIDsAreGaplessPerKind(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	for want := uint64(1); want <= 3; want++ {
		rec, err := env.Repo.Append(env.Ctx, domain.KindIntelligence, direct(ops, admin, "intel"))
		require.NoError(t, err)
		assert.Equal(t, want, rec.ID)
	}
	rec, err := env.Repo.Append(env.Ctx, domain.KindFieldData, direct(ops, admin, "field"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.ID)
	assert.NotEmpty(t, rec.RequestID)
}

func TestAcknowledgeOnceByRecipient(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	rec, err := env.Repo.Append(env.Ctx, domain.KindFieldData, direct(ops, admin, "[Branch: 1, Group: 2] Status OK"))
	require.NoError(t, err)

	ack := ledger.AppendRequest{Type: ledger.EventAcknowledged, Sender: field, RecordID: rec.ID}
	_, err = env.Repo.Append(env.Ctx, domain.KindFieldData, ack)
	assert.True(t, ledger.IsRejected(err), "non-recipient")

	ack.Sender = "0xADMIN0000000000000000000000000000000001"
	first, err := env.Repo.Append(env.Ctx, domain.KindFieldData, ack)
	require.NoError(t, err)
	_, err = env.Repo.Append(env.Ctx, domain.KindFieldData, ack)
	assert.True(t, ledger.IsRejected(err), "second ack")

	cur, err := env.Repo.ReadCurrent(env.Ctx, domain.KindFieldData, rec.ID)
	require.NoError(t, err)
	assert.True(t, cur.Acknowledged)
	assert.True(t, cur.AcknowledgedBy.Equal(admin))
	assert.True(t, first.Timestamp.Equal(cur.AcknowledgedAt))

	_, err = env.Repo.Append(env.Ctx, domain.KindFieldData, ledger.AppendRequest{Type: ledger.EventAcknowledged, Sender: admin, RecordID: 99})
	assert.True(t, ledger.IsRejected(err), "unknown record")
}

func TestLegacyAckAndExecute(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	rec, err := env.Repo.Append(env.Ctx, domain.KindCommand, ledger.AppendRequest{
		Type: ledger.EventCreated, Sender: admin,
		Fields: map[string]string{ledger.FieldPayload: "Advance", ledger.FieldGroup: "2", ledger.FieldBranch: "1", ledger.FieldLayer: "1"},
	})
	require.NoError(t, err)

	_, err = env.Repo.Append(env.Ctx, domain.KindCommand, ledger.AppendRequest{Type: ledger.EventAcknowledged, Sender: admin, RecordID: rec.ID})
	assert.True(t, ledger.IsRejected(err), "sender cannot ack own group command")
	_, err = env.Repo.Append(env.Ctx, domain.KindCommand, ledger.AppendRequest{Type: ledger.EventAcknowledged, Sender: field, RecordID: rec.ID})
	require.NoError(t, err)

	_, err = env.Repo.Append(env.Ctx, domain.KindCommand, ledger.AppendRequest{Type: ledger.EventExecuted, Sender: ops, RecordID: rec.ID})
	assert.True(t, ledger.IsRejected(err))
	_, err = env.Repo.Append(env.Ctx, domain.KindCommand, ledger.AppendRequest{Type: ledger.EventExecuted, Sender: admin, RecordID: rec.ID})
	require.NoError(t, err)
	_, err = env.Repo.Append(env.Ctx, domain.KindCommand, ledger.AppendRequest{Type: ledger.EventExecuted, Sender: admin, RecordID: rec.ID})
	assert.True(t, ledger.IsRejected(err))

	cur, err := env.Repo.ReadCurrent(env.Ctx, domain.KindCommand, rec.ID)
	require.NoError(t, err)
	assert.True(t, cur.Executed)
	assert.True(t, cur.Acknowledged)
	assert.True(t, cur.AcknowledgedBy.Equal(field))
}

func TestQueryFiltersAndOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	_, err := env.Repo.Append(env.Ctx, domain.KindIntelligence, direct(ops, admin, "a"))
	require.NoError(t, err)
	_, err = env.Repo.Append(env.Ctx, domain.KindIntelligence, direct(field, admin, "b"))
	require.NoError(t, err)
	_, err = env.Repo.Append(env.Ctx, domain.KindIntelligence, direct(admin, ops, "c"))
	require.NoError(t, err)

	toAdmin, err := env.Repo.Query(env.Ctx, domain.KindIntelligence, ledger.Filter{Recipient: admin})
	require.NoError(t, err)
	require.Len(t, toAdmin, 2)
	assert.Equal(t, "a", toAdmin[0].Fields[ledger.FieldPayload])
	assert.Equal(t, "b", toAdmin[1].Fields[ledger.FieldPayload])
	assert.Less(t, toAdmin[0].Seq, toAdmin[1].Seq)

	fromOps, err := env.Repo.Query(env.Ctx, domain.KindIntelligence, ledger.Filter{Sender: "0xOPS00000000000000000000000000000000000A"})
	require.NoError(t, err)
	require.Len(t, fromOps, 1)

	tail, err := env.Repo.Tail(env.Ctx, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "c", tail[1].Fields[ledger.FieldPayload])
}

func TestHistoryIsAppendOnlyAndChained(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	_, err := env.Repo.Append(env.Ctx, domain.KindIntelligence, direct(ops, admin, "original"))
	require.NoError(t, err)

	broken, err := env.Repo.Verify(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, broken)

	_, err = env.Repo.DB.ExecContext(env.Ctx, `UPDATE events SET fields_json='{"payload":"forged"}' WHERE kind='intelligence'`)
	require.Error(t, err)

	_, err = env.Repo.DB.ExecContext(env.Ctx, `DROP TRIGGER events_no_update`)
	require.NoError(t, err)
	_, err = env.Repo.DB.ExecContext(env.Ctx, `UPDATE events SET fields_json='{"payload":"forged"}' WHERE kind='intelligence'`)
	require.NoError(t, err)
	broken, err = env.Repo.Verify(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), broken)
}
