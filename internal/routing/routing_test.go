package routing

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"mdcn/internal/domain"
	"mdcn/internal/ledger"
	"mdcn/internal/roles"
)

type recordingLedger struct {
	mu      sync.Mutex
	calls   []ledger.AppendRequest
	failFor map[domain.Identity]error
}

func (l *recordingLedger) Append(_ context.Context, _ domain.Kind, req ledger.AppendRequest) (ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failFor[req.Recipient]; err != nil {
		return ledger.Receipt{}, err
	}
	l.calls = append(l.calls, req)
	return ledger.Receipt{ID: uint64(len(l.calls))}, nil
}

type staticDirectory struct{ dir *roles.Directory }

func (s staticDirectory) Snapshot(context.Context) (*roles.Directory, error) { return s.dir, nil }

func directory(assign map[domain.Identity]domain.Role, order ...domain.Identity) staticDirectory {
	var evs []ledger.Event
	for _, id := range order {
		evs = append(evs, ledger.Event{
			Type:   ledger.EventAssigned,
			Fields: map[string]string{ledger.FieldIdentity: string(id), ledger.FieldRole: strconv.Itoa(int(assign[id]))},
		})
	}
	return staticDirectory{dir: roles.FoldDirectory(evs)}
}

var (
	a1 = domain.Identity("0xa1")
	a2 = domain.Identity("0xa2")
	a3 = domain.Identity("0xa3")
	s1 = domain.Identity("0xb1")
	s2 = domain.Identity("0xb2")
)

func testDirectory() staticDirectory {
	return directory(map[domain.Identity]domain.Role{
		a1: domain.RoleStrategic, a2: domain.RoleStrategic, a3: domain.RoleStrategic,
		s1: domain.RoleOperational, s2: domain.RoleTactical,
	}, a1, s1, a2, s2, a3)
}

func TestBroadcastAdminsFansOutOncePerAdmin(t *testing.T) {
	l := &recordingLedger{}
	r := Router{Ledger: l, Roles: testDirectory(), Limiter: rate.NewLimiter(rate.Inf, 1)}
	d, err := r.Send(context.Background(), Message{Kind: domain.KindFieldData, Sender: s1, Payload: "[Branch: 1, Group: 2] Status OK"}, BroadcastAdmins{})
	require.NoError(t, err)
	require.Len(t, d.Results, 3)
	require.Len(t, l.calls, 3)

	seen := map[domain.Identity]bool{}
	for _, c := range l.calls {
		assert.Equal(t, "[Branch: 1, Group: 2] Status OK", c.Fields[ledger.FieldPayload])
		assert.Equal(t, ledger.EventCreated, c.Type)
		seen[c.Recipient] = true
	}
	assert.Equal(t, map[domain.Identity]bool{a1: true, a2: true, a3: true}, seen)
}

func TestBroadcastSubordinatesExcludesSender(t *testing.T) {
	r := Router{Roles: testDirectory()}
	tgts, err := r.Resolve(context.Background(), s1, BroadcastSubordinates{})
	require.NoError(t, err)
	assert.Equal(t, []Target{{Recipient: s2}}, tgts)

	tgts, err = r.Resolve(context.Background(), a1, BroadcastSubordinates{})
	require.NoError(t, err)
	assert.Equal(t, []Target{{Recipient: s1}, {Recipient: s2}}, tgts)
}

func TestPartialBroadcastIsSurfaced(t *testing.T) {
	down := ledger.Unavailable(errors.New("timeout"))
	l := &recordingLedger{failFor: map[domain.Identity]error{a2: down}}
	r := Router{Ledger: l, Roles: testDirectory()}
	d, err := r.Send(context.Background(), Message{Kind: domain.KindIntelligence, Sender: s1, Payload: "x"}, BroadcastAdmins{})

	var partial *PartialBroadcastError
	require.ErrorAs(t, err, &partial)
	assert.Len(t, d.Succeeded(), 2)
	failed := d.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, a2, failed[0].Target.Recipient)
	assert.ErrorIs(t, failed[0].Err, ledger.ErrUnavailable)
	assert.Contains(t, err.Error(), "1 of 3 failed")
}

func TestAllFailedReturnsUnderlyingError(t *testing.T) {
	rej := ledger.Rejected(domain.KindCommand, ledger.EventCreated, "strategic role required")
	l := &recordingLedger{failFor: map[domain.Identity]error{a1: rej, a2: rej, a3: rej}}
	r := Router{Ledger: l, Roles: testDirectory()}
	d, err := r.Send(context.Background(), Message{Kind: domain.KindCommand, Sender: s1, Payload: "x"}, BroadcastAdmins{})
	assert.True(t, ledger.IsRejected(err))
	assert.Len(t, d.Failed(), 3)
	assert.Empty(t, d.Succeeded())
}

func TestLegacyGroupCarriesTagFields(t *testing.T) {
	l := &recordingLedger{}
	r := Router{Ledger: l}
	_, err := r.Send(context.Background(), Message{
		Kind: domain.KindCommand, Sender: a1, Payload: "Advance",
		Fields: map[string]string{ledger.FieldLayer: "1"},
	}, LegacyGroup{Group: domain.GroupTacticalCommand, Branch: domain.BranchArmy})
	require.NoError(t, err)
	require.Len(t, l.calls, 1)
	c := l.calls[0]
	assert.True(t, c.Recipient.IsZero())
	assert.Equal(t, "2", c.Fields[ledger.FieldGroup])
	assert.Equal(t, "1", c.Fields[ledger.FieldBranch])
	assert.Equal(t, "1", c.Fields[ledger.FieldLayer])

	_, err = r.Resolve(context.Background(), a1, LegacyGroup{Group: 7, Branch: 1})
	require.Error(t, err)
}

func TestEmptyBroadcast(t *testing.T) {
	r := Router{Ledger: &recordingLedger{}, Roles: directory(nil)}
	_, err := r.Send(context.Background(), Message{Kind: domain.KindFieldData, Sender: s1, Payload: "x"}, BroadcastAdmins{})
	require.ErrorIs(t, err, ErrNoRecipients)
}

func TestDefaultBranch(t *testing.T) {
	cases := map[domain.Identity]domain.Branch{
		"0x00":  domain.BranchArmy,     // 0 % 3 + 1
		"0x01":  domain.BranchNavy,     // 1
		"0x02":  domain.BranchAirForce, // 2
		"0x0F":  domain.BranchArmy,     // 15
		"0x0b":  domain.BranchAirForce, // 11
		"0xzz?": domain.BranchArmy,
	}
	for id, want := range cases {
		assert.Equal(t, want, DefaultBranch(id), string(id))
	}
}
