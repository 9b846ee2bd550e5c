package roles_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdcn/internal/db"
	"mdcn/internal/domain"
	"mdcn/internal/events"
	"mdcn/internal/ledger"
	"mdcn/internal/migrate"
	"mdcn/internal/repo"
	"mdcn/internal/roles"
)

const (
	admin  = domain.Identity("0xa000000000000000000000000000000000000001")
	admin2 = domain.Identity("0xa000000000000000000000000000000000000002")
	ops    = domain.Identity("0xb00000000000000000000000000000000000000b")
	field  = domain.Identity("0xc00000000000000000000000000000000000000c")
)

func newClient(t *testing.T) *ledger.Client {
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
	return ledger.NewClient(r, time.Second, zerolog.Nop())
}

func TestLookupReturnsLatestAssignment(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	_, err := roles.Assign(ctx, c, admin, admin, domain.RoleStrategic)
	require.NoError(t, err)
	_, err = roles.Assign(ctx, c, admin, ops, domain.RoleTactical)
	require.NoError(t, err)
	_, err = roles.Assign(ctx, c, admin, ops, domain.RoleOperational)
	require.NoError(t, err)

	r := roles.Resolver{Ledger: c}
	role, err := r.Lookup(ctx, "0xB00000000000000000000000000000000000000B")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOperational, role)
	assert.Equal(t, domain.RoleNone, r.CurrentRole(ctx, field))
}

type failingQuerier struct{}

func (failingQuerier) Query(context.Context, domain.Kind, ledger.Filter) ([]ledger.Event, error) {
	return nil, ledger.Unavailable(errors.New("down"))
}

func TestCurrentRoleDegradesToNone(t *testing.T) {
	r := roles.Resolver{Ledger: failingQuerier{}, Log: zerolog.Nop()}
	_, err := r.Lookup(context.Background(), admin)
	require.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.Equal(t, domain.RoleNone, r.CurrentRole(context.Background(), admin))
}

func TestDirectorySnapshot(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	for _, a := range []struct {
		who  domain.Identity
		role domain.Role
	}{
		{admin, domain.RoleStrategic},
		{ops, domain.RoleOperational},
		{field, domain.RoleTactical},
		{admin2, domain.RoleStrategic},
		{ops, domain.RoleOperational},
	} {
		_, err := roles.Assign(ctx, c, admin, a.who, a.role)
		require.NoError(t, err)
	}

	dir, err := roles.Resolver{Ledger: c}.Snapshot(ctx)
	require.NoError(t, err)

	admins := dir.Admins()
	require.Len(t, admins, 2)
	assert.Equal(t, admin, admins[0].Identity)
	assert.Equal(t, admin2, admins[1].Identity)

	subs := dir.Subordinates(ops)
	require.Len(t, subs, 1)
	assert.Equal(t, field, subs[0].Identity)
	assert.Len(t, dir.Subordinates(admin), 2)
	assert.Len(t, dir.Members(), 4)
	assert.Equal(t, domain.RoleTactical, dir.Role(field))
}

func TestPositionTitle(t *testing.T) {
	assert.Equal(t, "Strategic Commander (0xa000...0001)", roles.PositionTitle(admin, domain.RoleStrategic))
	assert.Equal(t, "Operational Officer (0xb000...000b)", roles.PositionTitle(ops, domain.RoleOperational))
	assert.Equal(t, "Field Operative (0xc000...000c)", roles.PositionTitle(field, domain.RoleTactical))
	assert.Equal(t, "Unknown (0xc000...000c)", roles.PositionTitle(field, domain.RoleNone))
}
