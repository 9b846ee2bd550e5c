// Package roles derives role tiers from the roleAssignment stream.
package roles

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"mdcn/internal/domain"
	"mdcn/internal/ledger"
)

// Querier is the read half of the ledger client.
type Querier interface {
	Query(ctx context.Context, kind domain.Kind, f ledger.Filter) ([]ledger.Event, error)
}

// Appender is the write half of the ledger client.
type Appender interface {
	Append(ctx context.Context, kind domain.Kind, req ledger.AppendRequest) (ledger.Receipt, error)
}

type Resolver struct {
	Ledger Querier
	Log    zerolog.Logger
}

// Lookup returns the most recent role assigned to id, or RoleNone.
func (r Resolver) Lookup(ctx context.Context, id domain.Identity) (domain.Role, error) {
	evs, err := r.Ledger.Query(ctx, domain.KindRoleAssignment, ledger.Filter{Type: ledger.EventAssigned, Recipient: id})
	if err != nil {
		return domain.RoleNone, fmt.Errorf("role lookup: %w", err)
	}
	role := domain.RoleNone
	for _, ev := range evs {
		if !domain.Identity(ev.Fields[ledger.FieldIdentity]).Equal(id) {
			continue
		}
		if parsed, err := domain.ParseRole(ev.Fields[ledger.FieldRole]); err == nil {
			role = parsed
		}
	}
	return role, nil
}

// CurrentRole is Lookup for coarse gates: a failed query yields RoleNone,
// which callers must read as "unknown or unauthorized".
func (r Resolver) CurrentRole(ctx context.Context, id domain.Identity) domain.Role {
	role, err := r.Lookup(ctx, id)
	if err != nil {
		r.Log.Warn().Err(err).Str("identity", string(id)).Msg("role lookup degraded to none")
		return domain.RoleNone
	}
	return role
}

// Snapshot folds the whole role history into a Directory.
func (r Resolver) Snapshot(ctx context.Context) (*Directory, error) {
	evs, err := r.Ledger.Query(ctx, domain.KindRoleAssignment, ledger.Filter{Type: ledger.EventAssigned})
	if err != nil {
		return nil, fmt.Errorf("role snapshot: %w", err)
	}
	return FoldDirectory(evs), nil
}

// Assign appends a role assignment on behalf of by.
func Assign(ctx context.Context, l Appender, by, who domain.Identity, role domain.Role) (ledger.Receipt, error) {
	if !role.Valid() {
		return ledger.Receipt{}, fmt.Errorf("invalid role %d", role)
	}
	return l.Append(ctx, domain.KindRoleAssignment, ledger.AppendRequest{
		Type:   ledger.EventAssigned,
		Sender: by,
		Fields: map[string]string{
			ledger.FieldIdentity: string(who.Normalize()),
			ledger.FieldRole:     strconv.Itoa(int(role)),
		},
	})
}

// PositionTitle renders the display title for an identity holding role.
func PositionTitle(id domain.Identity, role domain.Role) string {
	short := id.Short()
	switch role {
	case domain.RoleStrategic:
		return "Strategic Commander (" + short + ")"
	case domain.RoleOperational:
		return "Operational Officer (" + short + ")"
	case domain.RoleTactical:
		return "Field Operative (" + short + ")"
	case domain.RoleNone:
		return "Unknown (" + short + ")"
	}
	return "Unknown (" + short + ")"
}
