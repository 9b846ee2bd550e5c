// Package access decides which records and actions a caller is shown. It is
// a presentation filter; the ledger enforces the rules that matter.
package access

import (
	"mdcn/internal/domain"
)

// Action is an affordance offered to a caller.
type Action string

const (
	ActionCompose     Action = "compose"
	ActionAcknowledge Action = "acknowledge"
	ActionExecute     Action = "execute"
	ActionAssignRole  Action = "assign_role"
	ActionReadAll     Action = "read_all"
	ActionReadOwn     Action = "read_own"
)

// Guard evaluates rules for one caller.
type Guard struct {
	Identity domain.Identity
	Role     domain.Role
}

// CanReadAll reports whether the caller sees unfiltered projections.
func (g Guard) CanReadAll() bool {
	switch g.Role {
	case domain.RoleStrategic:
		return true
	case domain.RoleOperational, domain.RoleTactical, domain.RoleNone:
		return false
	}
	return false
}

// CanRead reports whether rec may be shown. Subordinates see records they
// sent or are the recipient of; a legacy record counts when the caller's
// audience selected it.
func (g Guard) CanRead(rec *domain.Record, legacyMatch bool) bool {
	switch g.Role {
	case domain.RoleStrategic:
		return true
	case domain.RoleOperational, domain.RoleTactical:
		if rec.Sender.Equal(g.Identity) {
			return true
		}
		if rec.Legacy() {
			return legacyMatch
		}
		return rec.Recipient.Equal(g.Identity)
	case domain.RoleNone:
		return false
	}
	return false
}

// Filter keeps the records CanRead allows. match says whether a legacy
// record is addressed to the caller; nil means never.
func (g Guard) Filter(recs []*domain.Record, match func(*domain.Record) bool) []*domain.Record {
	var out []*domain.Record
	for _, rec := range recs {
		legacy := match != nil && rec.Legacy() && match(rec)
		if g.CanRead(rec, legacy) {
			out = append(out, rec)
		}
	}
	return out
}

// CanCompose reports whether the compose affordance for kind is offered.
func (g Guard) CanCompose(kind domain.Kind) bool {
	if !kind.IsMessage() {
		return false
	}
	switch g.Role {
	case domain.RoleStrategic:
		return true
	case domain.RoleOperational, domain.RoleTactical:
		return kind != domain.KindCommand
	case domain.RoleNone:
		return false
	}
	return false
}

// CanAcknowledge reports whether the caller is known to be allowed to
// acknowledge rec. Unknown cases disable the affordance.
func (g Guard) CanAcknowledge(rec *domain.Record) bool {
	if rec.Acknowledged() {
		return false
	}
	switch g.Role {
	case domain.RoleNone:
		return false
	case domain.RoleStrategic, domain.RoleOperational, domain.RoleTactical:
		if rec.Legacy() {
			return !rec.Sender.Equal(g.Identity)
		}
		return rec.Recipient.Equal(g.Identity)
	}
	return false
}

// CanExecute reports whether the execute affordance is offered for rec.
func (g Guard) CanExecute(rec *domain.Record) bool {
	if rec.Kind != domain.KindCommand || rec.Executed() {
		return false
	}
	switch g.Role {
	case domain.RoleStrategic:
		return true
	case domain.RoleOperational, domain.RoleTactical, domain.RoleNone:
		return false
	}
	return false
}

// Actions lists the affordances of the caller's tier.
func (g Guard) Actions() []Action {
	switch g.Role {
	case domain.RoleStrategic:
		return []Action{ActionCompose, ActionAcknowledge, ActionExecute, ActionAssignRole, ActionReadAll}
	case domain.RoleOperational, domain.RoleTactical:
		return []Action{ActionCompose, ActionAcknowledge, ActionReadOwn}
	case domain.RoleNone:
		return nil
	}
	return nil
}

// ComposableKinds lists the kinds the caller may compose.
func (g Guard) ComposableKinds() []domain.Kind {
	var out []domain.Kind
	for _, k := range domain.MessageKinds() {
		if g.CanCompose(k) {
			out = append(out, k)
		}
	}
	return out
}

// Allows reports whether action is among the caller's affordances.
func (g Guard) Allows(action Action) bool {
	for _, a := range g.Actions() {
		if a == action {
			return true
		}
	}
	return false
}
