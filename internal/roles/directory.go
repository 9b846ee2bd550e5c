package roles

import (
	"mdcn/internal/domain"
	"mdcn/internal/ledger"
)

// Member is one identity with its current role.
type Member struct {
	Identity domain.Identity `json:"identity"`
	Role     domain.Role     `json:"role"`
	Title    string          `json:"title"`
}

// Directory is a point-in-time view of role history. Members keep the order
// in which they were first assigned any role.
type Directory struct {
	order   []domain.Identity
	current map[domain.Identity]domain.Role
}

// FoldDirectory replays assignment events in ledger order.
func FoldDirectory(evs []ledger.Event) *Directory {
	d := &Directory{current: map[domain.Identity]domain.Role{}}
	for _, ev := range evs {
		if ev.Type != ledger.EventAssigned {
			continue
		}
		id := domain.Identity(ev.Fields[ledger.FieldIdentity]).Normalize()
		if id.IsZero() {
			id = ev.Recipient.Normalize()
		}
		role, err := domain.ParseRole(ev.Fields[ledger.FieldRole])
		if err != nil {
			continue
		}
		if _, seen := d.current[id]; !seen {
			d.order = append(d.order, id)
		}
		d.current[id] = role
	}
	return d
}

// Role returns the current role of id.
func (d *Directory) Role(id domain.Identity) domain.Role {
	return d.current[id.Normalize()]
}

// With returns members currently holding any of the given roles.
func (d *Directory) With(roles ...domain.Role) []Member {
	var out []Member
	for _, id := range d.order {
		role := d.current[id]
		for _, want := range roles {
			if role == want {
				out = append(out, Member{Identity: id, Role: role, Title: PositionTitle(id, role)})
				break
			}
		}
	}
	return out
}

// Admins lists Strategic identities.
func (d *Directory) Admins() []Member {
	return d.With(domain.RoleStrategic)
}

// Subordinates lists Operational and Tactical identities other than self.
func (d *Directory) Subordinates(self domain.Identity) []Member {
	var out []Member
	for _, m := range d.With(domain.RoleOperational, domain.RoleTactical) {
		if m.Identity.Equal(self) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Members lists everyone ever assigned, with current roles.
func (d *Directory) Members() []Member {
	return d.With(domain.Roles()...)
}
