package projection

import (
	"mdcn/internal/domain"
)

// Audience identifies a viewer for received views. Group and Branch select
// legacy-tagged records; a zero value matches any.
type Audience struct {
	Identity domain.Identity
	Group    domain.Group
	Branch   domain.Branch
}

// Receives reports whether rec is addressed to a. Legacy records never count
// as received by their own sender.
func (a Audience) Receives(rec *domain.Record) bool {
	if !rec.Legacy() {
		return rec.Recipient.Equal(a.Identity)
	}
	if rec.Sender.Equal(a.Identity) {
		return false
	}
	if a.Group != domain.GroupNone && rec.Group != a.Group {
		return false
	}
	if a.Branch != domain.BranchNone && rec.Branch != a.Branch {
		return false
	}
	return true
}

// ReceivedBy lists records addressed to a, newest first.
func (p *Projection) ReceivedBy(a Audience) []*domain.Record {
	return p.Where(a.Receives)
}

// SentBy lists records appended by id, newest first.
func (p *Projection) SentBy(id domain.Identity) []*domain.Record {
	return p.Where(func(rec *domain.Record) bool { return rec.Sender.Equal(id) })
}

// All is the unfiltered view.
func (p *Projection) All() []*domain.Record {
	out := make([]*domain.Record, len(p.Ordered))
	copy(out, p.Ordered)
	return out
}

// LayerFeed lists commands whose layer is below the viewer's tier number.
func (p *Projection) LayerFeed(role domain.Role) []*domain.Record {
	if p.Kind != domain.KindCommand {
		return nil
	}
	tier := uint8(role)
	return p.Where(func(rec *domain.Record) bool {
		return rec.Layer > 0 && rec.Layer < tier
	})
}

// Where returns the ordered records matching keep.
func (p *Projection) Where(keep func(*domain.Record) bool) []*domain.Record {
	var out []*domain.Record
	for _, rec := range p.Ordered {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}
