// Package projection folds ledger event streams into materialized message
// records, response threads and per-viewer views. Folding is pure; the
// Projector drives it against a ledger.
package projection

import (
	"sort"
	"strconv"
	"time"

	"mdcn/internal/codec"
	"mdcn/internal/domain"
	"mdcn/internal/ledger"
)

// Projection is the folded state of one kind.
type Projection struct {
	Kind    domain.Kind
	Records map[uint64]*domain.Record
	// Ordered holds every record newest first, ties by ascending id.
	Ordered []*domain.Record
}

// Fold replays evs, which must be in ledger order, into a Projection.
// Duplicate created or acknowledged events are ignored after the first.
func Fold(kind domain.Kind, evs []ledger.Event) *Projection {
	p := &Projection{Kind: kind, Records: map[uint64]*domain.Record{}}
	for _, ev := range evs {
		if ev.Kind != "" && ev.Kind != kind {
			continue
		}
		switch ev.Type {
		case ledger.EventCreated:
			if _, dup := p.Records[ev.ID]; dup {
				continue
			}
			rec := materialize(kind, ev)
			p.Records[ev.ID] = rec
			p.Ordered = append(p.Ordered, rec)
		case ledger.EventAcknowledged:
			rec, ok := p.Records[ev.ID]
			if !ok || rec.Ack != nil {
				continue
			}
			rec.Ack = &domain.Acknowledgment{By: ev.Sender, At: ev.Timestamp}
		case ledger.EventExecuted:
			if kind != domain.KindCommand {
				continue
			}
			rec, ok := p.Records[ev.ID]
			if !ok || rec.Execution != nil {
				continue
			}
			rec.Execution = &domain.Execution{By: ev.Sender, At: ev.Timestamp}
		}
	}
	sortNewestFirst(p.Ordered)
	return p
}

func materialize(kind domain.Kind, ev ledger.Event) *domain.Record {
	payload := ev.Fields[ledger.FieldPayload]
	env := codec.Open(payload)
	rec := &domain.Record{
		Kind:      kind,
		ID:        ev.ID,
		Sender:    ev.Sender,
		Recipient: ev.Recipient,
		Payload:   payload,
		Meta:      env.Meta,
		Body:      env.Body,
		Thread:    env.Thread,
		Timestamp: ev.Timestamp,
	}
	if g, err := strconv.ParseUint(ev.Fields[ledger.FieldGroup], 10, 8); err == nil {
		rec.Group = domain.Group(g)
	}
	if b, err := strconv.ParseUint(ev.Fields[ledger.FieldBranch], 10, 8); err == nil {
		rec.Branch = domain.Branch(b)
	}
	if l, err := strconv.ParseUint(ev.Fields[ledger.FieldLayer], 10, 8); err == nil {
		rec.Layer = uint8(l)
	}
	if a, err := strconv.ParseUint(ev.Fields[ledger.FieldAssetID], 10, 64); err == nil {
		rec.AssetID = a
	}
	return rec
}

func sortNewestFirst(recs []*domain.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Kind < b.Kind
	})
}

// Snapshot is one full rebuild across every message kind.
type Snapshot struct {
	Kinds map[domain.Kind]*Projection
	// Threads indexes replies by the kind and id of their parent.
	Threads  map[domain.Kind]map[uint64][]*domain.Record
	Orphaned []*domain.Record
	BuiltAt  time.Time
}

// Build folds every stream and links replies to their parents. A reply whose
// parent does not exist in the named kind is orphaned, not dropped.
func Build(streams map[domain.Kind][]ledger.Event) *Snapshot {
	s := &Snapshot{
		Kinds:   map[domain.Kind]*Projection{},
		Threads: map[domain.Kind]map[uint64][]*domain.Record{},
	}
	for _, k := range domain.MessageKinds() {
		s.Kinds[k] = Fold(k, streams[k])
	}
	for _, k := range domain.MessageKinds() {
		for _, rec := range s.Kinds[k].Ordered {
			if rec.Thread == nil {
				continue
			}
			parent, ok := s.Kinds[rec.Thread.Kind]
			if !ok || parent.Records[rec.Thread.ParentID] == nil {
				s.Orphaned = append(s.Orphaned, rec)
				continue
			}
			byID := s.Threads[rec.Thread.Kind]
			if byID == nil {
				byID = map[uint64][]*domain.Record{}
				s.Threads[rec.Thread.Kind] = byID
			}
			byID[rec.Thread.ParentID] = append(byID[rec.Thread.ParentID], rec)
		}
	}
	for _, byID := range s.Threads {
		for _, replies := range byID {
			sortNewestFirst(replies)
		}
	}
	sortNewestFirst(s.Orphaned)
	return s
}

// Kind returns the projection of k, never nil.
func (s *Snapshot) Kind(k domain.Kind) *Projection {
	if p, ok := s.Kinds[k]; ok {
		return p
	}
	return &Projection{Kind: k, Records: map[uint64]*domain.Record{}}
}

// Record looks up one record.
func (s *Snapshot) Record(k domain.Kind, id uint64) (*domain.Record, bool) {
	rec, ok := s.Kind(k).Records[id]
	return rec, ok
}

// Responses returns replies to the record k/id, newest first.
func (s *Snapshot) Responses(k domain.Kind, id uint64) []*domain.Record {
	return s.Threads[k][id]
}

// Counts reports the number of records per kind.
func (s *Snapshot) Counts() map[domain.Kind]int {
	out := make(map[domain.Kind]int, len(s.Kinds))
	for k, p := range s.Kinds {
		out[k] = len(p.Records)
	}
	return out
}
