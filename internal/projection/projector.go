package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mdcn/internal/domain"
	"mdcn/internal/ledger"
)

const DefaultPollInterval = 10 * time.Second

var (
	rebuildTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdcn_projection_rebuilds_total",
		Help: "Projection rebuilds by outcome.",
	}, []string{"outcome"})
	rebuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mdcn_projection_rebuild_seconds",
		Help:    "Duration of full projection rebuilds.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(rebuildTotal, rebuildSeconds)
}

// Reader is the read half of the ledger client.
type Reader interface {
	Query(ctx context.Context, kind domain.Kind, f ledger.Filter) ([]ledger.Event, error)
	ReadCurrent(ctx context.Context, kind domain.Kind, id uint64) (ledger.Current, error)
}

// Projector rebuilds snapshots from the ledger. With VerifyAcks set, records
// that replay as unacknowledged are checked against the store's current
// value, and an acknowledgment found there is overlaid.
type Projector struct {
	Ledger     Reader
	VerifyAcks bool
	Log        zerolog.Logger
	Now        func() time.Time
}

// Rebuild re-folds every message kind. Any query failure fails the whole
// rebuild; a partial snapshot is never returned.
func (p Projector) Rebuild(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	snap, err := p.rebuild(ctx)
	rebuildSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		rebuildTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	rebuildTotal.WithLabelValues("ok").Inc()
	counts := zerolog.Dict()
	for k, n := range snap.Counts() {
		counts.Int(string(k), n)
	}
	p.Log.Debug().Dict("records", counts).Int("orphaned", len(snap.Orphaned)).Msg("projection rebuilt")
	return snap, nil
}

func (p Projector) rebuild(ctx context.Context) (*Snapshot, error) {
	streams := make(map[domain.Kind][]ledger.Event, len(domain.MessageKinds()))
	for _, k := range domain.MessageKinds() {
		evs, err := p.Ledger.Query(ctx, k, ledger.Filter{})
		if err != nil {
			return nil, fmt.Errorf("rebuild %s: %w", k, err)
		}
		streams[k] = evs
	}
	snap := Build(streams)
	if p.VerifyAcks {
		if err := p.verifyAcks(ctx, snap); err != nil {
			return nil, err
		}
	}
	snap.BuiltAt = p.now()
	return snap, nil
}

func (p Projector) verifyAcks(ctx context.Context, snap *Snapshot) error {
	for _, k := range domain.MessageKinds() {
		for _, rec := range snap.Kind(k).Ordered {
			if rec.Ack != nil {
				continue
			}
			cur, err := p.Ledger.ReadCurrent(ctx, k, rec.ID)
			if errors.Is(err, ledger.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("verify %s #%d: %w", k, rec.ID, err)
			}
			if cur.Acknowledged {
				p.Log.Warn().Str("kind", string(k)).Uint64("id", rec.ID).Msg("acknowledgment missing from replay")
				rec.Ack = &domain.Acknowledgment{By: cur.AcknowledgedBy, At: cur.AcknowledgedAt}
			}
		}
	}
	return nil
}

func (p Projector) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Subscription is the handle returned by Watch.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops the watch loop and waits for it to exit. It is safe to call
// more than once and from several goroutines, but not from the Watch
// callback, which runs on the loop; use Stop there.
func (s *Subscription) Close() {
	s.Stop()
	<-s.done
}

// Stop asks the loop to exit without waiting for it.
func (s *Subscription) Stop() { s.once.Do(s.cancel) }

// Done is closed once the loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Watch rebuilds immediately and then every interval, handing each result to
// fn on the loop goroutine. The loop ends when ctx is done or the returned
// Subscription is closed.
func (p Projector) Watch(ctx context.Context, interval time.Duration, fn func(*Snapshot, error)) *Subscription {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer cancel()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			snap, err := p.Rebuild(ctx)
			if ctx.Err() != nil {
				return
			}
			fn(snap, err)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return sub
}
