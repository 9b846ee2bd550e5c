package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mdcn/internal/domain"
)

const DefaultTimeout = 5 * time.Second

var (
	appendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdcn_ledger_appends_total",
		Help: "Ledger appends by kind, event type and outcome.",
	}, []string{"kind", "type", "outcome"})
	queryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdcn_ledger_queries_total",
		Help: "Ledger queries by kind and outcome.",
	}, []string{"kind", "outcome"})
)

func init() {
	prometheus.MustRegister(appendTotal, queryTotal)
}

// Client is the façade the rest of the core talks to. Every call is bounded
// by Timeout and every error it returns is either ErrUnavailable,
// RejectedWriteError or ErrNotFound.
type Client struct {
	Store   Ledger
	Timeout time.Duration
	Log     zerolog.Logger
}

func NewClient(store Ledger, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{Store: store, Timeout: timeout, Log: log}
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	t := c.Timeout
	if t <= 0 {
		t = DefaultTimeout
	}
	return context.WithTimeout(ctx, t)
}

func (c *Client) Append(ctx context.Context, kind domain.Kind, req AppendRequest) (Receipt, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	rec, err := c.Store.Append(ctx, kind, req)
	err = classify(err)
	appendTotal.WithLabelValues(string(kind), string(req.Type), outcome(err)).Inc()
	if err != nil {
		c.Log.Warn().Err(err).
			Str("kind", string(kind)).
			Str("type", string(req.Type)).
			Str("sender", string(req.Sender)).
			Msg("ledger append failed")
		return Receipt{}, err
	}
	return rec, nil
}

// Query is restartable: calling it again after a failure re-reads the same
// ordered stream and never re-appends anything.
func (c *Client) Query(ctx context.Context, kind domain.Kind, f Filter) ([]Event, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	evs, err := c.Store.Query(ctx, kind, f)
	err = classify(err)
	queryTotal.WithLabelValues(string(kind), outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return evs, nil
}

func (c *Client) ReadCurrent(ctx context.Context, kind domain.Kind, id uint64) (Current, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	cur, err := c.Store.ReadCurrent(ctx, kind, id)
	if err != nil {
		return Current{}, classify(err)
	}
	return cur, nil
}

// classify maps store errors onto the typed taxonomy. Anything that is not
// an explicit rejection or a missing record is treated as the store being
// unreachable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rw RejectedWriteError
	switch {
	case errors.As(err, &rw):
		return rw
	case errors.Is(err, ErrNotFound):
		return err
	default:
		return Unavailable(err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRejected(err):
		return "rejected"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unavailable"
	}
}
