// Package routing turns a logical destination into ledger appends.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mdcn/internal/domain"
	"mdcn/internal/ledger"
	"mdcn/internal/roles"
)

var sendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "mdcn_routing_sends_total",
	Help: "Routed sends by destination type and outcome.",
}, []string{"destination", "outcome"})

func init() {
	prometheus.MustRegister(sendTotal)
}

// Destination is one of Direct, LegacyGroup, BroadcastAdmins or
// BroadcastSubordinates.
type Destination interface {
	destination()
	String() string
}

type Direct struct{ Identity domain.Identity }

type LegacyGroup struct {
	Group  domain.Group
	Branch domain.Branch
}

// BroadcastAdmins resolves to every current Strategic identity.
type BroadcastAdmins struct{}

// BroadcastSubordinates resolves to every Operational or Tactical identity
// other than the sender.
type BroadcastSubordinates struct{}

func (Direct) destination()                {}
func (LegacyGroup) destination()           {}
func (BroadcastAdmins) destination()       {}
func (BroadcastSubordinates) destination() {}

func (d Direct) String() string { return "direct:" + string(d.Identity.Normalize()) }
func (d LegacyGroup) String() string {
	return fmt.Sprintf("group:%d/%d", d.Group, d.Branch)
}
func (BroadcastAdmins) String() string       { return "admins" }
func (BroadcastSubordinates) String() string { return "subordinates" }

// ErrNoRecipients is returned when a broadcast resolves to nobody.
var ErrNoRecipients = errors.New("destination resolved to no recipients")

// Target is a concrete append destination: an identity, or a legacy tag.
type Target struct {
	Recipient domain.Identity `json:"recipient,omitempty"`
	Group     domain.Group    `json:"recipient_group,omitempty"`
	Branch    domain.Branch   `json:"branch,omitempty"`
}

func (t Target) Legacy() bool { return t.Recipient.IsZero() }

func (t Target) String() string {
	if t.Legacy() {
		return LegacyGroup{Group: t.Group, Branch: t.Branch}.String()
	}
	return string(t.Recipient)
}

// Message is the kind-specific part of a send. Fields carries extra event
// fields such as layer or asset id; recipient fields are set by the router.
type Message struct {
	Kind    domain.Kind
	Sender  domain.Identity
	Payload string
	Fields  map[string]string
}

// Result is the outcome of one append.
type Result struct {
	Target  Target         `json:"target"`
	Receipt ledger.Receipt `json:"receipt"`
	Err     error          `json:"-"`
}

func (r Result) OK() bool { return r.Err == nil }

// Delivery lists per-target results in resolution order.
type Delivery struct {
	Results []Result `json:"results"`
}

func (d Delivery) Succeeded() []Result { return d.filter(true) }

func (d Delivery) Failed() []Result { return d.filter(false) }

func (d Delivery) filter(ok bool) []Result {
	var out []Result
	for _, r := range d.Results {
		if r.OK() == ok {
			out = append(out, r)
		}
	}
	return out
}

// PartialBroadcastError reports a fan-out where some appends failed and
// others landed. Nothing is rolled back.
type PartialBroadcastError struct {
	Delivery Delivery
}

func (e *PartialBroadcastError) Error() string {
	failed := e.Delivery.Failed()
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		parts = append(parts, r.Target.String()+": "+r.Err.Error())
	}
	return fmt.Sprintf("broadcast partially delivered (%d of %d failed): %s",
		len(failed), len(e.Delivery.Results), strings.Join(parts, "; "))
}

// Appender is the write half of the ledger client.
type Appender interface {
	Append(ctx context.Context, kind domain.Kind, req ledger.AppendRequest) (ledger.Receipt, error)
}

// Directory supplies the point-in-time role snapshot used by broadcasts.
type Directory interface {
	Snapshot(ctx context.Context) (*roles.Directory, error)
}

type Router struct {
	Ledger  Appender
	Roles   Directory
	Limiter *rate.Limiter
	Log     zerolog.Logger
}

// Resolve expands dest for sender.
func (r Router) Resolve(ctx context.Context, sender domain.Identity, dest Destination) ([]Target, error) {
	switch d := dest.(type) {
	case Direct:
		if d.Identity.IsZero() {
			return nil, errors.New("direct destination requires an identity")
		}
		return []Target{{Recipient: d.Identity.Normalize()}}, nil
	case LegacyGroup:
		if !d.Group.Valid() {
			return nil, fmt.Errorf("invalid recipient group %d", d.Group)
		}
		if !d.Branch.Valid() {
			return nil, fmt.Errorf("invalid branch %d", d.Branch)
		}
		return []Target{{Group: d.Group, Branch: d.Branch}}, nil
	case BroadcastAdmins:
		dir, err := r.Roles.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return targets(dir.Admins()), nil
	case BroadcastSubordinates:
		dir, err := r.Roles.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return targets(dir.Subordinates(sender)), nil
	case nil:
		return nil, errors.New("destination required")
	}
	return nil, fmt.Errorf("unsupported destination %T", dest)
}

func targets(members []roles.Member) []Target {
	out := make([]Target, 0, len(members))
	for _, m := range members {
		out = append(out, Target{Recipient: m.Identity})
	}
	return out
}

// Send resolves dest and appends msg once per target. Broadcast appends run
// concurrently, paced by Limiter. A mixed outcome is a
// *PartialBroadcastError; when every append fails the first error is
// returned as is, alongside the per-target results.
func (r Router) Send(ctx context.Context, msg Message, dest Destination) (Delivery, error) {
	tgts, err := r.Resolve(ctx, msg.Sender, dest)
	if err != nil {
		return Delivery{}, err
	}
	if len(tgts) == 0 {
		return Delivery{}, fmt.Errorf("%s: %w", dest, ErrNoRecipients)
	}

	results := make([]Result, len(tgts))
	var wg sync.WaitGroup
	for i, t := range tgts {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			results[i] = r.deliver(ctx, msg, t)
		}(i, t)
	}
	wg.Wait()

	d := Delivery{Results: results}
	failed := d.Failed()
	switch {
	case len(failed) == 0:
		sendTotal.WithLabelValues(destinationLabel(dest), "ok").Inc()
		return d, nil
	case len(failed) == len(results):
		sendTotal.WithLabelValues(destinationLabel(dest), "failed").Inc()
		return d, failed[0].Err
	}
	sendTotal.WithLabelValues(destinationLabel(dest), "partial").Inc()
	r.Log.Warn().
		Str("kind", string(msg.Kind)).
		Str("destination", dest.String()).
		Int("failed", len(failed)).
		Int("total", len(results)).
		Msg("broadcast partially delivered")
	return d, &PartialBroadcastError{Delivery: d}
}

func destinationLabel(dest Destination) string {
	switch dest.(type) {
	case Direct:
		return "direct"
	case LegacyGroup:
		return "group"
	case BroadcastAdmins:
		return "admins"
	case BroadcastSubordinates:
		return "subordinates"
	}
	return "unknown"
}

func (r Router) deliver(ctx context.Context, msg Message, t Target) Result {
	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return Result{Target: t, Err: ledger.Unavailable(err)}
		}
	}
	fields := make(map[string]string, len(msg.Fields)+3)
	for k, v := range msg.Fields {
		fields[k] = v
	}
	fields[ledger.FieldPayload] = msg.Payload
	if t.Legacy() {
		fields[ledger.FieldGroup] = strconv.Itoa(int(t.Group))
		fields[ledger.FieldBranch] = strconv.Itoa(int(t.Branch))
	}
	rec, err := r.Ledger.Append(ctx, msg.Kind, ledger.AppendRequest{
		Type:      ledger.EventCreated,
		Sender:    msg.Sender,
		Recipient: t.Recipient,
		Fields:    fields,
	})
	return Result{Target: t, Receipt: rec, Err: err}
}

// DefaultBranch derives a routing branch from the last hex digit of an
// identity. It is a display default only and carries no authority.
func DefaultBranch(id domain.Identity) domain.Branch {
	s := string(id.Normalize())
	if s == "" {
		return domain.BranchArmy
	}
	d, err := strconv.ParseUint(s[len(s)-1:], 16, 8)
	if err != nil {
		return domain.BranchArmy
	}
	return domain.Branch(d%3 + 1)
}
