package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mdcn/internal/access"
	"mdcn/internal/config"
	"mdcn/internal/domain"
	"mdcn/internal/ledger"
	"mdcn/internal/projection"
	"mdcn/internal/repo"
	"mdcn/internal/roles"
	"mdcn/internal/routing"
)

// ErrInvalidInput marks caller mistakes that never reached the ledger.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Engine struct {
	Repo      repo.Repo
	Ledger    *ledger.Client
	Roles     roles.Resolver
	Router    routing.Router
	Projector projection.Projector
	Config    *config.Config
	Log       zerolog.Logger
}

// New wires the core over the bundled SQLite ledger.
func New(r repo.Repo, cfg *config.Config, log zerolog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default("mdcn")
	}
	client := ledger.NewClient(r, cfg.Ledger.Timeout, log)
	resolver := roles.Resolver{Ledger: client, Log: log}
	var limiter *rate.Limiter
	if cfg.Broadcast.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Broadcast.Rate), cfg.Broadcast.Burst)
	}
	return Engine{
		Repo:      r,
		Ledger:    client,
		Roles:     resolver,
		Router:    routing.Router{Ledger: client, Roles: resolver, Limiter: limiter, Log: log},
		Projector: projection.Projector{Ledger: client, VerifyAcks: cfg.Projection.VerifyAcks, Log: log, Now: r.Events.Now},
		Config:    cfg,
		Log:       log,
	}
}

// Open resolves the caller's role once; the Session keeps it for its
// lifetime. A failed lookup yields a RoleNone session.
func (e Engine) Open(ctx context.Context, id domain.Identity) (*Session, error) {
	if id.IsZero() {
		return nil, invalid("identity required")
	}
	id = id.Normalize()
	role := e.Roles.CurrentRole(ctx, id)
	return &Session{
		Engine:   e,
		Identity: id,
		Role:     role,
		Branch:   routing.DefaultBranch(id),
		Guard:    access.Guard{Identity: id, Role: role},
	}, nil
}

// AssignRole appends a role assignment by by. The ledger accepts it from a
// Strategic sender, or from anyone while no Strategic identity exists.
func (e Engine) AssignRole(ctx context.Context, by, who domain.Identity, role domain.Role) (domain.RoleAssignment, error) {
	if who.IsZero() {
		return domain.RoleAssignment{}, invalid("identity required")
	}
	if !role.Valid() {
		return domain.RoleAssignment{}, invalid("unknown role %d", role)
	}
	rec, err := roles.Assign(ctx, e.Ledger, by, who, role)
	if err != nil {
		return domain.RoleAssignment{}, err
	}
	return domain.RoleAssignment{Seq: rec.Seq, Identity: who.Normalize(), Role: role, By: by.Normalize(), Timestamp: rec.Timestamp}, nil
}

// Seed applies assignments in order, skipping identities that already hold
// the listed role. With by empty the first Strategic seed assigns itself
// and then everyone else.
func (e Engine) Seed(ctx context.Context, by domain.Identity, seeds []domain.RoleAssignment) ([]domain.RoleAssignment, error) {
	if by.IsZero() {
		for _, s := range seeds {
			if s.Role == domain.RoleStrategic {
				by = s.Identity
				break
			}
		}
	}
	if by.IsZero() {
		return nil, invalid("seed needs a strategic identity to assign with")
	}
	var applied []domain.RoleAssignment
	ordered := make([]domain.RoleAssignment, 0, len(seeds))
	for _, s := range seeds {
		if s.Identity.Equal(by) {
			ordered = append([]domain.RoleAssignment{s}, ordered...)
			continue
		}
		ordered = append(ordered, s)
	}
	for _, s := range ordered {
		cur, err := e.Roles.Lookup(ctx, s.Identity)
		if err != nil {
			return applied, err
		}
		if cur == s.Role {
			continue
		}
		a, err := e.AssignRole(ctx, by, s.Identity, s.Role)
		if err != nil {
			return applied, fmt.Errorf("seed %s: %w", s.Identity, err)
		}
		applied = append(applied, a)
	}
	return applied, nil
}

// Tail returns the newest raw events, optionally of one kind.
func (e Engine) Tail(ctx context.Context, kind domain.Kind, limit int) ([]ledger.Event, error) {
	if kind != "" {
		evs, err := e.Ledger.Query(ctx, kind, ledger.Filter{})
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(evs) > limit {
			evs = evs[len(evs)-limit:]
		}
		return evs, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.Ledger.Timeout)
	defer cancel()
	evs, err := e.Repo.Tail(ctx, limit)
	if err != nil {
		return nil, ledger.Unavailable(err)
	}
	return evs, nil
}

// Verify checks the store's hash chain and returns the first broken seq.
func (e Engine) Verify(ctx context.Context) (int64, error) {
	return e.Repo.Verify(ctx)
}

// Watch polls the projector; see projection.Projector.Watch.
func (e Engine) Watch(ctx context.Context, fn func(*projection.Snapshot, error)) *projection.Subscription {
	interval := projection.DefaultPollInterval
	if e.Config != nil && e.Config.Projection.PollInterval > 0 {
		interval = e.Config.Projection.PollInterval
	}
	return e.Projector.Watch(ctx, interval, fn)
}
