package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"mdcn/internal/domain"
	"mdcn/internal/engine"
	"mdcn/internal/ledger"
	"mdcn/internal/routing"
)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Caller identity, role and permitted actions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: s.Profile()}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "Role directory",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MemberList `json:"body"`
	}, error) {
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		members, err := s.Directory(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemberList `json:"body"`
		}{Body: MemberList{Items: nonNil(members)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-peers",
		Method:      http.MethodGet,
		Path:        "/roles/peers",
		Summary:     "Subordinate identities other than the caller",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MemberList `json:"body"`
	}, error) {
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		members, err := s.Peers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemberList `json:"body"`
		}{Body: MemberList{Items: nonNil(members)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPut,
		Path:        "/roles/{identity}",
		Summary:     "Assign a role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
		Body     AssignRoleRequest
	}) (*struct {
		Body domain.RoleAssignment `json:"body"`
	}, error) {
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		role, perr := domain.ParseRole(input.Body.Role)
		if perr != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", perr.Error(), map[string]any{"role": input.Body.Role})
		}
		a, err := s.AssignRole(ctx, domain.Identity(input.Identity), role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RoleAssignment `json:"body"`
		}{Body: a}, nil
	})
}

type kindPath struct {
	Kind string `path:"kind" example:"intelligence"`
}

type recordPath struct {
	Kind string `path:"kind" example:"command"`
	ID   uint64 `path:"id" example:"7"`
}

type composeOutput struct {
	Status int
	Body   DeliveryResponse
}

// composeResult maps a delivery to its response. A mixed outcome is 207.
// When every append failed the first failure sets the status and the
// per-target results ride in the error details.
func composeResult(kind domain.Kind, d routing.Delivery, err error) (*composeOutput, error) {
	var partial *routing.PartialBroadcastError
	switch {
	case errors.As(err, &partial):
		return &composeOutput{Status: http.StatusMultiStatus, Body: deliveryResponse(kind, partial.Delivery)}, nil
	case err != nil:
		se := handleError(err)
		if ae, ok := se.(*apiError); ok && len(d.Results) > 0 {
			details := make(map[string]any, len(ae.Body.Details)+1)
			for k, v := range ae.Body.Details {
				details[k] = v
			}
			details["delivery"] = deliveryResponse(kind, d)
			ae.Body.Details = details
		}
		return nil, se
	}
	return &composeOutput{Status: http.StatusCreated, Body: deliveryResponse(kind, d)}, nil
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "compose",
		Method:        http.MethodPost,
		Path:          "/messages/{kind}",
		Summary:       "Compose and route a message",
		Description:   "Broadcasts return 207 when some appends failed; nothing is rolled back.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind" example:"intelligence"`
		Body ComposeRequest
	}) (*composeOutput, error) {
		kind, kerr := parseMessageKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		draft, derr := draftFrom(kind, input.Body)
		if derr != nil {
			return nil, derr
		}
		d, err := s.Compose(ctx, draft)
		return composeResult(kind, d, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/messages/{kind}",
		Summary:     "Every record of a kind",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *kindPath) (*struct {
		Body RecordList `json:"body"`
	}, error) {
		kind, kerr := parseMessageKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		recs, err := s.All(ctx, kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordList `json:"body"`
		}{Body: recordList(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inbox",
		Method:      http.MethodGet,
		Path:        "/messages/{kind}/inbox",
		Summary:     "Records addressed to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Kind   string `path:"kind" example:"intelligence"`
		Group  int `query:"group" minimum:"0" maximum:"4"`
		Branch int `query:"branch" minimum:"0" maximum:"3" doc:"Defaults to the caller's derived branch"`
	}) (*struct {
		Body RecordList `json:"body"`
	}, error) {
		kind, kerr := parseMessageKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		recs, err := s.Inbox(ctx, kind, domain.Group(input.Group), domain.Branch(input.Branch))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordList `json:"body"`
		}{Body: recordList(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sent",
		Method:      http.MethodGet,
		Path:        "/messages/{kind}/sent",
		Summary:     "Records the caller appended",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *kindPath) (*struct {
		Body RecordList `json:"body"`
	}, error) {
		kind, kerr := parseMessageKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		recs, err := s.Sent(ctx, kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordList `json:"body"`
		}{Body: recordList(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-message",
		Method:      http.MethodGet,
		Path:        "/messages/{kind}/{id}",
		Summary:     "One record with its replies",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body ThreadResponse `json:"body"`
	}, error) {
		kind, kerr := parseMessageKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		th, err := s.Thread(ctx, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreadResponse `json:"body"`
		}{Body: threadResponse(th)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge",
		Method:      http.MethodPost,
		Path:        "/messages/{kind}/{id}/ack",
		Summary:     "Acknowledge a record",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body ledger.Receipt `json:"body"`
	}, error) {
		kind, kerr := parseMessageKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		rec, err := s.Acknowledge(ctx, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.Receipt `json:"body"`
		}{Body: rec}, nil
	})
}

func registerCommands(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-command",
		Method:      http.MethodPost,
		Path:        "/commands/{id}/execute",
		Summary:     "Mark a command executed",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID uint64 `path:"id"`
	}) (*struct {
		Body ledger.Receipt `json:"body"`
	}, error) {
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		rec, err := s.Execute(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.Receipt `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "layer-feed",
		Method:      http.MethodGet,
		Path:        "/commands/layer",
		Summary:     "Commands issued to layers below the caller's tier",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RecordList `json:"body"`
	}, error) {
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		recs, err := s.LayerFeed(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordList `json:"body"`
		}{Body: recordList(recs)}, nil
	})
}

func registerThreads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "orphaned-replies",
		Method:      http.MethodGet,
		Path:        "/threads/orphaned",
		Summary:     "Replies whose parent record does not exist",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RecordList `json:"body"`
	}, error) {
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		recs, err := s.Orphaned(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordList `json:"body"`
		}{Body: recordList(recs)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Newest raw ledger events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		var kind domain.Kind
		if input.Kind != "" {
			k, err := domain.ParseKind(input.Kind)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"kind": input.Kind})
			}
			kind = k
		}
		s, err := openSession(ctx, e)
		if err != nil {
			return nil, err
		}
		evs, err := s.Tail(ctx, kind, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Items: nonNil(evs)}}, nil
	})
}

func registerToken(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "DEV ONLY: mint a token for an identity",
		Description: "Available only when the identity header is trusted.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if !authCfg.AllowIdentityHeader {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev tokens are disabled", nil)
		}
		id := domain.Identity(strings.TrimSpace(input.Body.Identity))
		var ttl time.Duration
		if input.Body.TTL != "" {
			parsed, err := time.ParseDuration(input.Body.TTL)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid ttl", map[string]any{"ttl": input.Body.TTL})
			}
			ttl = parsed
		}
		token, err := SignToken(authCfg.JWTSecret, id, ttl)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token}}, nil
	})
}

func draftFrom(kind domain.Kind, req ComposeRequest) (engine.Draft, huma.StatusError) {
	d := engine.Draft{
		Kind:    kind,
		Body:    req.Body,
		Branch:  domain.Branch(req.TagBranch),
		Group:   domain.Group(req.TagGroup),
		Layer:   req.Layer,
		AssetID: req.AssetID,
	}
	if req.ReplyTo != nil {
		k, err := domain.ParseKind(req.ReplyTo.Kind)
		if err != nil {
			return engine.Draft{}, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"reply_to": req.ReplyTo.Kind})
		}
		d.ReplyTo = &domain.ThreadRef{Kind: k, ParentID: req.ReplyTo.ID}
	}
	switch req.Destination {
	case "direct":
		d.To = routing.Direct{Identity: domain.Identity(req.To)}
	case "group":
		d.To = routing.LegacyGroup{Group: domain.Group(req.Group), Branch: domain.Branch(req.Branch)}
	case "admins":
		d.To = routing.BroadcastAdmins{}
	case "subordinates":
		d.To = routing.BroadcastSubordinates{}
	case "":
		if d.ReplyTo == nil {
			return engine.Draft{}, newAPIError(http.StatusBadRequest, "bad_request", "destination required", nil)
		}
	default:
		return engine.Draft{}, newAPIError(http.StatusBadRequest, "bad_request", "unknown destination", map[string]any{"destination": req.Destination})
	}
	return d, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
