package server

import (
	"time"

	"mdcn/internal/domain"
	"mdcn/internal/engine"
	"mdcn/internal/ledger"
	"mdcn/internal/roles"
	"mdcn/internal/routing"
)

// ComposeRequest is the body of POST /messages/{kind}.
type ComposeRequest struct {
	Destination string `json:"destination,omitempty" enum:"direct,group,admins,subordinates" doc:"How the recipient is chosen; empty with reply_to means reply to the parent"`
	To          string `json:"to,omitempty" doc:"Recipient identity for direct sends"`
	Group       uint8  `json:"recipient_group,omitempty" minimum:"0" maximum:"4" doc:"Legacy recipient group"`
	Branch      uint8  `json:"branch,omitempty" minimum:"0" maximum:"3" doc:"Legacy branch"`
	Body        string `json:"body" minLength:"1"`
	ReplyTo     *Ref   `json:"reply_to,omitempty"`
	TagBranch   uint8  `json:"tag_branch,omitempty" minimum:"0" maximum:"3" doc:"Branch written into the metadata tag"`
	TagGroup    uint8  `json:"tag_group,omitempty" minimum:"0" maximum:"4" doc:"Group written into the metadata tag"`
	Layer       uint8  `json:"layer,omitempty" minimum:"0" maximum:"3" doc:"Command layer"`
	AssetID     uint64 `json:"asset_id,omitempty" doc:"Maintenance asset"`
}

// Ref points at a record.
type Ref struct {
	Kind string `json:"kind" example:"command"`
	ID   uint64 `json:"id" example:"7"`
}

// AssignRoleRequest is the body of PUT /roles/{identity}.
type AssignRoleRequest struct {
	Role string `json:"role" example:"operational" doc:"none, strategic, operational, tactical or 0-3"`
}

type ResultResponse struct {
	Target routing.Target `json:"target"`
	OK     bool           `json:"ok"`
	ID     uint64         `json:"id,omitempty"`
	Seq    int64          `json:"seq,omitempty"`
	At     *time.Time     `json:"timestamp,omitempty" format:"date-time"`
	Error  *apiErrorBody  `json:"error,omitempty"`
}

type DeliveryResponse struct {
	Kind      domain.Kind      `json:"kind"`
	Delivered int              `json:"delivered"`
	Failed    int              `json:"failed"`
	Results   []ResultResponse `json:"results"`
}

type RecordList struct {
	Items []*domain.Record `json:"items"`
}

type ThreadResponse struct {
	Record    *domain.Record   `json:"record"`
	Responses []*domain.Record `json:"responses"`
}

type MemberList struct {
	Items []roles.Member `json:"items"`
}

type EventList struct {
	Items []ledger.Event `json:"items"`
}

type ProfileResponse = engine.Profile

type TokenRequest struct {
	Identity string `json:"identity"`
	TTL      string `json:"ttl,omitempty" example:"1h"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func deliveryResponse(kind domain.Kind, d routing.Delivery) DeliveryResponse {
	resp := DeliveryResponse{Kind: kind, Results: []ResultResponse{}}
	for _, r := range d.Results {
		item := ResultResponse{Target: r.Target, OK: r.OK()}
		if r.OK() {
			at := r.Receipt.Timestamp
			item.ID, item.Seq, item.At = r.Receipt.ID, r.Receipt.Seq, &at
			resp.Delivered++
		} else {
			if se, ok := handleError(r.Err).(*apiError); ok {
				body := se.Body
				item.Error = &body
			}
			resp.Failed++
		}
		resp.Results = append(resp.Results, item)
	}
	return resp
}

func recordList(recs []*domain.Record) RecordList {
	if recs == nil {
		recs = []*domain.Record{}
	}
	return RecordList{Items: recs}
}

func threadResponse(th engine.Thread) ThreadResponse {
	if th.Responses == nil {
		th.Responses = []*domain.Record{}
	}
	return ThreadResponse{Record: th.Record, Responses: th.Responses}
}
