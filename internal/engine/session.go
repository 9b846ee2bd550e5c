package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"mdcn/internal/access"
	"mdcn/internal/codec"
	"mdcn/internal/domain"
	"mdcn/internal/engine/auth"
	"mdcn/internal/ledger"
	"mdcn/internal/projection"
	"mdcn/internal/roles"
	"mdcn/internal/routing"
)

// Session is one caller's view of the network. Role is resolved when the
// session opens and does not change afterwards.
type Session struct {
	Engine   Engine
	Identity domain.Identity
	Role     domain.Role
	// Branch is the derived routing default. It is never an authorization input.
	Branch domain.Branch
	Guard  access.Guard
}

// Profile describes the caller.
type Profile struct {
	Identity     domain.Identity `json:"identity"`
	Role         domain.Role     `json:"role"`
	RoleName     string          `json:"role_name"`
	Tier         string          `json:"tier"`
	Title        string          `json:"title"`
	Branch       domain.Branch   `json:"branch"`
	BranchName   string          `json:"branch_name"`
	DefaultGroup domain.Group    `json:"default_group"`
	Actions      []access.Action `json:"actions"`
	Composable   []domain.Kind   `json:"composable"`
}

func (s *Session) Profile() Profile {
	return Profile{
		Identity:     s.Identity,
		Role:         s.Role,
		RoleName:     s.Role.String(),
		Tier:         s.Role.TierName(),
		Title:        roles.PositionTitle(s.Identity, s.Role),
		Branch:       s.Branch,
		BranchName:   s.Branch.String(),
		DefaultGroup: s.DefaultGroup(),
		Actions:      s.Guard.Actions(),
		Composable:   s.Guard.ComposableKinds(),
	}
}

// DefaultGroup is the group written into the metadata tag when the caller
// does not choose one.
func (s *Session) DefaultGroup() domain.Group {
	switch s.Role {
	case domain.RoleStrategic:
		return domain.GroupCommandCenter
	case domain.RoleOperational:
		return domain.GroupTacticalCommand
	case domain.RoleTactical:
		return domain.GroupCoordinationCommand
	case domain.RoleNone:
		return domain.GroupCommandCenter
	}
	return domain.GroupCommandCenter
}

// Draft is a message being composed. To may be nil for a reply, in which
// case the recipient is chosen from the parent record.
type Draft struct {
	Kind    domain.Kind
	To      routing.Destination
	Body    string
	ReplyTo *domain.ThreadRef
	Branch  domain.Branch
	Group   domain.Group
	Layer   uint8
	AssetID uint64
}

// Compose tags the body and routes it. Intelligence and field data always
// carry the metadata tag; commands and maintenance only when they reply.
func (s *Session) Compose(ctx context.Context, d Draft) (routing.Delivery, error) {
	if err := auth.Require(s.Guard.CanCompose(d.Kind), s.Guard, access.ActionCompose, d.Kind); err != nil {
		return routing.Delivery{}, err
	}
	body := strings.TrimSpace(d.Body)
	if body == "" {
		return routing.Delivery{}, invalid("message body required")
	}
	if d.Branch != domain.BranchNone && !d.Branch.Valid() {
		return routing.Delivery{}, invalid("unknown branch %d", d.Branch)
	}
	if d.Group != domain.GroupNone && !d.Group.Valid() {
		return routing.Delivery{}, invalid("unknown group %d", d.Group)
	}

	dest := d.To
	if dest == nil {
		if d.ReplyTo == nil {
			return routing.Delivery{}, invalid("destination required")
		}
		var err error
		if dest, err = s.replyRecipient(ctx, *d.ReplyTo); err != nil {
			return routing.Delivery{}, err
		}
	}

	payload := body
	if d.ReplyTo != nil || d.Kind == domain.KindIntelligence || d.Kind == domain.KindFieldData {
		branch, group := d.Branch, d.Group
		if branch == domain.BranchNone {
			branch = s.Branch
		}
		if group == domain.GroupNone {
			group = s.DefaultGroup()
		}
		sealed, err := codec.Seal(d.ReplyTo, branch, group, body)
		if err != nil {
			return routing.Delivery{}, invalid("%v", err)
		}
		payload = sealed
	}

	fields := map[string]string{}
	if d.Kind == domain.KindCommand && d.Layer > 0 {
		fields[ledger.FieldLayer] = strconv.Itoa(int(d.Layer))
	}
	if d.Kind == domain.KindMaintenance && d.AssetID > 0 {
		fields[ledger.FieldAssetID] = strconv.FormatUint(d.AssetID, 10)
	}
	msg := routing.Message{Kind: d.Kind, Sender: s.Identity, Payload: payload, Fields: fields}
	return s.Engine.Router.Send(ctx, msg, dest)
}

// replyRecipient picks the recipient of a reply. Strategic callers answer
// the parent's sender. Subordinates answer the parent's sender when it is
// Strategic, else the first Strategic identity in role history.
func (s *Session) replyRecipient(ctx context.Context, ref domain.ThreadRef) (routing.Destination, error) {
	cur, err := s.Engine.Ledger.ReadCurrent(ctx, ref.Kind, ref.ParentID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, invalid("no %s #%d to reply to", ref.Kind, ref.ParentID)
	}
	if err != nil {
		return nil, err
	}
	switch s.Role {
	case domain.RoleStrategic:
		return routing.Direct{Identity: cur.Sender}, nil
	case domain.RoleOperational, domain.RoleTactical, domain.RoleNone:
	}
	dir, err := s.Engine.Roles.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if dir.Role(cur.Sender) == domain.RoleStrategic {
		return routing.Direct{Identity: cur.Sender}, nil
	}
	admins := dir.Admins()
	if len(admins) == 0 {
		return nil, routing.ErrNoRecipients
	}
	return routing.Direct{Identity: admins[0].Identity}, nil
}

// Acknowledge marks kind/id as seen by the caller.
func (s *Session) Acknowledge(ctx context.Context, kind domain.Kind, id uint64) (ledger.Receipt, error) {
	if !kind.IsMessage() {
		return ledger.Receipt{}, invalid("kind %s cannot be acknowledged", kind)
	}
	if err := auth.Require(s.Guard.Allows(access.ActionAcknowledge), s.Guard, access.ActionAcknowledge, kind); err != nil {
		return ledger.Receipt{}, err
	}
	return s.Engine.Ledger.Append(ctx, kind, ledger.AppendRequest{Type: ledger.EventAcknowledged, Sender: s.Identity, RecordID: id})
}

// Execute marks a command executed.
func (s *Session) Execute(ctx context.Context, id uint64) (ledger.Receipt, error) {
	if err := auth.Require(s.Guard.Allows(access.ActionExecute), s.Guard, access.ActionExecute, domain.KindCommand); err != nil {
		return ledger.Receipt{}, err
	}
	return s.Engine.Ledger.Append(ctx, domain.KindCommand, ledger.AppendRequest{Type: ledger.EventExecuted, Sender: s.Identity, RecordID: id})
}

// AssignRole assigns a role on behalf of the caller.
func (s *Session) AssignRole(ctx context.Context, who domain.Identity, role domain.Role) (domain.RoleAssignment, error) {
	return s.Engine.AssignRole(ctx, s.Identity, who, role)
}

// Snapshot rebuilds every projection.
func (s *Session) Snapshot(ctx context.Context) (*projection.Snapshot, error) {
	return s.Engine.Projector.Rebuild(ctx)
}

// Audience builds the caller's received-view audience. A zero branch means
// the derived default branch.
func (s *Session) Audience(group domain.Group, branch domain.Branch) projection.Audience {
	if branch == domain.BranchNone {
		branch = s.Branch
	}
	return projection.Audience{Identity: s.Identity, Group: group, Branch: branch}
}

// Inbox lists kind records addressed to the caller.
func (s *Session) Inbox(ctx context.Context, kind domain.Kind, group domain.Group, branch domain.Branch) ([]*domain.Record, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.InboxOf(snap, kind, group, branch), nil
}

// InboxOf is Inbox over an existing snapshot.
func (s *Session) InboxOf(snap *projection.Snapshot, kind domain.Kind, group domain.Group, branch domain.Branch) []*domain.Record {
	aud := s.Audience(group, branch)
	return s.Guard.Filter(snap.Kind(kind).ReceivedBy(aud), aud.Receives)
}

// Sent lists kind records the caller appended.
func (s *Session) Sent(ctx context.Context, kind domain.Kind) ([]*domain.Record, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.Guard.Filter(snap.Kind(kind).SentBy(s.Identity), nil), nil
}

// All is the global view, offered to Strategic callers only.
func (s *Session) All(ctx context.Context, kind domain.Kind) ([]*domain.Record, error) {
	if err := auth.Require(s.Guard.CanReadAll(), s.Guard, access.ActionReadAll, kind); err != nil {
		return nil, err
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Kind(kind).All(), nil
}

// LayerFeed lists commands issued to layers below the caller's tier.
func (s *Session) LayerFeed(ctx context.Context) ([]*domain.Record, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Kind(domain.KindCommand).LayerFeed(s.Role), nil
}

// Thread is one record with its replies.
type Thread struct {
	Record    *domain.Record   `json:"record"`
	Responses []*domain.Record `json:"responses"`
}

// Thread returns kind/id and its visible replies, newest first.
func (s *Session) Thread(ctx context.Context, kind domain.Kind, id uint64) (Thread, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return Thread{}, err
	}
	rec, ok := snap.Record(kind, id)
	if !ok || !s.readable(rec) {
		return Thread{}, ledger.ErrNotFound
	}
	var replies []*domain.Record
	for _, r := range snap.Responses(kind, id) {
		if s.readable(r) {
			replies = append(replies, r)
		}
	}
	return Thread{Record: rec, Responses: replies}, nil
}

// Orphaned lists visible replies whose parent does not exist.
func (s *Session) Orphaned(ctx context.Context) ([]*domain.Record, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.Record
	for _, r := range snap.Orphaned {
		if s.readable(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// readable treats legacy-tagged records as addressed to every tiered caller.
func (s *Session) readable(rec *domain.Record) bool {
	return s.Guard.CanRead(rec, rec.Legacy())
}

// Directory is the role directory, offered to Strategic callers only.
func (s *Session) Directory(ctx context.Context) ([]roles.Member, error) {
	if err := auth.Require(s.Guard.Allows(access.ActionAssignRole), s.Guard, access.ActionAssignRole, domain.KindRoleAssignment); err != nil {
		return nil, err
	}
	dir, err := s.Engine.Roles.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return dir.Members(), nil
}

// Peers lists subordinate identities other than the caller.
func (s *Session) Peers(ctx context.Context) ([]roles.Member, error) {
	dir, err := s.Engine.Roles.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return dir.Subordinates(s.Identity), nil
}

// Tail is the raw event log, offered to Strategic callers only.
func (s *Session) Tail(ctx context.Context, kind domain.Kind, limit int) ([]ledger.Event, error) {
	if err := auth.Require(s.Guard.CanReadAll(), s.Guard, access.ActionReadAll, kind); err != nil {
		return nil, err
	}
	return s.Engine.Tail(ctx, kind, limit)
}
