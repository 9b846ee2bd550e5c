package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"mdcn/internal/domain"
	"mdcn/internal/ledger"
)

// authorize holds the ledger-side write rules. Callers above the ledger may
// pre-filter actions but these checks are the ones that hold.
func (r Repo) authorize(ctx context.Context, tx *sql.Tx, kind domain.Kind, req ledger.AppendRequest) error {
	if req.Sender.IsZero() {
		return ledger.Rejected(kind, req.Type, "sender required")
	}
	role, err := roleOf(ctx, tx, req.Sender)
	if err != nil {
		return err
	}
	switch req.Type {
	case ledger.EventAssigned:
		return authorizeAssignment(ctx, tx, kind, req, role)
	case ledger.EventCreated:
		if !kind.IsMessage() {
			return ledger.Rejected(kind, req.Type, "kind does not carry messages")
		}
		if err := validateMessage(kind, req); err != nil {
			return err
		}
		switch role {
		case domain.RoleStrategic:
			return nil
		case domain.RoleOperational, domain.RoleTactical:
			if kind == domain.KindCommand {
				return ledger.Rejected(kind, req.Type, "strategic role required")
			}
			return nil
		case domain.RoleNone:
			return ledger.Rejected(kind, req.Type, "sender has no role")
		}
		return ledger.Rejected(kind, req.Type, "unknown role %d", role)
	case ledger.EventAcknowledged:
		return authorizeAck(ctx, tx, kind, req, role)
	case ledger.EventExecuted:
		if kind != domain.KindCommand {
			return ledger.Rejected(kind, req.Type, "only commands can be executed")
		}
		cur, err := current(ctx, tx, kind, req.RecordID)
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Rejected(kind, req.Type, "unknown command %d", req.RecordID)
		}
		if err != nil {
			return err
		}
		if cur.Executed {
			return ledger.Rejected(kind, req.Type, "command %d already executed", req.RecordID)
		}
		if role != domain.RoleStrategic {
			return ledger.Rejected(kind, req.Type, "strategic role required")
		}
		return nil
	}
	return ledger.Rejected(kind, req.Type, "unknown event type")
}

func authorizeAssignment(ctx context.Context, tx *sql.Tx, kind domain.Kind, req ledger.AppendRequest, role domain.Role) error {
	if kind != domain.KindRoleAssignment {
		return ledger.Rejected(kind, req.Type, "assignments belong to the roleAssignment stream")
	}
	if domain.Identity(req.Fields[ledger.FieldIdentity]).IsZero() {
		return ledger.Rejected(kind, req.Type, "identity required")
	}
	if _, err := domain.ParseRole(req.Fields[ledger.FieldRole]); err != nil {
		return ledger.Rejected(kind, req.Type, "%v", err)
	}
	if role == domain.RoleStrategic {
		return nil
	}
	exists, err := strategicExists(ctx, tx)
	if err != nil {
		return err
	}
	if exists {
		return ledger.Rejected(kind, req.Type, "strategic role required")
	}
	return nil
}

func authorizeAck(ctx context.Context, tx *sql.Tx, kind domain.Kind, req ledger.AppendRequest, role domain.Role) error {
	if !kind.IsMessage() {
		return ledger.Rejected(kind, req.Type, "kind does not carry messages")
	}
	cur, err := current(ctx, tx, kind, req.RecordID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Rejected(kind, req.Type, "unknown record %d", req.RecordID)
	}
	if err != nil {
		return err
	}
	if cur.Acknowledged {
		return ledger.Rejected(kind, req.Type, "record %d already acknowledged", req.RecordID)
	}
	if !cur.Recipient.IsZero() {
		if !cur.Recipient.Equal(req.Sender) {
			return ledger.Rejected(kind, req.Type, "only the recipient may acknowledge")
		}
		return nil
	}
	if role == domain.RoleNone {
		return ledger.Rejected(kind, req.Type, "sender has no role")
	}
	if cur.Sender.Equal(req.Sender) {
		return ledger.Rejected(kind, req.Type, "sender cannot acknowledge own group message")
	}
	return nil
}

func validateMessage(kind domain.Kind, req ledger.AppendRequest) error {
	f := req.Fields
	if strings.TrimSpace(f[ledger.FieldPayload]) == "" {
		return ledger.Rejected(kind, req.Type, "payload required")
	}
	if req.Recipient.IsZero() {
		g, err := strconv.ParseUint(f[ledger.FieldGroup], 10, 8)
		if err != nil || !domain.Group(g).Valid() {
			return ledger.Rejected(kind, req.Type, "invalid recipient group %q", f[ledger.FieldGroup])
		}
		b, err := strconv.ParseUint(f[ledger.FieldBranch], 10, 8)
		if err != nil || !domain.Branch(b).Valid() {
			return ledger.Rejected(kind, req.Type, "invalid branch %q", f[ledger.FieldBranch])
		}
	}
	if v, ok := f[ledger.FieldLayer]; ok && kind == domain.KindCommand {
		l, err := strconv.ParseUint(v, 10, 8)
		if err != nil || l < 1 || l > 3 {
			return ledger.Rejected(kind, req.Type, "invalid layer %q", v)
		}
	}
	if v, ok := f[ledger.FieldAssetID]; ok {
		if _, err := strconv.ParseUint(v, 10, 64); err != nil {
			return ledger.Rejected(kind, req.Type, "invalid asset id %q", v)
		}
	}
	return nil
}

func roleOf(ctx context.Context, q queryer, id domain.Identity) (domain.Role, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT fields_json FROM events WHERE kind=? AND type=? AND recipient=? ORDER BY seq DESC LIMIT 1`,
		string(domain.KindRoleAssignment), string(ledger.EventAssigned), string(id.Normalize())).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.RoleNone, nil
	}
	if err != nil {
		return domain.RoleNone, err
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return domain.RoleNone, err
	}
	role, err := domain.ParseRole(fields[ledger.FieldRole])
	if err != nil {
		return domain.RoleNone, nil
	}
	return role, nil
}

// strategicExists reports whether any identity currently holds Strategic.
func strategicExists(ctx context.Context, q queryer) (bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT recipient, fields_json FROM events WHERE kind=? AND type=? ORDER BY seq ASC`,
		string(domain.KindRoleAssignment), string(ledger.EventAssigned))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	latest := map[string]string{}
	for rows.Next() {
		var who, payload string
		if err := rows.Scan(&who, &payload); err != nil {
			return false, err
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return false, err
		}
		latest[who] = fields[ledger.FieldRole]
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	for _, v := range latest {
		if role, err := domain.ParseRole(v); err == nil && role == domain.RoleStrategic {
			return true, nil
		}
	}
	return false, nil
}
