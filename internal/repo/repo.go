// Package repo is the bundled SQLite implementation of the ledger contract.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"mdcn/internal/domain"
	"mdcn/internal/events"
	"mdcn/internal/ledger"
)

// Repo stores every stream in one append-only events table.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

// New returns a Repo using the wall clock.
func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{Now: time.Now}}
}

var _ ledger.Ledger = Repo{}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append validates req against the ledger rules and writes it.
func (r Repo) Append(ctx context.Context, kind domain.Kind, req ledger.AppendRequest) (ledger.Receipt, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, err
	}
	defer tx.Rollback()

	if err := r.authorize(ctx, tx, kind, req); err != nil {
		return ledger.Receipt{}, err
	}
	recipient := req.Recipient
	if kind == domain.KindRoleAssignment {
		recipient = domain.Identity(req.Fields[ledger.FieldIdentity])
	}
	rec, err := r.Events.Append(ctx, tx, kind, req.Type, req.RecordID, req.Sender, recipient, req.Fields)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.Receipt{}, ledger.Rejected(kind, req.Type, "record %d already %s", req.RecordID, req.Type)
		}
		return ledger.Receipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Receipt{}, err
	}
	return rec, nil
}

// Query returns the kind's events in ledger order. An empty kind selects
// every stream.
func (r Repo) Query(ctx context.Context, kind domain.Kind, f ledger.Filter) ([]ledger.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(kind))
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if !f.Sender.IsZero() {
		clauses = append(clauses, "sender=?")
		args = append(args, string(f.Sender.Normalize()))
	}
	if !f.Recipient.IsZero() {
		clauses = append(clauses, "recipient=?")
		args = append(args, string(f.Recipient.Normalize()))
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	query := `SELECT seq,kind,type,record_id,sender,COALESCE(recipient,''),fields_json,request_id,ts FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return scanEvents(ctx, r.DB, query, args...)
}

// Tail returns the newest limit events across all streams, oldest first.
func (r Repo) Tail(ctx context.Context, limit int) ([]ledger.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return scanEvents(ctx, r.DB, `SELECT * FROM (
  SELECT seq,kind,type,record_id,sender,COALESCE(recipient,''),fields_json,request_id,ts FROM events ORDER BY seq DESC LIMIT ?
) ORDER BY seq ASC`, limit)
}

// ReadCurrent materializes one record from its events.
func (r Repo) ReadCurrent(ctx context.Context, kind domain.Kind, id uint64) (ledger.Current, error) {
	return current(ctx, r.DB, kind, id)
}

// Verify checks the hash chain; it returns the first tampered seq or 0.
func (r Repo) Verify(ctx context.Context) (int64, error) {
	return events.Verify(ctx, r.DB)
}

func current(ctx context.Context, q queryer, kind domain.Kind, id uint64) (ledger.Current, error) {
	evs, err := scanEvents(ctx, q, `SELECT seq,kind,type,record_id,sender,COALESCE(recipient,''),fields_json,request_id,ts FROM events WHERE kind=? AND record_id=? AND type IN ('created','acknowledged','executed') ORDER BY seq ASC`, string(kind), id)
	if err != nil {
		return ledger.Current{}, err
	}
	cur := ledger.Current{Kind: kind, ID: id}
	found := false
	for _, ev := range evs {
		switch ev.Type {
		case ledger.EventCreated:
			found = true
			cur.Sender, cur.Recipient = ev.Sender, ev.Recipient
			cur.Fields, cur.Timestamp = ev.Fields, ev.Timestamp
		case ledger.EventAcknowledged:
			if !cur.Acknowledged {
				cur.Acknowledged, cur.AcknowledgedBy, cur.AcknowledgedAt = true, ev.Sender, ev.Timestamp
			}
		case ledger.EventExecuted:
			if !cur.Executed {
				cur.Executed, cur.ExecutedBy, cur.ExecutedAt = true, ev.Sender, ev.Timestamp
			}
		}
	}
	if !found {
		return ledger.Current{}, ledger.ErrNotFound
	}
	return cur, nil
}

func scanEvents(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ledger.Event
	for rows.Next() {
		var (
			ev                                    ledger.Event
			kind, typ, sender, recipient, payload string
			ts                                    string
		)
		if err := rows.Scan(&ev.Seq, &kind, &typ, &ev.ID, &sender, &recipient, &payload, &ev.RequestID, &ts); err != nil {
			return nil, err
		}
		ev.Kind, ev.Type = domain.Kind(kind), ledger.EventType(typ)
		ev.Sender, ev.Recipient = domain.Identity(sender), domain.Identity(recipient)
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &ev.Fields); err != nil {
				return nil, err
			}
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se interface{ Code() int }
	if errors.As(err, &se) && se.Code()&0xff == 19 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
