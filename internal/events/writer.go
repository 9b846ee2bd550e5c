package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mdcn/internal/domain"
	"mdcn/internal/ledger"
)

// GenesisHash is the prev_hash of the first event.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Writer appends rows to the events table. Rows are chained by hash so any
// edit to history is detectable by Verify.
type Writer struct {
	Now func() time.Time
}

// Row is the storage shape of an event.
type Row struct {
	Seq       int64
	Kind      domain.Kind
	Type      ledger.EventType
	RecordID  uint64
	Sender    domain.Identity
	Recipient domain.Identity
	Fields    map[string]string
	RequestID string
	TS        string
	PrevHash  string
	Hash      string
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes one event inside tx. For created and assigned events the
// record id is the next gapless id of the kind; otherwise recordID is kept.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind domain.Kind, typ ledger.EventType, recordID uint64, sender, recipient domain.Identity, fields map[string]string) (ledger.Receipt, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	if typ == ledger.EventCreated || typ == ledger.EventAssigned {
		next, err := nextRecordID(ctx, tx, kind, typ)
		if err != nil {
			return ledger.Receipt{}, err
		}
		recordID = next
	}
	prev, err := lastHash(ctx, tx)
	if err != nil {
		return ledger.Receipt{}, err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("marshal event fields: %w", err)
	}
	at := w.now().UTC().Truncate(time.Second)
	row := Row{
		Kind:      kind,
		Type:      typ,
		RecordID:  recordID,
		Sender:    sender.Normalize(),
		Recipient: recipient.Normalize(),
		Fields:    fields,
		RequestID: uuid.NewString(),
		TS:        at.Format(time.RFC3339),
		PrevHash:  prev,
	}
	row.Hash = Hash(row, string(data))
	res, err := tx.ExecContext(ctx, `INSERT INTO events(kind,type,record_id,sender,recipient,fields_json,request_id,ts,prev_hash,hash) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		string(row.Kind), string(row.Type), row.RecordID, string(row.Sender), nullable(string(row.Recipient)), string(data), row.RequestID, row.TS, row.PrevHash, row.Hash)
	if err != nil {
		return ledger.Receipt{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{Seq: seq, ID: recordID, Timestamp: at, RequestID: row.RequestID}, nil
}

// Hash covers every column except seq and hash itself.
func Hash(r Row, fieldsJSON string) string {
	h := sha256.New()
	for _, part := range []string{
		r.PrevHash, string(r.Kind), string(r.Type), strconv.FormatUint(r.RecordID, 10),
		string(r.Sender), string(r.Recipient), fieldsJSON, r.RequestID, r.TS,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks the chain in seq order and returns the first broken seq, or 0.
func Verify(ctx context.Context, db *sql.DB) (int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT seq,kind,type,record_id,sender,COALESCE(recipient,''),fields_json,request_id,ts,prev_hash,hash FROM events ORDER BY seq ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	prev := GenesisHash
	for rows.Next() {
		var r Row
		var kind, typ, sender, recipient, fieldsJSON string
		if err := rows.Scan(&r.Seq, &kind, &typ, &r.RecordID, &sender, &recipient, &fieldsJSON, &r.RequestID, &r.TS, &r.PrevHash, &r.Hash); err != nil {
			return 0, err
		}
		r.Kind, r.Type = domain.Kind(kind), ledger.EventType(typ)
		r.Sender, r.Recipient = domain.Identity(sender), domain.Identity(recipient)
		if r.PrevHash != prev || Hash(r, fieldsJSON) != r.Hash {
			return r.Seq, nil
		}
		prev = r.Hash
	}
	return 0, rows.Err()
}

func nextRecordID(ctx context.Context, tx *sql.Tx, kind domain.Kind, typ ledger.EventType) (uint64, error) {
	var max uint64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(record_id),0) FROM events WHERE kind=? AND type=?`, string(kind), string(typ)).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next %s id: %w", kind, err)
	}
	return max + 1, nil
}

func lastHash(ctx context.Context, tx *sql.Tx) (string, error) {
	var h string
	err := tx.QueryRowContext(ctx, `SELECT hash FROM events ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if err == sql.ErrNoRows {
		return GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(h), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
