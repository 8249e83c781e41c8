// Package audit implements the append-only Audit Store (spec.md §4.4): a
// durable record of every tool call the dispatch core processes, written
// after secret substitution has happened but with secret values masked.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostbridge-dev/hostbridge/core"
)

// Record is one audited tool invocation.
type Record struct {
	ID             string                 `db:"id" json:"id"`
	Timestamp      time.Time              `db:"timestamp" json:"timestamp"`
	Category       string                 `db:"category" json:"category"`
	Tool           string                 `db:"tool" json:"tool"`
	Params         map[string]interface{} `db:"-" json:"params"`
	Result         *string                `db:"-" json:"result,omitempty"`
	Error          *string                `db:"error" json:"error,omitempty"`
	DurationMS     int64                  `db:"duration_ms" json:"duration_ms"`
	PolicyDecision string                 `db:"policy_decision" json:"policy_decision"`
	// Status is the audited outcome of the call — success, error, blocked,
	// hitl_approved, hitl_rejected, or hitl_expired — distinct from
	// PolicyDecision, which is the raw policy verb that routed the call.
	Status        string  `db:"status" json:"status"`
	HITLRequestID *string `db:"hitl_request_id" json:"hitl_request_id,omitempty"`
	ClientInfo     map[string]interface{} `db:"-" json:"client_info,omitempty"`
	ContainerLogs  *string                `db:"container_logs" json:"container_logs,omitempty"`

	paramsJSON     string
	clientInfoJSON sql.NullString
}

// row is the sqlx scan target; database/sql can't scan straight into a map.
type row struct {
	ID             string         `db:"id"`
	Timestamp      string         `db:"timestamp"`
	Category       string         `db:"category"`
	Tool           string         `db:"tool"`
	Params         string         `db:"params"`
	Result         sql.NullString `db:"result"`
	Error          sql.NullString `db:"error"`
	DurationMS     int64          `db:"duration_ms"`
	PolicyDecision string         `db:"policy_decision"`
	Status         string         `db:"status"`
	HITLRequestID  sql.NullString `db:"hitl_request_id"`
	ClientInfo     sql.NullString `db:"client_info"`
	ContainerLogs  sql.NullString `db:"container_logs"`
}

// Store persists audit records to the shared SQLite database.
type Store struct {
	db *sqlx.DB
}

// New returns a Store backed by db (opened via store.Open).
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Append writes rec, assigning ID and Timestamp if unset.
func (s *Store) Append(ctx context.Context, rec Record) (Record, error) {
	const op = "audit.Append"

	if rec.ID == "" {
		rec.ID = core.NewID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return Record{}, core.Wrap(core.KindInvalidParam, op, err)
	}

	var clientInfoJSON sql.NullString
	if rec.ClientInfo != nil {
		b, err := json.Marshal(rec.ClientInfo)
		if err != nil {
			return Record{}, core.Wrap(core.KindInvalidParam, op, err)
		}
		clientInfoJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records
			(id, timestamp, category, tool, params, result, error, duration_ms, policy_decision, status, hitl_request_id, client_info, container_logs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.Format(time.RFC3339Nano), rec.Category, rec.Tool, string(paramsJSON),
		rec.Result, rec.Error, rec.DurationMS, rec.PolicyDecision, rec.Status, rec.HITLRequestID, clientInfoJSON, rec.ContainerLogs,
	)
	if err != nil {
		return Record{}, core.Wrap(core.KindInternal, op, err)
	}

	return rec, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	const op = "audit.Get"

	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM audit_records WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return Record{}, core.NewError(core.KindNotFound, op, "audit record not found: "+id)
	}
	if err != nil {
		return Record{}, core.Wrap(core.KindInternal, op, err)
	}
	return fromRow(r)
}

// Query filters are intentionally simple per spec.md's testable scope:
// category and tool are exact-match, zero values meaning "any".
type Query struct {
	Category string
	Tool     string
	Limit    int
	Offset   int
}

// List returns records matching q, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	const op = "audit.List"

	if q.Limit <= 0 {
		q.Limit = 100
	}

	sqlStr := `SELECT * FROM audit_records WHERE 1=1`
	var args []interface{}
	if q.Category != "" {
		sqlStr += ` AND category = ?`
		args = append(args, q.Category)
	}
	if q.Tool != "" {
		sqlStr += ` AND tool = ?`
		args = append(args, q.Tool)
	}
	sqlStr += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}

	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := fromRow(r)
		if err != nil {
			return nil, core.Wrap(core.KindInternal, op, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func fromRow(r row) (Record, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return Record{}, err
	}

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(r.Params), &params); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:             r.ID,
		Timestamp:      ts,
		Category:       r.Category,
		Tool:           r.Tool,
		Params:         params,
		DurationMS:     r.DurationMS,
		PolicyDecision: r.PolicyDecision,
		Status:         r.Status,
	}
	if r.Result.Valid {
		rec.Result = &r.Result.String
	}
	if r.Error.Valid {
		rec.Error = &r.Error.String
	}
	if r.HITLRequestID.Valid {
		rec.HITLRequestID = &r.HITLRequestID.String
	}
	if r.ContainerLogs.Valid {
		rec.ContainerLogs = &r.ContainerLogs.String
	}
	if r.ClientInfo.Valid {
		var ci map[string]interface{}
		if err := json.Unmarshal([]byte(r.ClientInfo.String), &ci); err == nil {
			rec.ClientInfo = ci
		}
	}
	return rec, nil
}
