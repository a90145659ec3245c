package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tabguard/pkg/events"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer persists limit violations so operators can review abuse after
// the fact; activity events stay out of the table.
type Writer struct {
	DB auditDB
}

type Record struct {
	UserID        string
	TabID         string
	Route         string
	ViolationType string
	Current       int
	Max           int
	Context       json.RawMessage
	CreatedAt     time.Time
}

// EnsureSchema creates the violation table when it does not exist yet.
func EnsureSchema(ctx context.Context, db auditDB) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tab_guard_violations (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			tab_id TEXT NOT NULL DEFAULT '',
			route TEXT NOT NULL DEFAULT '',
			violation_type TEXT NOT NULL,
			current_tabs INT NOT NULL DEFAULT 0,
			max_allowed INT NOT NULL DEFAULT 0,
			context JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO tab_guard_violations
		(user_id, tab_id, route, violation_type, current_tabs, max_allowed, context, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.UserID, rec.TabID, rec.Route, rec.ViolationType, rec.Current, rec.Max, rec.Context, rec.CreatedAt)
	return err
}

// Recent lists the newest violations, optionally filtered by user.
func (w *Writer) Recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT user_id, tab_id, route, violation_type, current_tabs, max_allowed, context, created_at
		FROM tab_guard_violations
	`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, userID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := w.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.UserID, &rec.TabID, &rec.Route, &rec.ViolationType,
			&rec.Current, &rec.Max, &rec.Context, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Emitter adapts the Writer into an event sink: violations are persisted,
// activity events are ignored. Write failures are logged, never surfaced
// into the request path.
type Emitter struct {
	Writer *Writer
}

func (e *Emitter) Emit(ctx context.Context, ev events.Event) {
	if e == nil || e.Writer == nil || ev.Kind != events.KindViolation {
		return
	}
	var detail json.RawMessage
	if len(ev.Context) > 0 {
		detail, _ = json.Marshal(ev.Context)
	}
	rec := Record{
		UserID:        ev.UserID,
		TabID:         ev.TabID,
		Route:         ev.Route,
		ViolationType: ev.Violation,
		Current:       ev.Current,
		Max:           ev.Max,
		Context:       detail,
		CreatedAt:     ev.At,
	}
	if err := e.Writer.Append(ctx, rec); err != nil {
		log.Printf("audit append: %v", err)
	}
}
