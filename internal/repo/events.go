package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentledger/internal/domain"
)

const eventColumns = `id, tenant_id, event_type, payload_json, processed, created_at, processed_at`

func scanEvent(s scanner) (domain.Event, error) {
	var e domain.Event
	var evtType, payload string
	var processed int
	var processedAt sql.NullString
	if err := s.Scan(&e.ID, &e.TenantID, &evtType, &payload, &processed, &e.CreatedAt, &processedAt); err != nil {
		return e, err
	}
	e.Type = domain.EventType(evtType)
	e.Payload = []byte(payload)
	e.Processed = processed == 1
	e.ProcessedAt = stringPtr(processedAt)
	return e, nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// PollUnprocessed returns unprocessed events across tenants, oldest first.
func (r Repo) PollUnprocessed(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE processed=0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// MarkEventProcessed flips the processed flag exactly once. It reports false
// when the event had already been processed.
func (r Repo) MarkEventProcessed(ctx context.Context, tx *sql.Tx, id int64, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE events SET processed=1, processed_at=? WHERE id=? AND processed=0`, now, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (r Repo) GetEvent(ctx context.Context, tx *sql.Tx, id int64) (domain.Event, error) {
	e, err := scanEvent(r.q(tx).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

type EventFilters struct {
	TenantID  string
	Type      string
	Processed *bool
	Limit     int
	// Cursor returns events with id < Cursor (newest first paging).
	Cursor int64
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Type != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.Type)
	}
	if f.Processed != nil {
		clauses = append(clauses, "processed=?")
		args = append(args, boolInt(*f.Processed))
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, tenantID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if tenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, tenantID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// LatestEventID returns the most recent event ID for a tenant.
func (r Repo) LatestEventID(ctx context.Context, tenantID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE tenant_id=?`, tenantID).Scan(&id)
	return id, err
}

// CountUnprocessed counts unprocessed events, optionally for one tenant.
func (r Repo) CountUnprocessed(ctx context.Context, tenantID string) (int, error) {
	query := `SELECT count(*) FROM events WHERE processed=0`
	var args []any
	if tenantID != "" {
		query += ` AND tenant_id=?`
		args = append(args, tenantID)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
