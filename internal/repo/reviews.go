package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentledger/internal/domain"
)

const reviewColumns = `id, tenant_id, source_task_id, booking_id, priority, ai_confidence, COALESCE(ai_reasoning,''), status, resolved_by, resolved_at, created_at`

func scanReviewItem(s scanner) (domain.ReviewItem, error) {
	var it domain.ReviewItem
	var priority, status string
	var resolvedBy, resolvedAt sql.NullString
	if err := s.Scan(&it.ID, &it.TenantID, &it.SourceTaskID, &it.BookingID, &priority, &it.AIConfidence, &it.AIReasoning,
		&status, &resolvedBy, &resolvedAt, &it.CreatedAt); err != nil {
		return it, err
	}
	it.Priority = domain.ReviewPriority(priority)
	it.Status = domain.ReviewStatus(status)
	it.ResolvedBy = stringPtr(resolvedBy)
	it.ResolvedAt = stringPtr(resolvedAt)
	return it, nil
}

// InsertReviewItem writes a review item unless one already exists for the
// source task. It reports whether a row was written.
func (r Repo) InsertReviewItem(ctx context.Context, tx *sql.Tx, it domain.ReviewItem) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO review_items(id, tenant_id, source_task_id, booking_id, priority, ai_confidence, ai_reasoning, status, created_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_task_id) DO NOTHING`,
		it.ID, it.TenantID, it.SourceTaskID, it.BookingID, string(it.Priority), it.AIConfidence, nullable(it.AIReasoning), string(it.Status), it.CreatedAt)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (r Repo) GetReviewItem(ctx context.Context, tx *sql.Tx, id string) (domain.ReviewItem, error) {
	it, err := scanReviewItem(r.q(tx).QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

// ResolveReviewItem moves a pending item to status. It reports false when the
// item was no longer pending.
func (r Repo) ResolveReviewItem(ctx context.Context, tx *sql.Tx, id string, status domain.ReviewStatus, by, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE review_items SET status=?, resolved_by=?, resolved_at=? WHERE id=? AND status='pending'`,
		string(status), by, now, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

type ReviewFilters struct {
	TenantID string
	Status   string
	Priority string
	Limit    int
}

// ListReviewItems returns the review queue, most urgent first.
func (r Repo) ListReviewItems(ctx context.Context, f ReviewFilters) ([]domain.ReviewItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM review_items WHERE %s
ORDER BY CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, created_at ASC, rowid ASC
LIMIT ?`, reviewColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewItem
	for rows.Next() {
		it, err := scanReviewItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
