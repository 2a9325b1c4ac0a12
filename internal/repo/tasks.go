package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentledger/internal/domain"
)

const taskColumns = `id, tenant_id, agent_type, task_type, payload_json, result_json, status, priority, retry_count, max_retries,
COALESCE(error_message,''), parent_task_id, source_event_id, claimed_by, created_at, started_at, completed_at`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var agent, taskType, status, payload string
	var result, parent, claimedBy, startedAt, completedAt sql.NullString
	var sourceEvent sql.NullInt64
	err := s.Scan(&t.ID, &t.TenantID, &agent, &taskType, &payload, &result, &status, &t.Priority, &t.RetryCount, &t.MaxRetries,
		&t.ErrorMessage, &parent, &sourceEvent, &claimedBy, &t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return t, err
	}
	t.AgentType = domain.AgentType(agent)
	t.TaskType = domain.TaskType(taskType)
	t.Status = domain.TaskStatus(status)
	t.Payload = []byte(payload)
	t.Result = rawJSON(result)
	t.ParentTaskID = stringPtr(parent)
	t.ClaimedBy = stringPtr(claimedBy)
	t.StartedAt = stringPtr(startedAt)
	t.CompletedAt = stringPtr(completedAt)
	if sourceEvent.Valid {
		id := sourceEvent.Int64
		t.SourceEventID = &id
	}
	return t, nil
}

// InsertTask inserts t unless a task for the same (source_event_id, agent_type)
// already exists. It reports whether a row was written.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (bool, error) {
	payload := string(t.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id, tenant_id, agent_type, task_type, payload_json, status, priority, retry_count, max_retries, parent_task_id, source_event_id, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_event_id, agent_type) DO NOTHING`,
		t.ID, t.TenantID, string(t.AgentType), string(t.TaskType), payload, string(t.Status), t.Priority, t.RetryCount, t.MaxRetries,
		nullableStringPtr(t.ParentTaskID), nullableInt64Ptr(t.SourceEventID), t.CreatedAt)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// FindTaskForEvent returns the task derived from an event for a role, if any.
func (r Repo) FindTaskForEvent(ctx context.Context, tx *sql.Tx, eventID int64, agent domain.AgentType) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE source_event_id=? AND agent_type=?`, eventID, string(agent)))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ClaimCandidates returns ids of pending tasks for a role in claim order:
// priority descending, then oldest first.
func (r Repo) ClaimCandidates(ctx context.Context, agent domain.AgentType, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE agent_type=? AND status='pending'
ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT ?`, string(agent), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimTask flips one pending task to in_progress. It reports false when
// another claimant got there first.
func (r Repo) ClaimTask(ctx context.Context, tx *sql.Tx, id, workerID, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='in_progress', started_at=?, claimed_by=? WHERE id=? AND status='pending'`,
		now, workerID, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// CompleteTask moves an in_progress task held by workerID to completed.
func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, id, workerID string, result []byte, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='completed', result_json=?, completed_at=?, error_message=NULL
WHERE id=? AND status='in_progress' AND claimed_by=?`, nullableJSON(result), now, id, workerID)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// RequeueFailedAttempt puts a task back to pending after a failed attempt.
func (r Repo) RequeueFailedAttempt(ctx context.Context, tx *sql.Tx, id, workerID string, retryCount int, errMsg string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='pending', retry_count=?, error_message=?, started_at=NULL, claimed_by=NULL
WHERE id=? AND status='in_progress' AND claimed_by=?`, retryCount, errMsg, id, workerID)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// MarkTaskFailed records a terminal failure.
func (r Repo) MarkTaskFailed(ctx context.Context, tx *sql.Tx, id, workerID, errMsg, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='failed', error_message=?, completed_at=?
WHERE id=? AND status='in_progress' AND claimed_by=?`, errMsg, now, id, workerID)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ResetStuckTasks returns in_progress tasks started before cutoff to pending.
func (r Repo) ResetStuckTasks(ctx context.Context, tx *sql.Tx, cutoff string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM tasks WHERE status='in_progress' AND started_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var reset []string
	for _, id := range ids {
		res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='pending', started_at=NULL, claimed_by=NULL WHERE id=? AND status='in_progress'`, id)
		if err != nil {
			return nil, err
		}
		if ok, err := rowsAffected(res); err != nil {
			return nil, err
		} else if ok {
			reset = append(reset, id)
		}
	}
	return reset, nil
}

// RequeueTask moves a failed task back to pending with a fresh retry budget.
func (r Repo) RequeueTask(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='pending', retry_count=0, started_at=NULL, claimed_by=NULL, completed_at=NULL
WHERE id=? AND status='failed'`, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

type TaskFilters struct {
	TenantID        string
	AgentType       string
	Status          string
	Parent          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.AgentType != "" {
		clauses = append(clauses, "agent_type=?")
		args = append(args, f.AgentType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Parent != "" {
		clauses = append(clauses, "parent_task_id=?")
		args = append(args, f.Parent)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks %s ORDER BY created_at DESC, id DESC`, taskColumns, where)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTasksByStatus counts tasks per status, optionally for one tenant.
func (r Repo) CountTasksByStatus(ctx context.Context, tenantID string) (map[domain.TaskStatus]int, error) {
	query := `SELECT status, count(*) FROM tasks`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id=?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.TaskStatus(status)] = count
	}
	return res, rows.Err()
}
