package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentledger/internal/db"
	"agentledger/internal/domain"
	"agentledger/internal/repo"
)

// TaskSpec describes a task derived from an event.
type TaskSpec struct {
	TenantID      string
	TaskType      domain.TaskType
	Payload       any
	SourceEventID *int64
	ParentTaskID  *string
}

// EnqueueTaskTx creates a pending task inside tx. A task already derived from
// the same (event, agent_type) pair is returned instead of a duplicate;
// created reports which case applied.
func (e Engine) EnqueueTaskTx(ctx context.Context, tx *sql.Tx, spec TaskSpec) (domain.Task, bool, error) {
	agent := spec.TaskType.Agent()
	if agent == "" {
		return domain.Task{}, false, fmt.Errorf("unknown task type %q", spec.TaskType)
	}
	if spec.TenantID == "" {
		return domain.Task{}, false, errors.New("tenant_id required")
	}
	if spec.SourceEventID != nil {
		twin, err := e.Repo.FindTaskForEvent(ctx, tx, *spec.SourceEventID, agent)
		if err == nil {
			return twin, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, false, err
		}
	}
	if spec.ParentTaskID != nil {
		if err := e.requireTask(ctx, tx, spec.TenantID, *spec.ParentTaskID); err != nil {
			return domain.Task{}, false, err
		}
	}
	policy, err := e.Policy(ctx, tx, spec.TenantID)
	if err != nil {
		return domain.Task{}, false, err
	}
	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("marshal task payload: %w", err)
	}
	t := domain.Task{
		ID:            uuid.NewString(),
		TenantID:      spec.TenantID,
		AgentType:     agent,
		TaskType:      spec.TaskType,
		Payload:       payload,
		Status:        domain.TaskPending,
		Priority:      policy.Priority(spec.TaskType),
		MaxRetries:    policy.Tasks.MaxRetries,
		ParentTaskID:  spec.ParentTaskID,
		SourceEventID: spec.SourceEventID,
		CreatedAt:     e.ts(),
	}
	inserted, err := e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("insert task: %w", err)
	}
	if !inserted {
		if spec.SourceEventID == nil {
			return domain.Task{}, false, errors.New("task insert was ignored")
		}
		twin, err := e.Repo.FindTaskForEvent(ctx, tx, *spec.SourceEventID, agent)
		return twin, false, err
	}
	e.metrics().TasksCreated.WithLabelValues(string(agent), string(spec.TaskType)).Inc()
	return t, true, nil
}

// requireTask fails with ErrUnknownTask unless id names a task of tenantID.
func (e Engine) requireTask(ctx context.Context, tx *sql.Tx, tenantID, id string) error {
	t, err := e.Repo.GetTask(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && t.TenantID != tenantID) {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return err
}

// ClaimNextTask atomically moves the highest-priority, oldest pending task
// for the role to in_progress under workerID. Each candidate is claimed with
// a conditional update; a candidate taken by a concurrent claimant is skipped.
func (e Engine) ClaimNextTask(ctx context.Context, agent domain.AgentType, workerID string) (domain.Task, error) {
	if workerID == "" {
		return domain.Task{}, errors.New("worker id required")
	}
	batch := e.ClaimBatch
	if batch <= 0 {
		batch = 10
	}
	// A full batch of lost races means the queue moved under us; look again.
	for round := 0; round < 3; round++ {
		var ids []string
		err := db.RetryOnBusy(ctx, e.busyRetries(), func() error {
			var err error
			ids, err = e.Repo.ClaimCandidates(ctx, agent, batch)
			return err
		})
		if err != nil {
			return domain.Task{}, fmt.Errorf("select candidates: %w", err)
		}
		if len(ids) == 0 {
			return domain.Task{}, ErrNoTask
		}
		for _, id := range ids {
			var ok bool
			err := db.RetryOnBusy(ctx, e.busyRetries(), func() error {
				var err error
				ok, err = e.Repo.ClaimTask(ctx, nil, id, workerID, e.ts())
				return err
			})
			if err != nil {
				return domain.Task{}, fmt.Errorf("claim task %s: %w", id, err)
			}
			if !ok {
				e.metrics().ClaimConflicts.WithLabelValues(string(agent)).Inc()
				continue
			}
			e.metrics().TasksClaimed.WithLabelValues(string(agent)).Inc()
			return e.Repo.GetTask(ctx, nil, id)
		}
	}
	return domain.Task{}, ErrNoTask
}

// ResultEvent is the event a worker publishes when its task completes.
type ResultEvent struct {
	Type    domain.EventType
	Payload any
}

// CompleteTask marks a claimed task completed, stores its result and
// publishes the result event in one transaction.
func (e Engine) CompleteTask(ctx context.Context, taskID, workerID string, result any, emit *ResultEvent) (domain.Task, error) {
	var data []byte
	if result != nil {
		var err error
		if data, err = json.Marshal(result); err != nil {
			return domain.Task{}, fmt.Errorf("marshal task result: %w", err)
		}
	}
	var out domain.Task
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := domain.ValidateTransition(t.Status, domain.TaskCompleted); err != nil {
			return fmt.Errorf("%w: %v", ErrClaimLost, err)
		}
		ok, err := e.Repo.CompleteTask(ctx, tx, taskID, workerID, data, e.ts())
		if err != nil {
			return err
		}
		if !ok {
			return ErrClaimLost
		}
		if emit != nil {
			if _, err := e.writer().Append(ctx, tx, t.TenantID, emit.Type, emit.Payload); err != nil {
				return fmt.Errorf("publish %s: %w", emit.Type, err)
			}
		}
		out, err = e.Repo.GetTask(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.metrics().TasksFinished.WithLabelValues(string(out.AgentType), "completed").Inc()
	return out, nil
}

// FailTask records a failed attempt. The task returns to pending while
// retry_count < max_retries; after that it becomes failed for good and a
// task_failed event is published.
func (e Engine) FailTask(ctx context.Context, taskID, workerID string, cause error) (domain.Task, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	var out domain.Task
	outcome := "retried"
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskInProgress || t.ClaimedBy == nil || *t.ClaimedBy != workerID {
			return ErrClaimLost
		}
		if t.RetryCount < t.MaxRetries {
			outcome = "retried"
			ok, err := e.Repo.RequeueFailedAttempt(ctx, tx, taskID, workerID, t.RetryCount+1, msg)
			if err != nil {
				return err
			}
			if !ok {
				return ErrClaimLost
			}
		} else {
			outcome = "failed"
			ok, err := e.Repo.MarkTaskFailed(ctx, tx, taskID, workerID, msg, e.ts())
			if err != nil {
				return err
			}
			if !ok {
				return ErrClaimLost
			}
			if _, err := e.writer().Append(ctx, tx, t.TenantID, domain.EventTaskFailed, domain.TaskFailedPayload{
				TaskID:     t.ID,
				AgentType:  t.AgentType,
				RetryCount: t.RetryCount,
				Error:      msg,
			}); err != nil {
				return err
			}
		}
		out, err = e.Repo.GetTask(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.metrics().TasksFinished.WithLabelValues(string(out.AgentType), outcome).Inc()
	return out, nil
}

// ResetStuckTasks returns in_progress tasks claimed more than olderThan ago
// to pending. It is an operator action; nothing calls it automatically.
func (e Engine) ResetStuckTasks(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		return nil, errors.New("older-than must be positive")
	}
	cutoff := e.now().Add(-olderThan).UTC().Format(time.RFC3339)
	var ids []string
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = e.Repo.ResetStuckTasks(ctx, tx, cutoff)
		return err
	})
	return ids, err
}

// RequeueTask gives a failed task a fresh retry budget.
func (e Engine) RequeueTask(ctx context.Context, taskID string) (domain.Task, error) {
	var out domain.Task
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskFailed {
			return fmt.Errorf("%w: %s is %s", ErrNotFailed, taskID, t.Status)
		}
		if _, err := e.Repo.RequeueTask(ctx, tx, taskID); err != nil {
			return err
		}
		out, err = e.Repo.GetTask(ctx, tx, taskID)
		return err
	})
	return out, err
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, nil, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}
