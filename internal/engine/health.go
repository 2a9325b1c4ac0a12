package engine

import (
	"context"
	"fmt"

	"agentledger/internal/domain"
)

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// HealthThresholds are exclusive upper bounds: exceeding one changes status.
type HealthThresholds struct {
	DegradedUnprocessed int
	UnhealthyFailed     int
}

func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{DegradedUnprocessed: 100, UnhealthyFailed: 10}
}

type HealthReport struct {
	Status            HealthStatus   `json:"status" enum:"healthy,degraded,unhealthy"`
	UnprocessedEvents int            `json:"unprocessed_events"`
	FailedTasks       int            `json:"failed_tasks"`
	Tasks             map[string]int `json:"tasks"`
	CheckedAt         string         `json:"checked_at" format:"date-time"`
}

// Evaluate classifies the queue. Too many failed tasks outranks a backlog.
func Evaluate(unprocessed, failed int, th HealthThresholds) HealthStatus {
	switch {
	case failed > th.UnhealthyFailed:
		return Unhealthy
	case unprocessed > th.DegradedUnprocessed:
		return Degraded
	default:
		return Healthy
	}
}

// Health reports system status, scoped to a tenant when tenantID is set.
func (e Engine) Health(ctx context.Context, tenantID string, th HealthThresholds) (HealthReport, error) {
	unprocessed, err := e.Repo.CountUnprocessed(ctx, tenantID)
	if err != nil {
		return HealthReport{}, fmt.Errorf("count unprocessed events: %w", err)
	}
	counts, err := e.Repo.CountTasksByStatus(ctx, tenantID)
	if err != nil {
		return HealthReport{}, fmt.Errorf("count tasks: %w", err)
	}
	tasks := map[string]int{}
	for _, st := range []domain.TaskStatus{domain.TaskPending, domain.TaskInProgress, domain.TaskCompleted, domain.TaskFailed} {
		tasks[string(st)] = counts[st]
	}
	failed := counts[domain.TaskFailed]
	return HealthReport{
		Status:            Evaluate(unprocessed, failed, th),
		UnprocessedEvents: unprocessed,
		FailedTasks:       failed,
		Tasks:             tasks,
		CheckedAt:         e.ts(),
	}, nil
}
