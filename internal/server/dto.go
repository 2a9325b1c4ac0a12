package server

import (
	"encoding/json"

	"agentledger/internal/domain"
	"agentledger/internal/engine"
)

// Request payloads

type PublishEventRequest struct {
	EventType string         `json:"event_type" enum:"invoice_received"`
	Payload   map[string]any `json:"payload"`
}

type CorrectReviewRequest struct {
	Account string `json:"account" minLength:"1"`
}

type RejectReviewRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ResetStuckRequest struct {
	OlderThan string `json:"older_than" example:"30m" doc:"Go duration; in-progress tasks started before now minus this are reset"`
}

// Response payloads

type EventResponse struct {
	ID          int64          `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Type        string         `json:"event_type"`
	Payload     map[string]any `json:"payload"`
	Processed   bool           `json:"processed"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	ProcessedAt *string        `json:"processed_at,omitempty" format:"date-time"`
}

type TaskResponse struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	AgentType     string         `json:"agent_type" enum:"parser,bookkeeper,learner"`
	TaskType      string         `json:"task_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Status        string         `json:"status" enum:"pending,in_progress,completed,failed"`
	Priority      int            `json:"priority"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ParentTaskID  *string        `json:"parent_task_id,omitempty"`
	SourceEventID *int64         `json:"source_event_id,omitempty"`
	ClaimedBy     *string        `json:"claimed_by,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	StartedAt     *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string        `json:"completed_at,omitempty" format:"date-time"`
}

// ReviewResponse is a review item with the booking it is about.
type ReviewResponse struct {
	domain.ReviewItem
	Booking *domain.Booking `json:"booking,omitempty"`
}

type HealthResponse struct {
	Status            string         `json:"status" enum:"healthy,degraded,unhealthy"`
	UnprocessedEvents int            `json:"unprocessed_events"`
	FailedTasks       int            `json:"failed_tasks"`
	Tasks             map[string]int `json:"tasks"`
	CheckedAt         string         `json:"checked_at" format:"date-time"`
}

type ResetStuckResponse struct {
	Reset []string `json:"reset"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type reviewList struct {
	Items []domain.ReviewItem `json:"items"`
}

type bookingList struct {
	Items []domain.Booking `json:"items"`
}

type patternList struct {
	Items []domain.Pattern `json:"items"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TenantID:    e.TenantID,
		Type:        string(e.Type),
		Payload:     decodeJSONMap(e.Payload),
		Processed:   e.Processed,
		CreatedAt:   e.CreatedAt,
		ProcessedAt: e.ProcessedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		TenantID:      t.TenantID,
		AgentType:     string(t.AgentType),
		TaskType:      string(t.TaskType),
		Payload:       decodeJSONMap(t.Payload),
		Result:        decodeJSONMap(t.Result),
		Status:        string(t.Status),
		Priority:      t.Priority,
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
		ErrorMessage:  t.ErrorMessage,
		ParentTaskID:  t.ParentTaskID,
		SourceEventID: t.SourceEventID,
		ClaimedBy:     t.ClaimedBy,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func healthResponse(r engine.HealthReport) HealthResponse {
	return HealthResponse{
		Status:            string(r.Status),
		UnprocessedEvents: r.UnprocessedEvents,
		FailedTasks:       r.FailedTasks,
		Tasks:             r.Tasks,
		CheckedAt:         r.CheckedAt,
	}
}

// JSON helpers

func decodeJSONMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
