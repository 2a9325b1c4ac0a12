package domain

import "fmt"

type EventType string

const (
	EventInvoiceReceived    EventType = "invoice_received"
	EventInvoiceParsed      EventType = "invoice_parsed"
	EventBookingCompleted   EventType = "booking_completed"
	EventBookingApproved    EventType = "booking_approved"
	EventBookingRejected    EventType = "booking_rejected"
	EventCorrectionReceived EventType = "correction_received"
	EventTaskFailed         EventType = "task_failed"
)

// EventTypes lists every event kind the orchestrator knows how to handle.
var EventTypes = []EventType{
	EventInvoiceReceived,
	EventInvoiceParsed,
	EventBookingCompleted,
	EventBookingApproved,
	EventBookingRejected,
	EventCorrectionReceived,
	EventTaskFailed,
}

func ParseEventType(s string) (EventType, error) {
	for _, t := range EventTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

type AgentType string

const (
	AgentParser     AgentType = "parser"
	AgentBookkeeper AgentType = "bookkeeper"
	AgentLearner    AgentType = "learner"
)

var AgentTypes = []AgentType{AgentParser, AgentBookkeeper, AgentLearner}

func ParseAgentType(s string) (AgentType, error) {
	for _, t := range AgentTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown agent type %q", s)
}

type TaskType string

const (
	TaskParseInvoice     TaskType = "parse_invoice"
	TaskSuggestBooking   TaskType = "suggest_booking"
	TaskLearnCorrection  TaskType = "learn_correction"
	TaskReinforcePattern TaskType = "reinforce_pattern"
)

// Agent returns the role that owns tasks of this type.
func (t TaskType) Agent() AgentType {
	switch t {
	case TaskParseInvoice:
		return AgentParser
	case TaskSuggestBooking:
		return AgentBookkeeper
	case TaskLearnCorrection, TaskReinforcePattern:
		return AgentLearner
	}
	return ""
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskInProgress: {},
	},
	TaskInProgress: {
		TaskCompleted: {},
		TaskPending:   {},
		TaskFailed:    {},
	},
	TaskCompleted: {},
	// Operator requeue only.
	TaskFailed: {
		TaskPending: {},
	},
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(s)
	if _, ok := allowedTransitions[st]; !ok {
		return "", fmt.Errorf("invalid task status %q", s)
	}
	return st, nil
}

// ValidateTransition reports an error when from -> to is not a legal task move.
func ValidateTransition(from, to TaskStatus) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid task status %q", from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type ReviewPriority string

const (
	ReviewCritical ReviewPriority = "critical"
	ReviewHigh     ReviewPriority = "high"
	ReviewMedium   ReviewPriority = "medium"
	ReviewLow      ReviewPriority = "low"
)

func ParseReviewPriority(s string) (ReviewPriority, error) {
	switch p := ReviewPriority(s); p {
	case ReviewCritical, ReviewHigh, ReviewMedium, ReviewLow:
		return p, nil
	}
	return "", fmt.Errorf("invalid review priority %q", s)
}

type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewApproved  ReviewStatus = "approved"
	ReviewCorrected ReviewStatus = "corrected"
	ReviewRejected  ReviewStatus = "rejected"
)

func ParseReviewStatus(s string) (ReviewStatus, error) {
	switch st := ReviewStatus(s); st {
	case ReviewPending, ReviewApproved, ReviewCorrected, ReviewRejected:
		return st, nil
	}
	return "", fmt.Errorf("invalid review status %q", s)
}

type BookingStatus string

const (
	BookingProposed  BookingStatus = "proposed"
	BookingPosted    BookingStatus = "posted"
	BookingInReview  BookingStatus = "in_review"
	BookingCorrected BookingStatus = "corrected"
	BookingRejected  BookingStatus = "rejected"
)

type PatternType string

const (
	PatternVendorAccount      PatternType = "vendor_account"
	PatternDescriptionKeyword PatternType = "description_keyword"
)
