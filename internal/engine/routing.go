package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agentledger/internal/config"
	"agentledger/internal/domain"
	"agentledger/internal/repo"
	"agentledger/internal/routing"
)

func thresholds(cfg *config.Config) routing.Thresholds {
	if cfg == nil {
		return routing.DefaultThresholds()
	}
	return routing.Thresholds{
		AutoApprove: cfg.Routing.AutoApprove,
		Medium:      cfg.Routing.Medium,
		High:        cfg.Routing.High,
	}
}

// RecordBookingTx stores the booking carried by a booking_completed event and
// routes it. Auto-approved bookings are posted and announced with
// booking_approved; every other decision queues one pending review item.
// Replaying the same event leaves the stored booking untouched.
func (e Engine) RecordBookingTx(ctx context.Context, tx *sql.Tx, evt domain.Event, p domain.BookingCompletedPayload) (routing.Decision, error) {
	if p.TaskID == "" {
		return "", fmt.Errorf("booking_completed event %d has no task_id", evt.ID)
	}
	if err := e.requireTask(ctx, tx, evt.TenantID, p.TaskID); err != nil {
		return "", err
	}
	policy, err := e.Policy(ctx, tx, evt.TenantID)
	if err != nil {
		return "", err
	}
	decision := routing.Route(p.Confidence, p.ValidationPassed, thresholds(policy))

	if _, err := e.Repo.GetBookingByTask(ctx, tx, p.TaskID); err == nil {
		return decision, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}

	now := e.ts()
	status := domain.BookingInReview
	if decision == routing.AutoApprove {
		status = domain.BookingPosted
	}
	b := domain.Booking{
		ID:               uuid.NewString(),
		TenantID:         evt.TenantID,
		TaskID:           p.TaskID,
		InvoiceID:        p.InvoiceID,
		VendorID:         p.VendorID,
		Description:      p.Description,
		Entry:            p.Entry,
		Confidence:       routing.Clamp(p.Confidence),
		ValidationPassed: p.ValidationPassed,
		MatchedPatternID: p.MatchedPatternID,
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if _, err := e.Repo.InsertBooking(ctx, tx, b); err != nil {
		return "", fmt.Errorf("insert booking: %w", err)
	}

	if priority, review := decision.ReviewPriority(); review {
		it := domain.ReviewItem{
			ID:           uuid.NewString(),
			TenantID:     evt.TenantID,
			SourceTaskID: p.TaskID,
			BookingID:    b.ID,
			Priority:     priority,
			AIConfidence: b.Confidence,
			AIReasoning:  p.Reasoning,
			Status:       domain.ReviewPending,
			CreatedAt:    now,
		}
		if _, err := e.Repo.InsertReviewItem(ctx, tx, it); err != nil {
			return "", fmt.Errorf("insert review item: %w", err)
		}
	} else {
		if _, err := e.writer().Append(ctx, tx, evt.TenantID, domain.EventBookingApproved, domain.BookingApprovedPayload{
			BookingID:        b.ID,
			MatchedPatternID: p.MatchedPatternID,
			ApprovedBy:       "auto",
		}); err != nil {
			return "", err
		}
	}
	e.metrics().RoutingDecision.WithLabelValues(string(decision)).Inc()
	return decision, nil
}
