package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentledger/internal/domain"
	"agentledger/internal/repo"
)

// CorrectionInput is a reviewer's replacement for the primary account.
type CorrectionInput struct {
	Account   string
	CreatedBy string
}

func (e Engine) ListReviewItems(ctx context.Context, f repo.ReviewFilters) ([]domain.ReviewItem, error) {
	return e.Repo.ListReviewItems(ctx, f)
}

func (e Engine) GetReviewItem(ctx context.Context, tenantID, itemID string) (domain.ReviewItem, error) {
	it, err := e.Repo.GetReviewItem(ctx, nil, itemID)
	if err != nil {
		return it, err
	}
	if tenantID != "" && it.TenantID != tenantID {
		return domain.ReviewItem{}, repo.ErrNotFound
	}
	return it, nil
}

// pendingItem loads a review item owned by tenantID that is still pending.
func (e Engine) pendingItem(ctx context.Context, tx *sql.Tx, tenantID, itemID string) (domain.ReviewItem, error) {
	it, err := e.Repo.GetReviewItem(ctx, tx, itemID)
	if err != nil {
		return it, err
	}
	if tenantID != "" && it.TenantID != tenantID {
		return domain.ReviewItem{}, repo.ErrNotFound
	}
	if it.Status != domain.ReviewPending {
		return domain.ReviewItem{}, fmt.Errorf("%w: %s is %s", ErrNotPending, itemID, it.Status)
	}
	return it, nil
}

func (e Engine) resolve(ctx context.Context, tx *sql.Tx, it domain.ReviewItem, status domain.ReviewStatus, by string) error {
	ok, err := e.Repo.ResolveReviewItem(ctx, tx, it.ID, status, by, e.ts())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPending, it.ID)
	}
	return nil
}

// ApproveReview accepts the proposed booking as is. The booking is posted and
// booking_approved is published so a matched pattern gets reinforced.
func (e Engine) ApproveReview(ctx context.Context, tenantID, itemID, actor string) (domain.ReviewItem, error) {
	if strings.TrimSpace(actor) == "" {
		return domain.ReviewItem{}, errors.New("reviewer required")
	}
	var out domain.ReviewItem
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		it, err := e.pendingItem(ctx, tx, tenantID, itemID)
		if err != nil {
			return err
		}
		b, err := e.Repo.GetBooking(ctx, tx, it.BookingID)
		if err != nil {
			return fmt.Errorf("load booking %s: %w", it.BookingID, err)
		}
		if err := e.resolve(ctx, tx, it, domain.ReviewApproved, actor); err != nil {
			return err
		}
		if err := e.Repo.UpdateBookingStatus(ctx, tx, b.ID, domain.BookingPosted, e.ts()); err != nil {
			return err
		}
		if _, err := e.writer().Append(ctx, tx, it.TenantID, domain.EventBookingApproved, domain.BookingApprovedPayload{
			BookingID:        b.ID,
			MatchedPatternID: b.MatchedPatternID,
			ApprovedBy:       actor,
			ReviewItemID:     it.ID,
		}); err != nil {
			return err
		}
		out, err = e.Repo.GetReviewItem(ctx, tx, it.ID)
		return err
	})
	return out, err
}

// CorrectReview replaces the booking's primary account, records the
// correction and publishes correction_received for the learner.
func (e Engine) CorrectReview(ctx context.Context, tenantID, itemID string, in CorrectionInput) (domain.Correction, error) {
	account := strings.TrimSpace(in.Account)
	if account == "" {
		return domain.Correction{}, errors.New("corrected account required")
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return domain.Correction{}, errors.New("reviewer required")
	}
	var c domain.Correction
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		it, err := e.pendingItem(ctx, tx, tenantID, itemID)
		if err != nil {
			return err
		}
		b, err := e.Repo.GetBooking(ctx, tx, it.BookingID)
		if err != nil {
			return fmt.Errorf("load booking %s: %w", it.BookingID, err)
		}
		if err := e.resolve(ctx, tx, it, domain.ReviewCorrected, in.CreatedBy); err != nil {
			return err
		}
		now := e.ts()
		c = domain.Correction{
			ID:               uuid.NewString(),
			TenantID:         it.TenantID,
			ReviewItemID:     it.ID,
			BookingID:        b.ID,
			VendorID:         b.VendorID,
			Description:      b.Description,
			OriginalAccount:  b.Entry.PrimaryAccount(),
			CorrectedAccount: account,
			CreatedBy:        in.CreatedBy,
			CreatedAt:        now,
		}
		if err := e.Repo.InsertCorrection(ctx, tx, c); err != nil {
			return fmt.Errorf("insert correction: %w", err)
		}
		if err := e.Repo.CorrectBooking(ctx, tx, b.ID, b.Entry.WithPrimaryAccount(account), now); err != nil {
			return err
		}
		_, err = e.writer().Append(ctx, tx, it.TenantID, domain.EventCorrectionReceived, domain.CorrectionReceivedPayload{
			CorrectionID: c.ID,
		})
		return err
	})
	if err != nil {
		return domain.Correction{}, err
	}
	return c, nil
}

// RejectReview discards the proposed booking. Nothing is learned from it.
func (e Engine) RejectReview(ctx context.Context, tenantID, itemID, actor, reason string) (domain.ReviewItem, error) {
	if strings.TrimSpace(actor) == "" {
		return domain.ReviewItem{}, errors.New("reviewer required")
	}
	var out domain.ReviewItem
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		it, err := e.pendingItem(ctx, tx, tenantID, itemID)
		if err != nil {
			return err
		}
		if err := e.resolve(ctx, tx, it, domain.ReviewRejected, actor); err != nil {
			return err
		}
		if err := e.Repo.UpdateBookingStatus(ctx, tx, it.BookingID, domain.BookingRejected, e.ts()); err != nil {
			return err
		}
		if _, err := e.writer().Append(ctx, tx, it.TenantID, domain.EventBookingRejected, domain.BookingRejectedPayload{
			BookingID:    it.BookingID,
			ReviewItemID: it.ID,
			RejectedBy:   actor,
			Reason:       reason,
		}); err != nil {
			return err
		}
		out, err = e.Repo.GetReviewItem(ctx, tx, it.ID)
		return err
	})
	return out, err
}

func (e Engine) ListBookings(ctx context.Context, tenantID, status string, limit int) ([]domain.Booking, error) {
	return e.Repo.ListBookings(ctx, tenantID, status, limit)
}

func (e Engine) GetBooking(ctx context.Context, tenantID, id string) (domain.Booking, error) {
	b, err := e.Repo.GetBooking(ctx, nil, id)
	if err != nil {
		return b, err
	}
	if tenantID != "" && b.TenantID != tenantID {
		return domain.Booking{}, repo.ErrNotFound
	}
	return b, nil
}
