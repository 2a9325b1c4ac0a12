package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agentledger/internal/domain"
	"agentledger/internal/patterns"
	"agentledger/internal/repo"
)

// LearnOutcome reports what a learning step did to the pattern store.
type LearnOutcome struct {
	Pattern domain.Pattern `json:"pattern"`
	Created bool           `json:"created"`
	// Duplicate is set when this source already updated the pattern.
	Duplicate bool `json:"duplicate"`
	// Skipped is set when the correction carries neither a vendor nor a
	// usable keyword.
	Skipped bool `json:"skipped"`
	// Reseeded is set when the bucket held a deactivated pattern that the
	// correction restarted from scratch.
	Reseeded  bool            `json:"reseeded"`
	Penalized *domain.Pattern `json:"penalized,omitempty"`
}

func correctionKey(id string) string { return "correction:" + id }
func approvalKey(id string) string   { return "approval:" + id }

// observe folds one outcome into p unless sourceKey already touched it.
func (e Engine) observe(ctx context.Context, tx *sql.Tx, p domain.Pattern, sourceKey string, observation float64) (domain.Pattern, bool, error) {
	now := e.ts()
	fresh, err := e.Repo.RecordPatternApplication(ctx, tx, p.ID, sourceKey, observation, now)
	if err != nil {
		return p, false, fmt.Errorf("record pattern application: %w", err)
	}
	if !fresh {
		e.metrics().PatternUpdates.WithLabelValues("duplicate").Inc()
		return p, false, nil
	}
	p.SuccessRate = patterns.NextRate(p.SuccessRate, p.TimesApplied, observation)
	p.TimesApplied++
	p.LastUsedAt = &now
	if err := e.Repo.UpdatePatternStats(ctx, tx, p); err != nil {
		return p, false, fmt.Errorf("update pattern %s: %w", p.ID, err)
	}
	kind := "success"
	if observation < 1 {
		kind = "failure"
	}
	e.metrics().PatternUpdates.WithLabelValues(kind).Inc()
	return p, true, nil
}

// reseed restarts a deactivated pattern as if the correction had created it.
func (e Engine) reseed(ctx context.Context, tx *sql.Tx, p domain.Pattern, c domain.Correction, sourceKey string) (domain.Pattern, bool, error) {
	now := e.ts()
	fresh, err := e.Repo.RecordPatternApplication(ctx, tx, p.ID, sourceKey, 1, now)
	if err != nil {
		return p, false, fmt.Errorf("record pattern application: %w", err)
	}
	if !fresh {
		e.metrics().PatternUpdates.WithLabelValues("duplicate").Inc()
		return p, false, nil
	}
	p.SuggestedAccount = c.CorrectedAccount
	p.SuccessRate = 1.0
	p.TimesApplied = 1
	p.LastUsedAt = &now
	p.IsActive = true
	if err := e.Repo.UpdatePatternStats(ctx, tx, p); err != nil {
		return p, false, fmt.Errorf("update pattern %s: %w", p.ID, err)
	}
	if err := e.Repo.SetPatternActive(ctx, tx, p.ID, true); err != nil {
		return p, false, fmt.Errorf("reactivate pattern %s: %w", p.ID, err)
	}
	e.metrics().PatternUpdates.WithLabelValues("created").Inc()
	return p, true, nil
}

// LearnFromCorrection turns a reviewer correction into pattern knowledge.
// The correction's bucket (vendor first, keyword otherwise) gets a new
// pattern at success rate 1.0, or an existing active one records a success
// when it already suggested the corrected account and a failure otherwise,
// taking the corrected account. A deactivated bucket pattern is reseeded
// and reactivated with the corrected account at success rate 1.0. A different pattern that drove the original suggestion
// records a failure. Processing the same correction twice changes nothing.
func (e Engine) LearnFromCorrection(ctx context.Context, correctionID string) (LearnOutcome, error) {
	var out LearnOutcome
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		out = LearnOutcome{}
		c, err := e.Repo.GetCorrection(ctx, tx, correctionID)
		if err != nil {
			return fmt.Errorf("load correction %s: %w", correctionID, err)
		}
		bucket, err := patterns.Classify(c.VendorID, c.Description)
		if errors.Is(err, patterns.ErrUnclassifiable) {
			out.Skipped = true
			return nil
		}
		if err != nil {
			return err
		}
		key := correctionKey(c.ID)

		p, err := e.Repo.FindPattern(ctx, tx, c.TenantID, bucket.Type, bucket.Key)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			now := e.ts()
			p = domain.Pattern{
				ID:               uuid.NewString(),
				TenantID:         c.TenantID,
				Type:             bucket.Type,
				Key:              bucket.Key,
				SuggestedAccount: c.CorrectedAccount,
				SuccessRate:      1.0,
				TimesApplied:     1,
				IsActive:         true,
				LastUsedAt:       &now,
				CreatedAt:        now,
			}
			if err := e.Repo.InsertPattern(ctx, tx, p); err != nil {
				return fmt.Errorf("insert pattern: %w", err)
			}
			if _, err := e.Repo.RecordPatternApplication(ctx, tx, p.ID, key, 1, now); err != nil {
				return fmt.Errorf("record pattern application: %w", err)
			}
			e.metrics().PatternUpdates.WithLabelValues("created").Inc()
			out.Created = true
		case err != nil:
			return err
		case !p.IsActive:
			reseeded, fresh, err := e.reseed(ctx, tx, p, c, key)
			if err != nil {
				return err
			}
			if !fresh {
				out.Duplicate = true
				p, err = e.Repo.GetPattern(ctx, tx, p.ID)
				if err != nil {
					return err
				}
			} else {
				p = reseeded
				out.Reseeded = true
			}
		default:
			observation := 0.0
			if p.SuggestedAccount == c.CorrectedAccount {
				observation = 1
			}
			if observation == 0 {
				p.SuggestedAccount = c.CorrectedAccount
			}
			updated, fresh, err := e.observe(ctx, tx, p, key, observation)
			if err != nil {
				return err
			}
			if !fresh {
				out.Duplicate = true
				p, err = e.Repo.GetPattern(ctx, tx, p.ID)
				if err != nil {
					return err
				}
			} else {
				p = updated
			}
		}
		out.Pattern = p

		b, err := e.Repo.GetBooking(ctx, tx, c.BookingID)
		if err != nil {
			return fmt.Errorf("load booking %s: %w", c.BookingID, err)
		}
		if b.MatchedPatternID == nil || *b.MatchedPatternID == p.ID {
			return nil
		}
		matched, err := e.Repo.GetPattern(ctx, tx, *b.MatchedPatternID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		penalized, fresh, err := e.observe(ctx, tx, matched, key, 0)
		if err != nil {
			return err
		}
		if fresh {
			out.Penalized = &penalized
		}
		return nil
	})
	return out, err
}

// ReinforcePattern records a success for the pattern that drove an approved
// booking. A booking reinforces a pattern at most once.
func (e Engine) ReinforcePattern(ctx context.Context, patternID, bookingID string) (LearnOutcome, error) {
	var out LearnOutcome
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		out = LearnOutcome{}
		p, err := e.Repo.GetPattern(ctx, tx, patternID)
		if err != nil {
			return fmt.Errorf("load pattern %s: %w", patternID, err)
		}
		updated, fresh, err := e.observe(ctx, tx, p, approvalKey(bookingID), 1)
		if err != nil {
			return err
		}
		out.Pattern = updated
		out.Duplicate = !fresh
		return nil
	})
	return out, err
}

// ListPatterns returns a tenant's patterns, optionally only the active ones.
func (e Engine) ListPatterns(ctx context.Context, tenantID string, activeOnly bool) ([]domain.Pattern, error) {
	return e.Repo.ListPatterns(ctx, nil, tenantID, activeOnly)
}

// SetPatternActive toggles whether a pattern may influence suggestions.
// Inactive patterns keep accumulating statistics.
func (e Engine) SetPatternActive(ctx context.Context, tenantID, patternID string, active bool) (domain.Pattern, error) {
	var out domain.Pattern
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetPattern(ctx, tx, patternID)
		if err != nil {
			return err
		}
		if tenantID != "" && p.TenantID != tenantID {
			return repo.ErrNotFound
		}
		if err := e.Repo.SetPatternActive(ctx, tx, patternID, active); err != nil {
			return err
		}
		p.IsActive = active
		out = p
		return nil
	})
	return out, err
}
