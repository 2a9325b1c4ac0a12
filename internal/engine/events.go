package engine

import (
	"context"
	"database/sql"
	"fmt"

	"agentledger/internal/domain"
	"agentledger/internal/repo"
)

// PublishEvent appends an event to the log. It fails only when the type is
// unknown or storage is unavailable.
func (e Engine) PublishEvent(ctx context.Context, tenantID string, evtType domain.EventType, payload any) (domain.Event, error) {
	if tenantID == "" {
		return domain.Event{}, fmt.Errorf("tenant_id required")
	}
	var evt domain.Event
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureTenant(ctx, tx, tenantID, e.ts()); err != nil {
			return fmt.Errorf("ensure tenant: %w", err)
		}
		var err error
		evt, err = e.writer().Append(ctx, tx, tenantID, evtType, payload)
		return err
	})
	if err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

// PollUnprocessed returns up to limit unprocessed events, oldest first.
func (e Engine) PollUnprocessed(ctx context.Context, limit int) ([]domain.Event, error) {
	return e.Repo.PollUnprocessed(ctx, limit)
}

// ProcessEvent runs derive and marks the event processed in the same
// transaction. If derive fails nothing is written and the event stays
// unprocessed for the next poll. It reports false when the event had already
// been processed.
func (e Engine) ProcessEvent(ctx context.Context, evt domain.Event, derive func(ctx context.Context, tx *sql.Tx) error) (bool, error) {
	var marked bool
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		current, err := e.Repo.GetEvent(ctx, tx, evt.ID)
		if err != nil {
			return err
		}
		if current.Processed {
			marked = false
			return nil
		}
		if err := derive(ctx, tx); err != nil {
			return err
		}
		marked, err = e.Repo.MarkEventProcessed(ctx, tx, evt.ID, e.ts())
		return err
	})
	if err != nil {
		return false, err
	}
	if marked {
		e.metrics().EventsProcessed.WithLabelValues(string(evt.Type)).Inc()
	}
	return marked, nil
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, f)
}

func (e Engine) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	return e.Repo.GetEvent(ctx, nil, id)
}
