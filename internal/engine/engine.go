package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agentledger/internal/config"
	"agentledger/internal/db"
	"agentledger/internal/events"
	"agentledger/internal/metrics"
	"agentledger/internal/repo"
)

var (
	// ErrNoTask is returned by ClaimNextTask when no pending task is left for the role.
	ErrNoTask = errors.New("no pending task")
	// ErrClaimLost means the task is no longer in_progress under the caller's claim.
	ErrClaimLost = errors.New("task not held by this worker")
	// ErrNotPending means a review item was already resolved.
	ErrNotPending = errors.New("review item is not pending")
	// ErrNotFailed means a requeue targeted a task that is not failed.
	ErrNotFailed = errors.New("task is not failed")
	// ErrUnknownTask means an event referenced a task that does not exist in
	// its tenant. Retrying cannot fix it.
	ErrUnknownTask = errors.New("unknown task")
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Metrics *metrics.Metrics
	Now     func() time.Time
	// BusyRetries bounds retries on SQLITE_BUSY per statement or transaction.
	BusyRetries int
	// ClaimBatch is how many candidates one claim attempt inspects.
	ClaimBatch int
}

func New(conn *sql.DB) Engine {
	return Engine{
		DB:          conn,
		Repo:        repo.Repo{DB: conn},
		Metrics:     metrics.New(),
		Now:         time.Now,
		BusyRetries: 5,
		ClaimBatch:  10,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// writer stamps events with the engine clock unless Events carries its own.
func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) metrics() *metrics.Metrics {
	if e.Metrics != nil {
		return e.Metrics
	}
	return metrics.New()
}

func (e Engine) busyRetries() int {
	if e.BusyRetries > 0 {
		return e.BusyRetries
	}
	return 5
}

// withTx runs fn in one transaction and retries the whole transaction on
// SQLITE_BUSY. fn must only touch the database through tx.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.RetryOnBusy(ctx, e.busyRetries(), func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Policy returns the tenant's policy, falling back to the default template.
func (e Engine) Policy(ctx context.Context, tx *sql.Tx, tenantID string) (*config.Config, error) {
	cfg, err := e.Repo.GetTenantConfig(ctx, tx, tenantID)
	if errors.Is(err, repo.ErrNotFound) {
		return config.Default(tenantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policy for tenant %s: %w", tenantID, err)
	}
	return cfg, nil
}

// SetPolicy validates and stores a tenant's policy.
func (e Engine) SetPolicy(ctx context.Context, tenantID string, cfg *config.Config) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.UpsertTenantConfig(ctx, tx, tenantID, cfg)
	})
}
