// Package worker runs the agents. A worker polls the task queue for its
// role, claims one task at a time, executes it and records the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"agentledger/internal/capability"
	"agentledger/internal/domain"
	"agentledger/internal/engine"
	"agentledger/internal/logging"
	"agentledger/internal/metrics"
)

// Capabilities are the external services workers delegate to. Parser is
// required for parser workers and Suggester for bookkeepers.
type Capabilities struct {
	Parser    capability.InvoiceParser
	Suggester capability.BookingSuggester
}

// outcome is what a successful execution hands back to the queue.
type outcome struct {
	result any
	emit   *engine.ResultEvent
}

type execFunc func(ctx context.Context, task domain.Task) (outcome, error)

type Worker struct {
	id       string
	agent    domain.AgentType
	engine   engine.Engine
	exec     execFunc
	logger   *logging.Logger
	tracer   trace.Tracer
	interval time.Duration
	backoff  time.Duration
}

// attempt is the outcome of one claim.
type attempt struct {
	handled bool
	// retries is the task's retry count when the attempt failed and the task
	// went back to pending; zero otherwise.
	retries int
}

const maxRetryBackoff = time.Minute

type Option func(*Worker)

// WithInterval sets how long an idle worker waits before polling again.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithRetryBackoff sets the pause after a failed attempt that left the task
// pending. It doubles with every retry up to a minute. Defaults to 1s.
func WithRetryBackoff(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.backoff = d
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// New builds a worker for one role.
func New(eng engine.Engine, agent domain.AgentType, id string, caps Capabilities, opts ...Option) (*Worker, error) {
	if id == "" {
		return nil, errors.New("worker id required")
	}
	w := &Worker{
		id:       id,
		agent:    agent,
		engine:   eng,
		logger:   logging.NewNop(),
		tracer:   metrics.Tracer(),
		interval: 5 * time.Second,
		backoff:  time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	switch agent {
	case domain.AgentParser:
		if caps.Parser == nil {
			return nil, errors.New("parser worker needs an invoice parser")
		}
		w.exec = parser{caps.Parser}.execute
	case domain.AgentBookkeeper:
		if caps.Suggester == nil {
			return nil, errors.New("bookkeeper worker needs a booking suggester")
		}
		w.exec = bookkeeper{engine: eng, suggester: caps.Suggester}.execute
	case domain.AgentLearner:
		w.exec = learner{engine: eng}.execute
	default:
		return nil, fmt.Errorf("unknown agent type %q", agent)
	}
	w.logger = w.logger.With(zap.String("worker", id), zap.String("agent_type", string(agent)))
	return w, nil
}

func (w *Worker) ID() string { return w.id }

// Run drains the queue, sleeps for the interval when it is empty and
// repeats until ctx is cancelled. Only storage errors stop it. After an
// attempt fails and its task is requeued, the worker backs off before
// claiming again.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logging.WithWorker(ctx, w.id)
	w.logger.Info(ctx, "worker started", zap.Duration("interval", w.interval))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "worker stopped")
			return nil
		case <-timer.C:
		}
		for {
			a, err := w.runOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error(ctx, "worker halted", zap.Error(err))
				return err
			}
			if !a.handled {
				break
			}
			if a.retries > 0 {
				select {
				case <-ctx.Done():
					w.logger.Info(ctx, "worker stopped")
					return nil
				case <-time.After(w.retryDelay(a.retries)):
				}
			}
		}
		timer.Reset(w.interval)
	}
}

// retryDelay is the pause before claiming again after the retries-th failure.
func (w *Worker) retryDelay(retries int) time.Duration {
	d := w.backoff
	for i := 1; i < retries && d < maxRetryBackoff; i++ {
		d *= 2
	}
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return d
}

// RunOnce claims and executes at most one task. It reports whether a task
// was handled. Execution failures are recorded on the task, not returned.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	a, err := w.runOnce(ctx)
	return a.handled, err
}

func (w *Worker) runOnce(ctx context.Context) (attempt, error) {
	task, err := w.engine.ClaimNextTask(ctx, w.agent, w.id)
	if errors.Is(err, engine.ErrNoTask) {
		return attempt{}, nil
	}
	if err != nil {
		return attempt{}, fmt.Errorf("claim: %w", err)
	}
	done := attempt{handled: true}
	ctx = logging.WithTenant(ctx, task.TenantID)
	ctx, span := w.tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", string(task.TaskType)),
		attribute.String("agent.type", string(w.agent)),
		attribute.String("worker.id", w.id),
	))
	defer span.End()

	start := time.Now()
	out, execErr := w.safeExec(ctx, task)
	metrics.New().TaskDuration.WithLabelValues(string(w.agent)).Observe(time.Since(start).Seconds())

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		failed, err := w.engine.FailTask(ctx, task.ID, w.id, execErr)
		if errors.Is(err, engine.ErrClaimLost) {
			w.logger.Warn(ctx, "claim lost before failure was recorded", zap.String("task_id", task.ID))
			return done, nil
		}
		if err != nil {
			return done, fmt.Errorf("record failure of %s: %w", task.ID, err)
		}
		if failed.Status == domain.TaskPending {
			done.retries = failed.RetryCount
		}
		w.logger.Warn(ctx, "task attempt failed",
			zap.String("task_id", task.ID),
			zap.String("status", string(failed.Status)),
			zap.Int("retry_count", failed.RetryCount),
			zap.Int("max_retries", failed.MaxRetries),
			zap.Error(execErr),
		)
		return done, nil
	}

	if _, err := w.engine.CompleteTask(ctx, task.ID, w.id, out.result, out.emit); err != nil {
		if errors.Is(err, engine.ErrClaimLost) {
			w.logger.Warn(ctx, "claim lost before completion", zap.String("task_id", task.ID))
			return done, nil
		}
		span.RecordError(err)
		return done, fmt.Errorf("complete %s: %w", task.ID, err)
	}
	w.logger.Info(ctx, "task completed",
		zap.String("task_id", task.ID),
		zap.String("task_type", string(task.TaskType)),
		zap.Duration("duration", time.Since(start)),
	)
	return done, nil
}

// safeExec turns a panicking capability into an ordinary failed attempt.
func (w *Worker) safeExec(ctx context.Context, task domain.Task) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(ctx, "task execution panicked", zap.String("task_id", task.ID), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if task.AgentType != w.agent {
		return outcome{}, fmt.Errorf("task %s belongs to %s, not %s", task.ID, task.AgentType, w.agent)
	}
	return w.exec(ctx, task)
}

func decodeTask[T any](task domain.Task) (T, error) {
	var v T
	if err := json.Unmarshal(task.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", task.TaskType, err)
	}
	return v, nil
}
