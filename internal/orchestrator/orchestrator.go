// Package orchestrator turns events into tasks. A single Orchestrator polls
// the event log, derives each event's consequences in one transaction and
// marks the event processed.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"agentledger/internal/domain"
	"agentledger/internal/engine"
	"agentledger/internal/events"
	"agentledger/internal/logging"
	"agentledger/internal/metrics"
)

// errMalformed marks an event whose payload cannot be decoded or references
// a task that does not exist. Such an event can never succeed, so it is
// marked processed without consequences.
var errMalformed = errors.New("malformed event payload")

type handler func(ctx context.Context, tx *sql.Tx, evt domain.Event) error

// CycleResult summarizes one polling cycle.
type CycleResult struct {
	Polled    int `json:"polled"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
}

type Orchestrator struct {
	engine    engine.Engine
	logger    *logging.Logger
	tracer    trace.Tracer
	interval  time.Duration
	batchSize int
	handlers  map[domain.EventType]handler

	mu      sync.Mutex
	running bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithInterval sets the time between polling cycles. Defaults to 30s.
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithBatchSize caps the events handled per cycle. Defaults to 100.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func New(eng engine.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:    eng,
		logger:    logging.NewNop(),
		tracer:    metrics.Tracer(),
		interval:  30 * time.Second,
		batchSize: 100,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.handlers = map[domain.EventType]handler{
		domain.EventInvoiceReceived:    o.onInvoiceReceived,
		domain.EventInvoiceParsed:      o.onInvoiceParsed,
		domain.EventBookingCompleted:   o.onBookingCompleted,
		domain.EventBookingApproved:    o.onBookingApproved,
		domain.EventCorrectionReceived: o.onCorrectionReceived,
		domain.EventBookingRejected:    nothing,
		domain.EventTaskFailed:         o.onTaskFailed,
	}
	return o
}

// Handles reports whether the dispatch table covers t.
func (o *Orchestrator) Handles(t domain.EventType) bool {
	_, ok := o.handlers[t]
	return ok
}

// Run polls until ctx is cancelled or storage fails. The first cycle runs
// immediately.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is already running")
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	o.logger.Info(ctx, "orchestrator started",
		zap.Duration("interval", o.interval),
		zap.Int("batch_size", o.batchSize),
	)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		if err := o.safeRunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Error(ctx, "orchestrator halted", zap.Error(err))
			return err
		}
		select {
		case <-ctx.Done():
			o.logger.Info(ctx, "orchestrator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// safeRunOnce keeps a panicking handler from killing the loop. The event
// involved stays unprocessed and is retried next cycle.
func (o *Orchestrator) safeRunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(ctx, "orchestrator cycle panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = nil
		}
	}()
	_, err = o.RunOnce(ctx)
	return err
}

// RunOnce runs a single polling cycle. Events are handled in id order; the
// first storage error aborts the cycle and leaves the remaining events
// unprocessed.
func (o *Orchestrator) RunOnce(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.cycle")
	defer span.End()
	defer func() {
		metrics.New().OrchestratorRun.Observe(time.Since(start).Seconds())
	}()

	var res CycleResult
	batch, err := o.engine.PollUnprocessed(ctx, o.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("poll events: %w", err)
	}
	res.Polled = len(batch)
	span.SetAttributes(attribute.Int("events.polled", len(batch)))

	for _, evt := range batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		marked, err := o.process(ctx, evt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("process event %d (%s): %w", evt.ID, evt.Type, err)
		}
		if marked {
			res.Processed++
		} else {
			res.Skipped++
		}
	}
	if res.Polled > 0 {
		o.logger.Debug(ctx, "orchestrator cycle",
			zap.Int("polled", res.Polled),
			zap.Int("processed", res.Processed),
			zap.Int("skipped", res.Skipped),
		)
	}
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, evt domain.Event) (bool, error) {
	ctx = logging.WithTenant(ctx, evt.TenantID)
	h, ok := o.handlers[evt.Type]
	if !ok {
		// The writer rejects unknown types, so only a foreign row lands here.
		o.logger.Warn(ctx, "no handler for event type",
			zap.Int64("event_id", evt.ID),
			zap.String("event_type", string(evt.Type)),
		)
		h = nothing
	}
	marked, err := o.engine.ProcessEvent(ctx, evt, func(ctx context.Context, tx *sql.Tx) error {
		return h(ctx, tx, evt)
	})
	if errors.Is(err, errMalformed) || errors.Is(err, engine.ErrUnknownTask) {
		o.logger.Error(ctx, "dropping malformed event",
			zap.Int64("event_id", evt.ID),
			zap.String("event_type", string(evt.Type)),
			zap.Error(err),
		)
		return o.engine.ProcessEvent(ctx, evt, func(context.Context, *sql.Tx) error { return nil })
	}
	return marked, err
}

func decode[T any](evt domain.Event) (T, error) {
	v, err := events.Decode[T](evt)
	if err != nil {
		return v, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return v, nil
}

func nothing(context.Context, *sql.Tx, domain.Event) error { return nil }

func (o *Orchestrator) enqueue(ctx context.Context, tx *sql.Tx, evt domain.Event, taskType domain.TaskType, payload any, parent *string) error {
	id := evt.ID
	task, created, err := o.engine.EnqueueTaskTx(ctx, tx, engine.TaskSpec{
		TenantID:      evt.TenantID,
		TaskType:      taskType,
		Payload:       payload,
		SourceEventID: &id,
		ParentTaskID:  parent,
	})
	if err != nil {
		return err
	}
	if created {
		o.logger.Debug(ctx, "task created",
			zap.String("task_id", task.ID),
			zap.String("task_type", string(taskType)),
			zap.Int64("event_id", evt.ID),
		)
	}
	return nil
}

func (o *Orchestrator) onInvoiceReceived(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	p, err := decode[domain.InvoiceReceivedPayload](evt)
	if err != nil {
		return err
	}
	if p.InvoiceID == "" {
		return fmt.Errorf("%w: invoice_id required", errMalformed)
	}
	return o.enqueue(ctx, tx, evt, domain.TaskParseInvoice, domain.ParseInvoiceTask{InvoiceID: p.InvoiceID, Path: p.Path}, nil)
}

func (o *Orchestrator) onInvoiceParsed(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	p, err := decode[domain.InvoiceParsedPayload](evt)
	if err != nil {
		return err
	}
	var parent *string
	if p.TaskID != "" {
		parent = &p.TaskID
	}
	return o.enqueue(ctx, tx, evt, domain.TaskSuggestBooking, domain.SuggestBookingTask{Invoice: p.Invoice}, parent)
}

func (o *Orchestrator) onBookingCompleted(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	p, err := decode[domain.BookingCompletedPayload](evt)
	if err != nil {
		return err
	}
	if p.TaskID == "" {
		return fmt.Errorf("%w: task_id required", errMalformed)
	}
	decision, err := o.engine.RecordBookingTx(ctx, tx, evt, p)
	if err != nil {
		return err
	}
	o.logger.Info(ctx, "booking routed",
		zap.String("task_id", p.TaskID),
		zap.String("invoice_id", p.InvoiceID),
		zap.Int("confidence", p.Confidence),
		zap.Bool("validation_passed", p.ValidationPassed),
		zap.String("decision", string(decision)),
	)
	return nil
}

func (o *Orchestrator) onBookingApproved(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	p, err := decode[domain.BookingApprovedPayload](evt)
	if err != nil {
		return err
	}
	if p.MatchedPatternID == nil || *p.MatchedPatternID == "" {
		return nil
	}
	return o.enqueue(ctx, tx, evt, domain.TaskReinforcePattern, domain.ReinforcePatternTask{
		PatternID: *p.MatchedPatternID,
		BookingID: p.BookingID,
	}, nil)
}

func (o *Orchestrator) onCorrectionReceived(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	p, err := decode[domain.CorrectionReceivedPayload](evt)
	if err != nil {
		return err
	}
	if p.CorrectionID == "" {
		return fmt.Errorf("%w: correction_id required", errMalformed)
	}
	return o.enqueue(ctx, tx, evt, domain.TaskLearnCorrection, domain.LearnCorrectionTask{CorrectionID: p.CorrectionID}, nil)
}

func (o *Orchestrator) onTaskFailed(ctx context.Context, _ *sql.Tx, evt domain.Event) error {
	p, err := decode[domain.TaskFailedPayload](evt)
	if err != nil {
		return err
	}
	o.logger.Warn(ctx, "task failed permanently",
		zap.String("task_id", p.TaskID),
		zap.String("agent_type", string(p.AgentType)),
		zap.Int("retry_count", p.RetryCount),
		zap.String("error", p.Error),
	)
	return nil
}
