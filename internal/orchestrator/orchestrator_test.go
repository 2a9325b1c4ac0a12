package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"agentledger/internal/db"
	"agentledger/internal/domain"
	"agentledger/internal/engine"
	"agentledger/internal/logging"
	"agentledger/internal/migrate"
	"agentledger/internal/repo"
)

const tenant = "acme"

func newTestOrchestrator(t *testing.T) (*Orchestrator, engine.Engine, *logging.TestLogger) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	logger := logging.NewTestLogger()
	return New(eng, WithLogger(logger.Logger), WithBatchSize(10), WithInterval(10*time.Millisecond)), eng, logger
}

func TestDispatchTableCoversEveryEventType(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	for _, et := range domain.EventTypes {
		assert.True(t, o.Handles(et), "no handler for %s", et)
	}
	assert.Len(t, o.handlers, len(domain.EventTypes))
}

func TestRunOnceDerivesTasksAndMarksEvents(t *testing.T) {
	o, eng, _ := newTestOrchestrator(t)
	ctx := context.Background()
	received, err := eng.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: "inv-1"})
	require.NoError(t, err)
	_, err = eng.PublishEvent(ctx, tenant, domain.EventCorrectionReceived, domain.CorrectionReceivedPayload{CorrectionID: "c-1"})
	require.NoError(t, err)
	_, err = eng.PublishEvent(ctx, tenant, domain.EventBookingRejected, domain.BookingRejectedPayload{BookingID: "b-1"})
	require.NoError(t, err)

	res, err := o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Polled: 3, Processed: 3}, res)

	tasks, err := eng.ListTasks(ctx, repo.TaskFilters{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	byType := map[domain.TaskType]domain.Task{}
	for _, task := range tasks {
		byType[task.TaskType] = task
	}
	parse := byType[domain.TaskParseInvoice]
	require.NotNil(t, parse.SourceEventID)
	assert.Equal(t, received.ID, *parse.SourceEventID)
	assert.Equal(t, domain.AgentParser, parse.AgentType)
	assert.JSONEq(t, `{"invoice_id":"inv-1"}`, string(parse.Payload))
	assert.Equal(t, 7, byType[domain.TaskLearnCorrection].Priority)

	res, err = o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Polled)
}

func TestInvoiceParsedLinksParentTask(t *testing.T) {
	o, eng, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := eng.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: "inv-1"})
	require.NoError(t, err)
	_, err = o.RunOnce(ctx)
	require.NoError(t, err)
	parse, err := eng.ListTasks(ctx, repo.TaskFilters{TenantID: tenant, AgentType: string(domain.AgentParser)})
	require.NoError(t, err)
	require.Len(t, parse, 1)

	_, err = eng.PublishEvent(ctx, tenant, domain.EventInvoiceParsed, domain.InvoiceParsedPayload{
		TaskID:  parse[0].ID,
		Invoice: domain.ParsedInvoice{InvoiceID: "inv-1", VendorID: "987654321"},
	})
	require.NoError(t, err)
	_, err = o.RunOnce(ctx)
	require.NoError(t, err)

	tasks, err := eng.ListTasks(ctx, repo.TaskFilters{TenantID: tenant, AgentType: string(domain.AgentBookkeeper)})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].ParentTaskID)
	assert.Equal(t, parse[0].ID, *tasks[0].ParentTaskID)
	var in domain.SuggestBookingTask
	require.NoError(t, json.Unmarshal(tasks[0].Payload, &in))
	assert.Equal(t, "987654321", in.Invoice.VendorID)
}

func TestEventForUnknownTaskDoesNotBlockLaterEvents(t *testing.T) {
	o, eng, logger := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := eng.PublishEvent(ctx, tenant, domain.EventBookingCompleted, domain.BookingCompletedPayload{
		TaskID: "no-such-task", InvoiceID: "inv-0", Confidence: 90, ValidationPassed: true,
	})
	require.NoError(t, err)
	_, err = eng.PublishEvent(ctx, tenant, domain.EventInvoiceParsed, domain.InvoiceParsedPayload{
		TaskID:  "no-such-task",
		Invoice: domain.ParsedInvoice{InvoiceID: "inv-0"},
	})
	require.NoError(t, err)
	_, err = eng.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: "inv-1"})
	require.NoError(t, err)

	res, err := o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Polled: 3, Processed: 3}, res)
	logger.AssertLogged(t, zapcore.ErrorLevel, "dropping malformed event")

	tasks, err := eng.ListTasks(ctx, repo.TaskFilters{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskParseInvoice, tasks[0].TaskType)
	bookings, err := eng.ListBookings(ctx, tenant, "", 10)
	require.NoError(t, err)
	assert.Empty(t, bookings)

	res, err = o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Polled)
}

func TestBookingApprovedReinforcesOnlyMatchedPatterns(t *testing.T) {
	o, eng, _ := newTestOrchestrator(t)
	ctx := context.Background()
	pattern := "pattern-1"
	_, err := eng.PublishEvent(ctx, tenant, domain.EventBookingApproved, domain.BookingApprovedPayload{BookingID: "b-1", ApprovedBy: "auto"})
	require.NoError(t, err)
	_, err = eng.PublishEvent(ctx, tenant, domain.EventBookingApproved, domain.BookingApprovedPayload{BookingID: "b-2", ApprovedBy: "kari", MatchedPatternID: &pattern})
	require.NoError(t, err)
	_, err = o.RunOnce(ctx)
	require.NoError(t, err)

	tasks, err := eng.ListTasks(ctx, repo.TaskFilters{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskReinforcePattern, tasks[0].TaskType)
	assert.JSONEq(t, `{"pattern_id":"pattern-1","booking_id":"b-2"}`, string(tasks[0].Payload))
}

func TestMalformedEventIsDropped(t *testing.T) {
	o, eng, logger := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := eng.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, json.RawMessage(`{"invoice_id": 42}`))
	require.NoError(t, err)
	_, err = eng.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: "inv-2"})
	require.NoError(t, err)

	res, err := o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	logger.AssertLogged(t, zapcore.ErrorLevel, "dropping malformed event")

	tasks, err := eng.ListTasks(ctx, repo.TaskFilters{TenantID: tenant})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestStorageFailureHaltsLoop(t *testing.T) {
	o, eng, _ := newTestOrchestrator(t)
	require.NoError(t, eng.DB.Close())

	_, err := o.RunOnce(context.Background())
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = o.Run(ctx)
	require.Error(t, err)
	assert.NoError(t, ctx.Err(), "Run returned because of storage, not the deadline")
}

func TestRunStopsOnCancel(t *testing.T) {
	o, eng, _ := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := eng.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: "inv-1"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	require.Eventually(t, func() bool {
		n, err := eng.Repo.CountUnprocessed(context.Background(), tenant)
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
}
