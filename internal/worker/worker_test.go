package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentledger/internal/capability"
	"agentledger/internal/db"
	"agentledger/internal/domain"
	"agentledger/internal/engine"
	"agentledger/internal/migrate"
	"agentledger/internal/orchestrator"
	"agentledger/internal/repo"
	"agentledger/internal/worker"
)

const tenant = "acme"

var officeSupplies = domain.ParsedInvoice{
	InvoiceID:   "inv-1",
	VendorID:    "987654321",
	VendorName:  "Kontorland AS",
	Description: "Kontorrekvisita",
	Currency:    "NOK",
	NetAmount:   100000,
	VATAmount:   25000,
	TotalAmount: 125000,
}

// fixedSuggester proposes the same account at a fixed confidence.
type fixedSuggester struct {
	account    string
	confidence int
}

func (s fixedSuggester) Suggest(_ context.Context, req capability.SuggestRequest) (capability.Suggestion, error) {
	return capability.Suggestion{
		Entry:      capability.BuildEntry(req.Invoice, s.account),
		Confidence: s.confidence,
		Reasoning:  "fixed",
	}, nil
}

type failingParser struct{ calls atomic.Int32 }

func (p *failingParser) Parse(context.Context, string, domain.ParseInvoiceTask) (domain.ParsedInvoice, error) {
	p.calls.Add(1)
	return domain.ParsedInvoice{}, errors.New("document unreadable")
}

type harness struct {
	ctx    context.Context
	engine engine.Engine
	orch   *orchestrator.Orchestrator
	pool   *worker.Pool
}

func newHarness(t *testing.T, caps worker.Capabilities) harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	eng := engine.New(conn)
	eng.BusyRetries = 20
	pool, err := worker.NewPool(eng, worker.PoolConfig{Parsers: 1, Bookkeepers: 2, Learners: 1, Prefix: "test"}, caps,
		worker.WithInterval(10*time.Millisecond))
	require.NoError(t, err)
	return harness{
		ctx:    ctx,
		engine: eng,
		orch:   orchestrator.New(eng, orchestrator.WithInterval(10*time.Millisecond)),
		pool:   pool,
	}
}

// settle alternates orchestrator cycles and worker drains until neither
// has anything left to do.
func (h harness) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		res, err := h.orch.RunOnce(h.ctx)
		require.NoError(t, err)
		handled, err := h.pool.Drain(h.ctx)
		require.NoError(t, err)
		if res.Polled == 0 && handled == 0 {
			return
		}
	}
	t.Fatal("pipeline did not settle")
}

func (h harness) receive(t *testing.T, invoiceID string) {
	t.Helper()
	_, err := h.engine.PublishEvent(h.ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: invoiceID})
	require.NoError(t, err)
}

func (h harness) reviews(t *testing.T, status domain.ReviewStatus) []domain.ReviewItem {
	t.Helper()
	items, err := h.engine.ListReviewItems(h.ctx, repo.ReviewFilters{TenantID: tenant, Status: string(status)})
	require.NoError(t, err)
	return items
}

func TestHighConfidenceIsAutoApproved(t *testing.T) {
	h := newHarness(t, worker.Capabilities{
		Parser:    capability.StaticParser{"inv-1": officeSupplies},
		Suggester: fixedSuggester{account: "6800", confidence: 92},
	})
	h.receive(t, "inv-1")
	h.settle(t)

	items, err := h.engine.ListReviewItems(h.ctx, repo.ReviewFilters{TenantID: tenant})
	require.NoError(t, err)
	assert.Empty(t, items)

	bookings, err := h.engine.ListBookings(h.ctx, tenant, "", 10)
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, domain.BookingPosted, bookings[0].Status)
	assert.Equal(t, 92, bookings[0].Confidence)
	assert.Equal(t, "6800", bookings[0].Entry.PrimaryAccount())

	tasks, err := h.engine.ListTasks(h.ctx, repo.TaskFilters{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, domain.TaskCompleted, task.Status, task.TaskType)
	}
}

func TestMediumLowConfidenceQueuesHighPriorityReview(t *testing.T) {
	h := newHarness(t, worker.Capabilities{
		Parser:    capability.StaticParser{"inv-1": officeSupplies},
		Suggester: fixedSuggester{account: "6800", confidence: 55},
	})
	h.receive(t, "inv-1")
	h.settle(t)

	items := h.reviews(t, domain.ReviewPending)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ReviewHigh, items[0].Priority)
	assert.Equal(t, 55, items[0].AIConfidence)

	b, err := h.engine.GetBooking(h.ctx, tenant, items[0].BookingID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingInReview, b.Status)
}

func TestUnbalancedEntryIsCritical(t *testing.T) {
	broken := officeSupplies
	broken.TotalAmount = 120000
	h := newHarness(t, worker.Capabilities{
		Parser:    capability.StaticParser{"inv-1": broken},
		Suggester: fixedSuggester{account: "6800", confidence: 99},
	})
	h.receive(t, "inv-1")
	h.settle(t)

	items := h.reviews(t, domain.ReviewPending)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ReviewCritical, items[0].Priority)
	assert.Equal(t, 69, items[0].AIConfidence)
}

func TestCorrectionTeachesPatternThatLaterAutoApproves(t *testing.T) {
	second := officeSupplies
	second.InvoiceID = "inv-2"
	h := newHarness(t, worker.Capabilities{
		Parser:    capability.StaticParser{"inv-1": officeSupplies, "inv-2": second},
		Suggester: capability.RuleSuggester{},
	})

	// No pattern yet: the rule suggester falls back to the catch-all account.
	h.receive(t, "inv-1")
	h.settle(t)
	items := h.reviews(t, domain.ReviewPending)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ReviewCritical, items[0].Priority)

	_, err := h.engine.CorrectReview(h.ctx, tenant, items[0].ID, engine.CorrectionInput{Account: "6800", CreatedBy: "kari"})
	require.NoError(t, err)
	h.settle(t)

	pats, err := h.engine.ListPatterns(h.ctx, tenant, false)
	require.NoError(t, err)
	require.Len(t, pats, 1)
	assert.Equal(t, domain.PatternVendorAccount, pats[0].Type)
	assert.Equal(t, "987654321", pats[0].Key)
	assert.Equal(t, "6800", pats[0].SuggestedAccount)
	assert.Equal(t, 1.0, pats[0].SuccessRate)
	assert.Equal(t, 1, pats[0].TimesApplied)

	// The learned pattern now drives the suggestion and earns the boost.
	h.receive(t, "inv-2")
	h.settle(t)
	assert.Empty(t, h.reviews(t, domain.ReviewPending))
	posted, err := h.engine.ListBookings(h.ctx, tenant, string(domain.BookingPosted), 10)
	require.NoError(t, err)
	require.Len(t, posted, 1)
	assert.Equal(t, 90, posted[0].Confidence)
	require.NotNil(t, posted[0].MatchedPatternID)
	assert.Equal(t, pats[0].ID, *posted[0].MatchedPatternID)

	pats, err = h.engine.ListPatterns(h.ctx, tenant, false)
	require.NoError(t, err)
	require.Len(t, pats, 1)
	assert.Equal(t, 2, pats[0].TimesApplied)
	assert.Equal(t, 1.0, pats[0].SuccessRate)
}

func TestFailingCapabilityExhaustsRetries(t *testing.T) {
	parser := &failingParser{}
	h := newHarness(t, worker.Capabilities{Parser: parser, Suggester: fixedSuggester{account: "6800", confidence: 92}})
	h.receive(t, "inv-1")
	h.settle(t)

	tasks, err := h.engine.ListTasks(h.ctx, repo.TaskFilters{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskFailed, tasks[0].Status)
	assert.Equal(t, tasks[0].MaxRetries, tasks[0].RetryCount)
	assert.Equal(t, "document unreadable", tasks[0].ErrorMessage)
	assert.EqualValues(t, tasks[0].MaxRetries+1, parser.calls.Load())

	report, err := h.engine.Health(h.ctx, tenant, engine.DefaultHealthThresholds())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailedTasks)
	assert.Equal(t, engine.Healthy, report.Status)
}

func TestRunBacksOffBeforeRetrying(t *testing.T) {
	parser := &failingParser{}
	h := newHarness(t, worker.Capabilities{Parser: parser, Suggester: fixedSuggester{account: "6800", confidence: 92}})
	h.receive(t, "inv-1")
	_, err := h.orch.RunOnce(h.ctx)
	require.NoError(t, err)

	w, err := worker.New(h.engine, domain.AgentParser, "parser-1", worker.Capabilities{Parser: parser},
		worker.WithInterval(10*time.Millisecond), worker.WithRetryBackoff(200*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return parser.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, parser.calls.Load(), "retried before the backoff elapsed")
	tasks, err := h.engine.ListTasks(h.ctx, repo.TaskFilters{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskPending, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].RetryCount)

	require.Eventually(t, func() bool {
		task, err := h.engine.GetTask(h.ctx, tasks[0].ID)
		return err == nil && task.Status == domain.TaskFailed
	}, 5*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, tasks[0].MaxRetries+1, parser.calls.Load())
	cancel()
	assert.NoError(t, <-done)
}

func TestNewRejectsMissingCapability(t *testing.T) {
	h := newHarness(t, worker.Capabilities{Parser: capability.StaticParser{}, Suggester: capability.RuleSuggester{}})
	_, err := worker.New(h.engine, domain.AgentParser, "p", worker.Capabilities{})
	assert.Error(t, err)
	_, err = worker.New(h.engine, domain.AgentBookkeeper, "b", worker.Capabilities{})
	assert.Error(t, err)
	_, err = worker.New(h.engine, domain.AgentLearner, "", worker.Capabilities{})
	assert.Error(t, err)
	_, err = worker.New(h.engine, domain.AgentLearner, "l", worker.Capabilities{})
	assert.NoError(t, err)
}

func TestPoolRunsConcurrently(t *testing.T) {
	h := newHarness(t, worker.Capabilities{
		Parser:    capability.StaticParser{"inv-1": officeSupplies},
		Suggester: fixedSuggester{account: "6800", confidence: 92},
	})
	h.receive(t, "inv-1")

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- h.orch.Run(ctx) }()
	go func() { errs <- h.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		posted, err := h.engine.ListBookings(h.ctx, tenant, string(domain.BookingPosted), 10)
		return err == nil && len(posted) == 1
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-errs)
	}
}
