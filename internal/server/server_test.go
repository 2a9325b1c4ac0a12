package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentledger/internal/capability"
	"agentledger/internal/config"
	"agentledger/internal/db"
	"agentledger/internal/domain"
	"agentledger/internal/engine"
	"agentledger/internal/migrate"
	"agentledger/internal/orchestrator"
	"agentledger/internal/repo"
	"agentledger/internal/worker"
	agentledgersdk "agentledger/sdk/go"
)

const (
	testSecret = "test-secret"
	tenant     = "acme"
)

type testServer struct {
	URL    string
	engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	e := engine.New(conn)
	e.BusyRetries = 20
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), engine: e, client: &http.Client{}}
}

func token(t *testing.T, actor, tenantID string, roles ...string) string {
	t.Helper()
	tok, err := SignToken(testSecret, actor, tenantID, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) sdk(t *testing.T, actor, tenantID string, roles ...string) *agentledgersdk.Client {
	c := agentledgersdk.New(s.URL)
	c.BearerToken = token(t, actor, tenantID, roles...)
	return c
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

type fixedSuggester struct{ confidence int }

func (s fixedSuggester) Suggest(_ context.Context, req capability.SuggestRequest) (capability.Suggestion, error) {
	return capability.Suggestion{
		Entry:      capability.BuildEntry(req.Invoice, "6800"),
		Confidence: s.confidence,
		Reasoning:  "fixed",
	}, nil
}

// runPipeline processes the queue until nothing is left.
func runPipeline(t *testing.T, e engine.Engine, confidence int) {
	t.Helper()
	ctx := context.Background()
	orch := orchestrator.New(e)
	pool, err := worker.NewPool(e, worker.PoolConfig{Parsers: 1, Bookkeepers: 1, Learners: 1}, worker.Capabilities{
		Parser: capability.StaticParser{"inv-1": {
			InvoiceID: "inv-1", VendorID: "987654321", Description: "Kontorrekvisita",
			NetAmount: 100000, VATAmount: 25000, TotalAmount: 125000,
		}},
		Suggester: fixedSuggester{confidence: confidence},
	})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		res, err := orch.RunOnce(ctx)
		require.NoError(t, err)
		n, err := pool.Drain(ctx)
		require.NoError(t, err)
		if res.Polled == 0 && n == 0 {
			return
		}
	}
	t.Fatal("pipeline did not settle")
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var h HealthResponse
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Zero(t, h.UnprocessedEvents)
	assert.Zero(t, h.FailedTasks)
}

func TestRequiresAuthentication(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reviews", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reviews", nil, bearer("not-a-jwt"))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	other, err := SignToken("other-secret", "kari", tenant, nil, time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(other))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// Identity headers are ignored unless explicitly enabled.
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Actor-Id": "kari", "X-Tenant-Id": tenant})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMeReturnsPrincipal(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(token(t, "kari", tenant, RoleReviewer)))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var p Principal
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, Principal{ActorID: "kari", TenantID: tenant, Roles: []string{RoleReviewer}, Source: "jwt"}, p)
}

func TestPublishInvoice(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := srv.sdk(t, "ingest", tenant, RoleOperator)

	evt, err := client.PublishInvoice(ctx, "inv-1", "")
	require.NoError(t, err)
	assert.Equal(t, "invoice_received", evt.Type)
	assert.Equal(t, tenant, evt.TenantID)
	assert.Equal(t, "inv-1", evt.Payload["invoice_id"])
	assert.False(t, evt.Processed)

	page, err := client.EventsPage(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, evt.ID, page.Items[0].ID)

	tok := token(t, "ingest", tenant, RoleOperator)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"event_type": "invoice_received",
		"payload":    map[string]any{},
	}, bearer(tok))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"event_type": "booking_completed",
		"payload":    map[string]any{"invoice_id": "inv-2"},
	}, bearer(tok))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	// Reviewers cannot ingest.
	reviewer := srv.sdk(t, "kari", tenant, RoleReviewer)
	_, err = reviewer.PublishInvoice(ctx, "inv-3", "")
	var apiErr *agentledgersdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestEventsPaginate(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := srv.engine.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: id})
		require.NoError(t, err)
	}
	client := srv.sdk(t, "ops", tenant, RoleOperator)
	first, err := client.EventsPage(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, "c", first.Items[0].Payload["invoice_id"])

	second, err := client.EventsPage(ctx, 2, first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "a", second.Items[0].Payload["invoice_id"])
	assert.Empty(t, second.NextCursor)
}

func TestReviewCorrectionOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.engine.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: "inv-1"})
	require.NoError(t, err)
	runPipeline(t, srv.engine, 55)

	client := srv.sdk(t, "kari", tenant, RoleReviewer)
	items, err := client.Reviews(ctx, "pending", "high")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 55, items[0].AIConfidence)

	detail, err := client.Review(ctx, items[0].ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Booking)
	assert.Equal(t, "in_review", detail.Booking.Status)

	c, err := client.CorrectReview(ctx, items[0].ID, "6810")
	require.NoError(t, err)
	assert.Equal(t, "6800", c.OriginalAccount)
	assert.Equal(t, "6810", c.CorrectedAccount)
	assert.Equal(t, "kari", c.CreatedBy)

	_, err = client.ApproveReview(ctx, items[0].ID)
	var apiErr *agentledgersdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	runPipeline(t, srv.engine, 55)
	pats, err := client.Patterns(ctx, true)
	require.NoError(t, err)
	require.Len(t, pats, 1)
	assert.Equal(t, "6810", pats[0].SuggestedAccount)
	assert.Equal(t, 1.0, pats[0].SuccessRate)
	assert.Equal(t, 1, pats[0].TimesApplied)
}

func TestRejectAndTenantIsolation(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.engine.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: "inv-1"})
	require.NoError(t, err)
	runPipeline(t, srv.engine, 20)

	outsider := srv.sdk(t, "eve", "globex", RoleReviewer)
	items, err := outsider.Reviews(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, items)

	owner := srv.sdk(t, "kari", tenant, RoleReviewer)
	items, err = owner.Reviews(ctx, "pending", "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "critical", items[0].Priority)

	_, err = outsider.RejectReview(ctx, items[0].ID, "not mine")
	var apiErr *agentledgersdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	rejected, err := owner.RejectReview(ctx, items[0].ID, "duplicate invoice")
	require.NoError(t, err)
	assert.Equal(t, "rejected", rejected.Status)
	require.NotNil(t, rejected.ResolvedBy)
	assert.Equal(t, "kari", *rejected.ResolvedBy)
}

func TestTasksOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.engine.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: "inv-1"})
	require.NoError(t, err)
	runPipeline(t, srv.engine, 92)
	tok := token(t, "ops", tenant, RoleOperator)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tasks?status=completed", nil, bearer(tok))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedTasks
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tasks/"+page.Items[0].ID, nil, bearer(tok))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/"+page.Items[0].ID+"/requeue", nil, bearer(tok))
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "not_failed", errorCode(t, data))

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tasks/"+page.Items[0].ID, nil, bearer(token(t, "eve", "globex", RoleOperator)))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/reset-stuck", map[string]any{"older_than": "30m"}, bearer(tok))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/reset-stuck", map[string]any{"older_than": "30m"}, bearer(token(t, "root", tenant, RoleAdmin)))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var reset ResetStuckResponse
	require.NoError(t, json.Unmarshal(data, &reset))
	assert.Empty(t, reset.Reset)

	bookings, err := srv.engine.ListBookings(ctx, tenant, "posted", 10)
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/bookings/"+bookings[0].ID, nil, bearer(tok))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var b domain.Booking
	require.NoError(t, json.Unmarshal(data, &b))
	assert.Equal(t, 92, b.Confidence)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, srv.engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:       "key-1",
		TenantID: tenant,
		Name:     "ehf-gateway",
		KeyHash:  repo.HashAPIKey("s3cret"),
	}))

	client := agentledgersdk.New(srv.URL)
	client.APIKey = "s3cret"
	evt, err := client.PublishInvoice(ctx, "inv-9", "")
	require.NoError(t, err)
	assert.Equal(t, tenant, evt.TenantID)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "s3cret"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var p Principal
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "api-key:ehf-gateway", p.ActorID)
	assert.Equal(t, "api_key", p.Source)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestPolicyRequiresAdmin(t *testing.T) {
	srv := newTestServer(t)
	reviewer := token(t, "kari", tenant, RoleReviewer)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/policy", nil, bearer(reviewer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var cfg config.Config
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, 85, cfg.Routing.AutoApprove)

	cfg.Routing.AutoApprove = 90
	res, _ = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/policy", cfg, bearer(reviewer))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	admin := token(t, "root", tenant, RoleAdmin)
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/policy", cfg, bearer(admin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	stored, err := srv.engine.Policy(context.Background(), nil, tenant)
	require.NoError(t, err)
	assert.Equal(t, 90, stored.Routing.AutoApprove)

	cfg.Routing.Medium = 95
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/policy", cfg, bearer(admin))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "invalid_policy", errorCode(t, data))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "agentledger_")
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	// Published before the dispatcher first sees the hook, so never delivered.
	_, err := srv.engine.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: "old"})
	require.NoError(t, err)
	policy := config.Default(tenant)
	policy.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"invoice_received"}, Secret: "hush"}}
	require.NoError(t, srv.engine.SetPolicy(ctx, tenant, policy))

	d := NewWebhookDispatcher(srv.engine, nil, time.Second)
	d.DispatchOnce(ctx)

	_, err = srv.engine.PublishEvent(ctx, tenant, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{InvoiceID: "new"})
	require.NoError(t, err)
	_, err = srv.engine.PublishEvent(ctx, tenant, domain.EventCorrectionReceived, domain.CorrectionReceivedPayload{CorrectionID: "c-1"})
	require.NoError(t, err)
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "invoice_received", got[0].Type)
	assert.Equal(t, tenant, got[0].TenantID)
	assert.JSONEq(t, `{"invoice_id":"new"}`, string(got[0].Payload))
	assert.Equal(t, "hush", headers[0].Get("X-AgentLedger-Secret"))
	assert.Equal(t, "invoice_received", headers[0].Get("X-AgentLedger-Event"))
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	assert.True(t, all.match("task_failed"))
	blank := newEventFilter([]string{" "})
	assert.True(t, blank.match("task_failed"))
	some := newEventFilter([]string{"task_failed", " booking_approved "})
	assert.True(t, some.match("booking_approved"))
	assert.False(t, some.match("invoice_received"))
}
