package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentledger/internal/config"
	"agentledger/internal/domain"
	"agentledger/internal/engine"
	"agentledger/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher delivers event-log entries to the webhooks in each
// tenant's policy. Every hook keeps its own cursor, starting at the newest
// event when the hook is first seen. A failed delivery leaves the cursor in
// place so the event is retried on the next pass.
type WebhookDispatcher struct {
	engine   engine.Engine
	logger   *logging.Logger
	client   *http.Client
	interval time.Duration
	mu       sync.Mutex
	cursors  map[string]int64
}

func NewWebhookDispatcher(e engine.Engine, logger *logging.Logger, interval time.Duration) *WebhookDispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	return &WebhookDispatcher{
		engine:   e,
		logger:   logger.Named("webhooks"),
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: interval,
		cursors:  make(map[string]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce makes one delivery pass over every tenant's hooks.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	tenants, err := d.engine.Repo.ListTenants(ctx)
	if err != nil {
		d.logger.Error(ctx, "list tenants failed", zap.Error(err))
		return
	}
	for _, t := range tenants {
		tctx := logging.WithTenant(ctx, t.ID)
		policy, err := d.engine.Policy(tctx, nil, t.ID)
		if err != nil {
			d.logger.Error(tctx, "load policy failed", zap.Error(err))
			continue
		}
		for i, hook := range policy.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.dispatchWebhook(tctx, t.ID, i, hook)
		}
	}
}

func hookKey(tenantID string, idx int, hook config.WebhookConfig) string {
	return fmt.Sprintf("%s#%d#%s", tenantID, idx, hook.URL)
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, tenantID string, idx int, hook config.WebhookConfig) {
	key := hookKey(tenantID, idx, hook)
	cursor, ok := d.cursorFor(ctx, key, tenantID)
	if !ok {
		return
	}
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, tenantID)
	if err != nil {
		d.logger.Error(ctx, "fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(string(evt.Type)) {
			d.setCursor(key, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn(ctx, "webhook delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err),
			)
			return
		}
		d.setCursor(key, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, key, tenantID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur, true
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, tenantID)
	if err != nil {
		d.logger.Error(ctx, "init webhook cursor failed", zap.Error(err))
		return 0, false
	}
	d.cursors[key] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID        int64           `json:"id"`
	Type      string          `json:"event_type"`
	TenantID  string          `json:"tenant_id"`
	CreatedAt string          `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := evt.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(webhookEvent{
		ID:        evt.ID,
		Type:      string(evt.Type),
		TenantID:  evt.TenantID,
		CreatedAt: evt.CreatedAt,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AgentLedger-Event", string(evt.Type))
	req.Header.Set("X-AgentLedger-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-AgentLedger-Tenant", evt.TenantID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-AgentLedger-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
