package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentledger/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Tenant.ID)
	assert.Equal(t, 85, cfg.Routing.AutoApprove)
	assert.Equal(t, 60, cfg.Routing.Medium)
	assert.Equal(t, 40, cfg.Routing.High)
	assert.Equal(t, 3, cfg.Tasks.MaxRetries)
	assert.Equal(t, 7, cfg.Priority(domain.TaskLearnCorrection))
}

func TestPriorityFallback(t *testing.T) {
	cfg := Default("acme")
	delete(cfg.Tasks.Priorities, domain.TaskParseInvoice)
	assert.Equal(t, 5, cfg.Priority(domain.TaskParseInvoice))
}

func TestFromYAMLRejectsInvertedThresholds(t *testing.T) {
	_, err := FromYAML([]byte(`
tenant: {id: acme}
routing: {auto_approve: 50, medium: 60, high: 40}
tasks: {max_retries: 3}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routing thresholds")
}

func TestFromYAMLRejectsUnknownWebhookEvent(t *testing.T) {
	_, err := FromYAML([]byte(`
tenant: {id: acme}
routing: {auto_approve: 85, medium: 60, high: 40}
webhooks:
  - url: http://review.local/hook
    events: [invoice_deleted]
`))
	require.Error(t, err)
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default("acme")
	data, err := cfg.YAML()
	require.NoError(t, err)
	parsed, err := FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, cfg.Routing, parsed.Routing)
}
