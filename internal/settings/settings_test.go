package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.Interval.Duration())
	assert.Equal(t, 5*time.Second, cfg.Worker.Interval.Duration())
	assert.Equal(t, 100, cfg.Health.DegradedUnprocessed)
	assert.Equal(t, 10, cfg.Health.UnhealthyFailed)
	assert.Equal(t, "rules", cfg.LLM.Provider)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orchestrator:
  interval: 10s
  batch_size: 25
worker:
  interval: 2s
  bookkeepers: 4
  retry_backoff: 250ms
llm:
  provider: openai
  base_url: http://localhost:11434/v1
`), 0o600))
	t.Setenv("AGENTLEDGER_ORCHESTRATOR_BATCH_SIZE", "50")
	t.Setenv("AGENTLEDGER_LLM_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.Interval.Duration())
	assert.Equal(t, 50, cfg.Orchestrator.BatchSize)
	assert.Equal(t, 4, cfg.Worker.Bookkeepers)
	assert.Equal(t, 1, cfg.Worker.Parsers)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.RetryBackoff.Duration())
	assert.Equal(t, "sk-test", cfg.LLM.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.LLM.APIKey.String())
}

func TestValidateRejectsSlowWorkers(t *testing.T) {
	cfg := Default()
	cfg.Worker.Interval = Duration(time.Minute)
	assert.Error(t, cfg.Validate())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "health.degraded_unprocessed", envKey("AGENTLEDGER_HEALTH_DEGRADED_UNPROCESSED"))
	assert.Equal(t, "workspace", envKey("AGENTLEDGER_WORKSPACE"))
}
