// Package settings loads process-level settings for the orchestrator, the
// workers and the API server.
package settings

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"agentledger/internal/logging"
)

const (
	EnvPrefix         = "AGENTLEDGER_"
	maxConfigFileSize = 1024 * 1024
)

// Settings are per-process knobs. Tenant policy lives in the database, see
// package config.
type Settings struct {
	Workspace    string             `koanf:"workspace"`
	DB           DBSettings         `koanf:"db"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Worker       WorkerConfig       `koanf:"worker"`
	Health       HealthConfig       `koanf:"health"`
	Server       ServerConfig       `koanf:"server"`
	LLM          LLMConfig          `koanf:"llm"`
	Inbox        InboxConfig        `koanf:"inbox"`
	Log          logging.Config     `koanf:"log"`
}

type DBSettings struct {
	BusyTimeout  Duration `koanf:"busy_timeout"`
	BusyRetries  int      `koanf:"busy_retries"`
	MaxOpenConns int      `koanf:"max_open_conns"`
}

type OrchestratorConfig struct {
	Interval  Duration `koanf:"interval"`
	BatchSize int      `koanf:"batch_size"`
}

type WorkerConfig struct {
	Interval    Duration `koanf:"interval"`
	Parsers     int      `koanf:"parsers"`
	Bookkeepers int      `koanf:"bookkeepers"`
	Learners    int      `koanf:"learners"`
	// ClaimBatch is how many candidates a claimant inspects before giving up.
	ClaimBatch int `koanf:"claim_batch"`
	// RetryBackoff is the first pause after a failed attempt; it doubles per retry.
	RetryBackoff Duration `koanf:"retry_backoff"`
}

type HealthConfig struct {
	DegradedUnprocessed int `koanf:"degraded_unprocessed"`
	UnhealthyFailed     int `koanf:"unhealthy_failed"`
}

type ServerConfig struct {
	Addr      string `koanf:"addr"`
	BasePath  string `koanf:"base_path"`
	JWTSecret Secret `koanf:"jwt_secret"`
}

type LLMConfig struct {
	// Provider is "openai" for an OpenAI-compatible endpoint or "rules" for the
	// offline pattern-only suggester.
	Provider  string   `koanf:"provider"`
	Model     string   `koanf:"model"`
	BaseURL   string   `koanf:"base_url"`
	APIKey    Secret   `koanf:"api_key"`
	RateLimit float64  `koanf:"rate_limit"`
	Burst     int      `koanf:"burst"`
	Timeout   Duration `koanf:"timeout"`
}

type InboxConfig struct {
	Dir string `koanf:"dir"`
}

// Default returns settings with the reference values.
func Default() *Settings {
	return &Settings{
		Workspace: ".",
		DB: DBSettings{
			BusyTimeout:  Duration(5 * time.Second),
			BusyRetries:  5,
			MaxOpenConns: 8,
		},
		Orchestrator: OrchestratorConfig{Interval: Duration(30 * time.Second), BatchSize: 100},
		Worker: WorkerConfig{
			Interval:     Duration(5 * time.Second),
			Parsers:      1,
			Bookkeepers:  2,
			Learners:     1,
			ClaimBatch:   10,
			RetryBackoff: Duration(time.Second),
		},
		Health: HealthConfig{DegradedUnprocessed: 100, UnhealthyFailed: 10},
		Server: ServerConfig{Addr: "127.0.0.1:8080", BasePath: "/v0"},
		LLM: LLMConfig{
			Provider:  "rules",
			Model:     "gpt-4o-mini",
			RateLimit: 1,
			Burst:     2,
			Timeout:   Duration(60 * time.Second),
		},
		Inbox: InboxConfig{Dir: "inbox"},
		Log:   *logging.NewDefaultConfig(),
	}
}

// Path returns the default settings file for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".agentledger", "settings.yaml")
}

// Load reads settings from a YAML file when it exists, then applies
// AGENTLEDGER_* environment overrides.
//
//	AGENTLEDGER_ORCHESTRATOR_BATCH_SIZE -> orchestrator.batch_size
//	AGENTLEDGER_LLM_API_KEY             -> llm.api_key
func Load(path string) (*Settings, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load settings file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps AGENTLEDGER_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open settings file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat settings file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("settings file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return io.ReadAll(f)
}

// Validate checks settings for errors.
func (s *Settings) Validate() error {
	if s.Orchestrator.Interval.Duration() <= 0 {
		return fmt.Errorf("orchestrator.interval must be > 0")
	}
	if s.Orchestrator.BatchSize <= 0 {
		return fmt.Errorf("orchestrator.batch_size must be > 0")
	}
	if s.Worker.Interval.Duration() <= 0 {
		return fmt.Errorf("worker.interval must be > 0")
	}
	if s.Worker.Interval.Duration() > s.Orchestrator.Interval.Duration() {
		return fmt.Errorf("worker.interval (%s) must not exceed orchestrator.interval (%s)",
			s.Worker.Interval.Duration(), s.Orchestrator.Interval.Duration())
	}
	if s.Worker.RetryBackoff.Duration() < 0 {
		return fmt.Errorf("worker.retry_backoff must be >= 0")
	}
	if s.Worker.Parsers < 0 || s.Worker.Bookkeepers < 0 || s.Worker.Learners < 0 {
		return fmt.Errorf("worker counts must be >= 0")
	}
	if s.Health.DegradedUnprocessed < 0 || s.Health.UnhealthyFailed < 0 {
		return fmt.Errorf("health thresholds must be >= 0")
	}
	switch s.LLM.Provider {
	case "rules":
	case "openai":
		if s.LLM.APIKey == "" && s.LLM.BaseURL == "" {
			return fmt.Errorf("llm.api_key or llm.base_url is required for provider openai")
		}
	default:
		return fmt.Errorf("llm.provider must be 'openai' or 'rules', got %q", s.LLM.Provider)
	}
	if s.LLM.RateLimit <= 0 {
		return fmt.Errorf("llm.rate_limit must be > 0")
	}
	return s.Log.Validate()
}

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret wraps strings that must not show up in logs or dumps.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Value returns the secret itself.
func (s Secret) Value() string {
	return string(s)
}
