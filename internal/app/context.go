// Package app assembles the runtime shared by the CLI commands: the database,
// the engine, the worker capabilities and the active tenant.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"agentledger/internal/capability"
	"agentledger/internal/config"
	"agentledger/internal/db"
	"agentledger/internal/engine"
	"agentledger/internal/migrate"
	"agentledger/internal/repo"
	"agentledger/internal/settings"
	"agentledger/internal/worker"
)

// OpenEngine opens the workspace database, applies pending migrations and
// returns an engine tuned by s. Callers close the returned handle.
func OpenEngine(ctx context.Context, s *settings.Settings) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: s.Workspace, BusyTimeout: s.DB.BusyTimeout.Duration()})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if s.DB.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(s.DB.MaxOpenConns)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn)
	if s.DB.BusyRetries > 0 {
		e.BusyRetries = s.DB.BusyRetries
	}
	if s.Worker.ClaimBatch > 0 {
		e.ClaimBatch = s.Worker.ClaimBatch
	}
	return e, conn, nil
}

// HealthThresholds converts the settings section into engine thresholds.
func HealthThresholds(s *settings.Settings) engine.HealthThresholds {
	return engine.HealthThresholds{
		DegradedUnprocessed: s.Health.DegradedUnprocessed,
		UnhealthyFailed:     s.Health.UnhealthyFailed,
	}
}

// Capabilities picks the parser and suggester the workers delegate to. The
// parser reads UBL documents from the inbox; the suggester is the language
// model when one is configured and the pattern rules otherwise.
func Capabilities(s *settings.Settings) (worker.Capabilities, error) {
	inbox := s.Inbox.Dir
	if inbox != "" && !filepath.IsAbs(inbox) {
		inbox = filepath.Join(s.Workspace, inbox)
	}
	caps := worker.Capabilities{Parser: capability.UBLParser{Dir: inbox}}
	switch s.LLM.Provider {
	case "openai":
		llm, err := capability.NewLLMSuggester(capability.LLMConfig{
			BaseURL:   s.LLM.BaseURL,
			Model:     s.LLM.Model,
			APIKey:    s.LLM.APIKey.Value(),
			RateLimit: s.LLM.RateLimit,
			Burst:     s.LLM.Burst,
			Timeout:   s.LLM.Timeout.Duration(),
		})
		if err != nil {
			return worker.Capabilities{}, err
		}
		caps.Suggester = llm
	default:
		caps.Suggester = capability.RuleSuggester{}
	}
	return caps, nil
}

// ResolveTenant picks the tenant a command acts on and makes sure it has a
// stored policy, seeding the default one when missing. Without an override
// the workspace must hold exactly one tenant.
func ResolveTenant(ctx context.Context, e engine.Engine, override string) (string, *config.Config, error) {
	tenantID := override
	if tenantID == "" {
		tenants, err := e.Repo.ListTenants(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(tenants) != 1 {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant")
		}
		tenantID = tenants[0].ID
	}
	cfg, err := e.Repo.GetTenantConfig(ctx, nil, tenantID)
	if err == nil {
		return tenantID, cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", nil, err
	}
	seed := config.Default(tenantID)
	if err := e.SetPolicy(ctx, tenantID, seed); err != nil {
		return "", nil, fmt.Errorf("seed tenant policy: %w", err)
	}
	return tenantID, seed, nil
}
