package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentledger/internal/config"
	"agentledger/internal/domain"
)

// EnsureTenant inserts the tenant row if it is missing.
func (r Repo) EnsureTenant(ctx context.Context, tx *sql.Tx, tenantID, now string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO tenants(id, name, created_at) VALUES (?,?,?)`, tenantID, tenantID, now)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, created_at FROM tenants WHERE id=?`, id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name, created_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpsertTenantConfig(ctx context.Context, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Tenant.ID = tenantID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureTenant(ctx, tx, tenantID, now); err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tenant_configs(tenant_id, policy_json, updated_at) VALUES (?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET policy_json=excluded.policy_json, updated_at=excluded.updated_at`, tenantID, string(payload), now)
	return err
}

func (r Repo) GetTenantConfig(ctx context.Context, tx *sql.Tx, tenantID string) (*config.Config, error) {
	var payload string
	err := r.q(tx).QueryRowContext(ctx, `SELECT policy_json FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Tenant.ID == "" {
		cfg.Tenant.ID = tenantID
	}
	return &cfg, cfg.Validate()
}
