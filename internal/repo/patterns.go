package repo

import (
	"context"
	"database/sql"

	"agentledger/internal/domain"
)

const patternColumns = `id, tenant_id, pattern_type, pattern_key, suggested_account, success_rate, times_applied, is_active, last_used_at, created_at`

func scanPattern(s scanner) (domain.Pattern, error) {
	var p domain.Pattern
	var ptype string
	var active int
	var lastUsed sql.NullString
	if err := s.Scan(&p.ID, &p.TenantID, &ptype, &p.Key, &p.SuggestedAccount, &p.SuccessRate, &p.TimesApplied, &active, &lastUsed, &p.CreatedAt); err != nil {
		return p, err
	}
	p.Type = domain.PatternType(ptype)
	p.IsActive = active == 1
	p.LastUsedAt = stringPtr(lastUsed)
	return p, nil
}

func (r Repo) InsertPattern(ctx context.Context, tx *sql.Tx, p domain.Pattern) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO patterns(id, tenant_id, pattern_type, pattern_key, suggested_account, success_rate, times_applied, is_active, last_used_at, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, string(p.Type), p.Key, p.SuggestedAccount, p.SuccessRate, p.TimesApplied, boolInt(p.IsActive),
		nullableStringPtr(p.LastUsedAt), p.CreatedAt)
	return err
}

func (r Repo) GetPattern(ctx context.Context, tx *sql.Tx, id string) (domain.Pattern, error) {
	p, err := scanPattern(r.q(tx).QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// FindPattern looks up the pattern for a bucket regardless of is_active.
func (r Repo) FindPattern(ctx context.Context, tx *sql.Tx, tenantID string, ptype domain.PatternType, key string) (domain.Pattern, error) {
	p, err := scanPattern(r.q(tx).QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE tenant_id=? AND pattern_type=? AND pattern_key=?`,
		tenantID, string(ptype), key))
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// UpdatePatternStats persists a new success rate, usage count and suggested account.
func (r Repo) UpdatePatternStats(ctx context.Context, tx *sql.Tx, p domain.Pattern) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE patterns SET success_rate=?, times_applied=?, suggested_account=?, last_used_at=? WHERE id=?`,
		p.SuccessRate, p.TimesApplied, p.SuggestedAccount, nullableStringPtr(p.LastUsedAt), p.ID)
	if err != nil {
		return err
	}
	if ok, err := rowsAffected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetPatternActive(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE patterns SET is_active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if ok, err := rowsAffected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

// RecordPatternApplication claims the (pattern, source) pair. It reports false
// when the same source already mutated this pattern.
func (r Repo) RecordPatternApplication(ctx context.Context, tx *sql.Tx, patternID, sourceKey string, outcome float64, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO pattern_applications(pattern_id, source_key, outcome, applied_at) VALUES (?,?,?,?)
ON CONFLICT(pattern_id, source_key) DO NOTHING`, patternID, sourceKey, outcome, now)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ListPatterns returns a tenant's patterns, most used first.
func (r Repo) ListPatterns(ctx context.Context, tx *sql.Tx, tenantID string, activeOnly bool) ([]domain.Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE tenant_id=?`
	if activeOnly {
		query += ` AND is_active=1`
	}
	query += ` ORDER BY times_applied DESC, created_at ASC, id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
