package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *sqliteStore) EnsureTenant(ctx context.Context, id, defaultTier string, anchor time.Time) (*TenantRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := getTenantTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &TenantRecord{
			ID:            id,
			Tier:          defaultTier,
			BillingAnchor: anchor.UTC(),
			CreatedAt:     time.Now().UTC(),
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO tenants(id, tier, quota_override, billing_anchor, created_at)
            VALUES(?,?,?,?,?)
        `, rec.ID, rec.Tier, nil, rec.BillingAnchor, rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert tenant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func getTenantTx(ctx context.Context, tx *sql.Tx, id string) (*TenantRecord, error) {
	var rec TenantRecord
	var override sql.NullInt64
	err := tx.QueryRowContext(ctx, `
        SELECT id, tier, quota_override, billing_anchor, created_at
        FROM tenants WHERE id = ?
    `, id).Scan(&rec.ID, &rec.Tier, &override, &rec.BillingAnchor, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if override.Valid {
		v := override.Int64
		rec.QuotaOverride = &v
	}
	return &rec, nil
}

func (s *sqliteStore) SetTenantQuotaOverride(ctx context.Context, id string, override *int64) error {
	var v interface{}
	if override != nil {
		v = *override
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET quota_override = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("set quota override: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("tenant %q not found", id)
	}
	return nil
}

func (s *sqliteStore) GetUsageLedger(ctx context.Context, tenantID string) (*UsageLedgerRecord, error) {
	var rec UsageLedgerRecord
	var thresholds string
	err := s.db.QueryRowContext(ctx, `
        SELECT tenant_id, period_start, period_end, cumulative_tokens,
               cumulative_cost_cents, quota_limit, notified_thresholds, version
        FROM usage_ledgers WHERE tenant_id = ?
    `, tenantID).Scan(
		&rec.TenantID, &rec.PeriodStart, &rec.PeriodEnd, &rec.CumulativeTokens,
		&rec.CumulativeCostCents, &rec.QuotaLimit, &thresholds, &rec.Version,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage ledger: %w", err)
	}
	rec.NotifiedThresholds = unmarshalInts(thresholds)
	return &rec, nil
}

func (s *sqliteStore) InsertUsageLedger(ctx context.Context, rec *UsageLedgerRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO usage_ledgers(tenant_id, period_start, period_end,
            cumulative_tokens, cumulative_cost_cents, quota_limit,
            notified_thresholds, version)
        VALUES(?,?,?,?,?,?,?,?)
    `,
		rec.TenantID, rec.PeriodStart.UTC(), rec.PeriodEnd.UTC(),
		rec.CumulativeTokens, rec.CumulativeCostCents, rec.QuotaLimit,
		marshalInts(rec.NotifiedThresholds), rec.Version,
	)
	if err != nil {
		return fmt.Errorf("insert usage ledger: %w", err)
	}
	return nil
}

// UpdateUsageLedgerCAS rewrites the ledger row only when its version has not
// moved since the caller read it. The version bump and the counter rewrite are
// one statement, so a lost race is a clean zero-row update.
func (s *sqliteStore) UpdateUsageLedgerCAS(ctx context.Context, rec *UsageLedgerRecord, expectedVersion int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE usage_ledgers SET
            period_start          = ?,
            period_end            = ?,
            cumulative_tokens     = ?,
            cumulative_cost_cents = ?,
            quota_limit           = ?,
            notified_thresholds   = ?,
            version               = version + 1
        WHERE tenant_id = ? AND version = ?
    `,
		rec.PeriodStart.UTC(), rec.PeriodEnd.UTC(), rec.CumulativeTokens,
		rec.CumulativeCostCents, rec.QuotaLimit,
		marshalInts(rec.NotifiedThresholds), rec.TenantID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update usage ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	rec.Version = expectedVersion + 1
	return true, nil
}

func (s *sqliteStore) AppendUsageEvent(ctx context.Context, ev *UsageEventRecord) error {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO usage_events(tenant_id, operation, tokens, cost_cents, recorded_at)
        VALUES(?,?,?,?,?)
    `, ev.TenantID, ev.Operation, ev.Tokens, ev.CostCents, ev.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) QueryUsageEvents(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageEventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, tenant_id, operation, tokens, cost_cents, recorded_at
        FROM usage_events
        WHERE tenant_id = ? AND recorded_at >= ? AND recorded_at < ?
        ORDER BY recorded_at ASC, id ASC
    `, tenantID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var evs []*UsageEventRecord
	for rows.Next() {
		var ev UsageEventRecord
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Operation, &ev.Tokens,
			&ev.CostCents, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		evs = append(evs, &ev)
	}
	return evs, rows.Err()
}
