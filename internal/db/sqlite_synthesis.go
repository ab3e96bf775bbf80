package db

import (
	"context"
	"database/sql"
	"fmt"
)

// TryStartJob inserts the job with status running. The partial unique index on
// running jobs makes this an atomic acquire: the second writer hits a
// constraint violation and gets false.
func (s *sqliteStore) TryStartJob(ctx context.Context, rec *SynthesisJobRecord) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO synthesis_jobs(id, campaign_id, tenant_id, tier, status,
            retry_count, started_at, regeneration_count)
        VALUES(?,?,?,?,'running',?,?,?)
    `,
		rec.ID, rec.CampaignID, rec.TenantID, rec.Tier,
		rec.RetryCount, rec.StartedAt.UTC(), rec.RegenerationCount,
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("start synthesis job: %w", err)
	}
	rec.Status = "running"
	return true, nil
}

func (s *sqliteStore) GetRunningJob(ctx context.Context, campaignID string) (*SynthesisJobRecord, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE campaign_id = ? AND status = 'running'`, campaignID)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get running job: %w", err)
	}
	return rec, nil
}

func (s *sqliteStore) ListRunningJobs(ctx context.Context) ([]*SynthesisJobRecord, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+` WHERE status = 'running' ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer rows.Close()

	var recs []*SynthesisJobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list running jobs: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// FinalizeJob writes the terminal state and the dimension results in one
// transaction. Moving status off running releases the campaign's single-flight
// marker.
func (s *sqliteStore) FinalizeJob(ctx context.Context, rec *SynthesisJobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        UPDATE synthesis_jobs SET
            status             = ?,
            executive_summary  = ?,
            themes             = ?,
            recommendations    = ?,
            retry_count        = ?,
            last_error_kind    = ?,
            last_error         = ?,
            finished_at        = ?,
            regenerated_at     = ?,
            regeneration_count = ?
        WHERE id = ?
    `,
		rec.Status, rec.ExecutiveSummary, marshalStrings(rec.Themes),
		marshalStrings(rec.Recommendations), rec.RetryCount,
		rec.LastErrorKind, rec.LastError, nullableTime(rec.FinishedAt),
		nullableTime(rec.RegeneratedAt), rec.RegenerationCount, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}

	// Dimension results are replaced wholesale. Partial results from a failed
	// run are kept the same way a full set from a succeeded run is.
	if _, err := tx.ExecContext(ctx, `DELETE FROM dimension_results WHERE job_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear dimension results: %w", err)
	}
	for _, d := range rec.Dimensions {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO dimension_results(job_id, dimension, score, confidence,
                findings, supporting_quotes, gap_to_next, priority)
            VALUES(?,?,?,?,?,?,?,?)
        `,
			rec.ID, d.Dimension, d.Score, d.Confidence,
			marshalStrings(d.Findings), marshalStrings(d.SupportingQuotes),
			d.GapToNext, d.Priority,
		)
		if err != nil {
			return fmt.Errorf("insert dimension result: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LatestJob(ctx context.Context, campaignID string) (*SynthesisJobRecord, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+`
        WHERE campaign_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, campaignID)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest job: %w", err)
	}

	dims, err := s.jobDimensions(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	rec.Dimensions = dims
	return rec, nil
}

func (s *sqliteStore) CountSucceededJobs(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM synthesis_jobs WHERE campaign_id = ? AND status = 'succeeded'`,
		campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count succeeded jobs: %w", err)
	}
	return n, nil
}

const jobSelect = `
    SELECT id, campaign_id, tenant_id, tier, status, executive_summary, themes,
           recommendations, retry_count, last_error_kind, last_error,
           started_at, finished_at, regenerated_at, regeneration_count
    FROM synthesis_jobs`

func scanJob(row rowScanner) (*SynthesisJobRecord, error) {
	var rec SynthesisJobRecord
	var themes, recommendations string
	var finishedAt, regeneratedAt sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.CampaignID, &rec.TenantID, &rec.Tier, &rec.Status,
		&rec.ExecutiveSummary, &themes, &recommendations, &rec.RetryCount,
		&rec.LastErrorKind, &rec.LastError, &rec.StartedAt,
		&finishedAt, &regeneratedAt, &rec.RegenerationCount,
	)
	if err != nil {
		return nil, err
	}
	rec.Themes = unmarshalStrings(themes)
	rec.Recommendations = unmarshalStrings(recommendations)
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	if regeneratedAt.Valid {
		t := regeneratedAt.Time
		rec.RegeneratedAt = &t
	}
	return &rec, nil
}

func (s *sqliteStore) jobDimensions(ctx context.Context, jobID string) ([]DimensionResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT job_id, dimension, score, confidence, findings, supporting_quotes,
               gap_to_next, priority
        FROM dimension_results WHERE job_id = ? ORDER BY id ASC
    `, jobID)
	if err != nil {
		return nil, fmt.Errorf("query dimension results: %w", err)
	}
	defer rows.Close()

	var dims []DimensionResultRecord
	for rows.Next() {
		var d DimensionResultRecord
		var findings, quotes string
		if err := rows.Scan(&d.JobID, &d.Dimension, &d.Score, &d.Confidence,
			&findings, &quotes, &d.GapToNext, &d.Priority); err != nil {
			return nil, fmt.Errorf("scan dimension result: %w", err)
		}
		d.Findings = unmarshalStrings(findings)
		d.SupportingQuotes = unmarshalStrings(quotes)
		dims = append(dims, d)
	}
	return dims, rows.Err()
}
