package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// schema defines the tables for the assessment core persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    campaign_id       TEXT NOT NULL,
    participant_id    TEXT NOT NULL DEFAULT '',
    phase             TEXT NOT NULL DEFAULT 'introduction',
    topics_covered    TEXT NOT NULL DEFAULT '[]',
    questions_asked   INTEGER NOT NULL DEFAULT 0,
    completed         BOOLEAN NOT NULL DEFAULT 0,
    completion_reason TEXT NOT NULL DEFAULT '',
    completed_at      DATETIME,
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_campaign ON sessions(campaign_id, completed);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);

CREATE TABLE IF NOT EXISTS session_turns (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role        TEXT NOT NULL,
    content     TEXT NOT NULL,
    timestamp   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON session_turns(session_id, id ASC);
`,
	},
	// Migration 2: synthesis jobs + dimension results. The partial unique
	// index is the single-flight marker: at most one running job per campaign.
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS synthesis_jobs (
    id                 TEXT PRIMARY KEY,
    campaign_id        TEXT NOT NULL,
    tenant_id          TEXT NOT NULL,
    tier               TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'pending',
    executive_summary  TEXT NOT NULL DEFAULT '',
    themes             TEXT NOT NULL DEFAULT '[]',
    recommendations    TEXT NOT NULL DEFAULT '[]',
    retry_count        INTEGER NOT NULL DEFAULT 0,
    last_error_kind    TEXT NOT NULL DEFAULT '',
    last_error         TEXT NOT NULL DEFAULT '',
    started_at         DATETIME NOT NULL,
    finished_at        DATETIME,
    regenerated_at     DATETIME,
    regeneration_count INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_running
    ON synthesis_jobs(campaign_id) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_jobs_campaign ON synthesis_jobs(campaign_id, started_at DESC);

CREATE TABLE IF NOT EXISTS dimension_results (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id            TEXT NOT NULL REFERENCES synthesis_jobs(id) ON DELETE CASCADE,
    dimension         TEXT NOT NULL,
    score             REAL NOT NULL DEFAULT 0.0,
    confidence        TEXT NOT NULL DEFAULT 'insufficient',
    findings          TEXT NOT NULL DEFAULT '[]',
    supporting_quotes TEXT NOT NULL DEFAULT '[]',
    gap_to_next       TEXT NOT NULL DEFAULT '',
    priority          TEXT NOT NULL DEFAULT 'opportunistic'
);
CREATE INDEX IF NOT EXISTS idx_dimension_results_job ON dimension_results(job_id);
`,
	},
	// Migration 3: tenants, usage ledger, usage events, notification log.
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS tenants (
    id             TEXT PRIMARY KEY,
    tier           TEXT NOT NULL DEFAULT 'standard',
    quota_override INTEGER,
    billing_anchor DATETIME NOT NULL,
    created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS usage_ledgers (
    tenant_id             TEXT PRIMARY KEY REFERENCES tenants(id),
    period_start          DATETIME NOT NULL,
    period_end            DATETIME NOT NULL,
    cumulative_tokens     INTEGER NOT NULL DEFAULT 0,
    cumulative_cost_cents INTEGER NOT NULL DEFAULT 0,
    quota_limit           INTEGER NOT NULL DEFAULT 0,
    notified_thresholds   TEXT NOT NULL DEFAULT '[]',
    version               INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS usage_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id   TEXT NOT NULL,
    operation   TEXT NOT NULL,
    tokens      INTEGER NOT NULL DEFAULT 0,
    cost_cents  INTEGER NOT NULL DEFAULT 0,
    recorded_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_tenant ON usage_events(tenant_id, recorded_at);

CREATE TABLE IF NOT EXISTS notification_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    kind       TEXT NOT NULL,
    tenant_id  TEXT NOT NULL DEFAULT '',
    channel    TEXT NOT NULL,
    status     TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT '',
    payload    TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_log_tenant ON notification_log(tenant_id, created_at DESC);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: serializes writers and keeps :memory: databases from
	// splitting across pool connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── JSON column helpers ─────────────────────────────────────────────────────

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalStrings(s string) []string {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return []string{}
	}
	return v
}

func marshalInts(v []int) string {
	if v == nil {
		v = []int{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalInts(s string) []int {
	var v []int
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return []int{}
	}
	return v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// ─── Sessions ────────────────────────────────────────────────────────────────

func (s *sqliteStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO sessions(id, tenant_id, campaign_id, participant_id, phase,
            topics_covered, questions_asked, completed, completion_reason,
            completed_at, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.ID, rec.TenantID, rec.CampaignID, rec.ParticipantID, rec.Phase,
		marshalStrings(rec.TopicsCovered), rec.QuestionsAsked, rec.Completed,
		rec.CompletionReason, nullableTime(rec.CompletedAt),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, t := range rec.Turns {
		if err := insertTurn(ctx, tx, rec.ID, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, tenant_id, campaign_id, participant_id, phase, topics_covered,
               questions_asked, completed, completion_reason, completed_at,
               created_at, updated_at
        FROM sessions WHERE id = ?
    `, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	turns, err := s.sessionTurns(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Turns = turns
	return rec, nil
}

func (s *sqliteStore) AppendTurns(ctx context.Context, rec *SessionRecord, turns []TurnRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateSessionTx(ctx, tx, rec); err != nil {
		return err
	}
	for _, t := range turns {
		if err := insertTurn(ctx, tx, rec.ID, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) UpdateSession(ctx context.Context, rec *SessionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := updateSessionTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListCompletedSessions(ctx context.Context, campaignID string) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, tenant_id, campaign_id, participant_id, phase, topics_covered,
               questions_asked, completed, completion_reason, completed_at,
               created_at, updated_at
        FROM sessions
        WHERE campaign_id = ? AND completed = 1
        ORDER BY created_at ASC
    `, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list completed sessions: %w", err)
	}
	defer rows.Close()

	var recs []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rec := range recs {
		turns, err := s.sessionTurns(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		rec.Turns = turns
	}
	return recs, nil
}

func (s *sqliteStore) sessionTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, session_id, role, content, timestamp
        FROM session_turns WHERE session_id = ? ORDER BY id ASC
    `, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []TurnRecord
	for rows.Next() {
		var t TurnRecord
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var topics string
	var completedAt sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.CampaignID, &rec.ParticipantID, &rec.Phase,
		&topics, &rec.QuestionsAsked, &rec.Completed, &rec.CompletionReason,
		&completedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.TopicsCovered = unmarshalStrings(topics)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func updateSessionTx(ctx context.Context, tx *sql.Tx, rec *SessionRecord) error {
	_, err := tx.ExecContext(ctx, `
        UPDATE sessions SET
            phase             = ?,
            topics_covered    = ?,
            questions_asked   = ?,
            completed         = ?,
            completion_reason = ?,
            completed_at      = ?,
            updated_at        = ?
        WHERE id = ?
    `,
		rec.Phase, marshalStrings(rec.TopicsCovered), rec.QuestionsAsked,
		rec.Completed, rec.CompletionReason, nullableTime(rec.CompletedAt),
		rec.UpdatedAt.UTC(), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, sessionID string, t TurnRecord) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO session_turns(session_id, role, content, timestamp)
        VALUES(?,?,?,?)
    `, sessionID, t.Role, t.Content, t.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
