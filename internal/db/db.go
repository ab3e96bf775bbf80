package db

import (
	"context"
	"time"
)

// Store is the main persistence interface for the assessment core.
type Store interface {
	SessionStore
	SynthesisStore
	UsageStore
	NotificationLogStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Interview sessions ──────────────────────────────────────────────────────

// TurnRecord is one transcript entry. Transcripts are append-only; rows are
// never updated after insert.
type TurnRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // participant | agent
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionRecord is the DB representation of an interview session.
type SessionRecord struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	CampaignID       string       `json:"campaign_id"`
	ParticipantID    string       `json:"participant_id"`
	Phase            string       `json:"phase"`
	TopicsCovered    []string     `json:"topics_covered"`
	QuestionsAsked   int          `json:"questions_asked"`
	Completed        bool         `json:"completed"`
	CompletionReason string       `json:"completion_reason"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Turns            []TurnRecord `json:"turns"`
}

// SessionStore persists interview sessions and their transcripts.
type SessionStore interface {
	// CreateSession writes a new session and its initial turns in one
	// transaction.
	CreateSession(ctx context.Context, rec *SessionRecord) error

	// GetSession retrieves a session with its full transcript, oldest turn
	// first. Returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// AppendTurns atomically appends turns and updates the session's derived
	// fields (phase, topics, counters, completion). A failed call leaves the
	// transcript untouched.
	AppendTurns(ctx context.Context, rec *SessionRecord, turns []TurnRecord) error

	// UpdateSession rewrites the session's derived fields without touching
	// the transcript (facilitator override completion).
	UpdateSession(ctx context.Context, rec *SessionRecord) error

	// ListCompletedSessions returns every completed session for a campaign,
	// transcripts included.
	ListCompletedSessions(ctx context.Context, campaignID string) ([]*SessionRecord, error)
}

// ─── Synthesis jobs ──────────────────────────────────────────────────────────

// DimensionResultRecord is one scored facet of a synthesis report.
type DimensionResultRecord struct {
	JobID            string   `json:"job_id"`
	Dimension        string   `json:"dimension"`
	Score            float64  `json:"score"` // 0.0–5.0
	Confidence       string   `json:"confidence"`
	Findings         []string `json:"findings"`
	SupportingQuotes []string `json:"supporting_quotes"`
	GapToNext        string   `json:"gap_to_next"`
	Priority         string   `json:"priority"`
}

// SynthesisJobRecord is the DB representation of one report run.
type SynthesisJobRecord struct {
	ID                string                  `json:"id"`
	CampaignID        string                  `json:"campaign_id"`
	TenantID          string                  `json:"tenant_id"`
	Tier              string                  `json:"tier"`
	Status            string                  `json:"status"` // pending | running | succeeded | failed
	Dimensions        []DimensionResultRecord `json:"dimensions"`
	ExecutiveSummary  string                  `json:"executive_summary"`
	Themes            []string                `json:"themes"`
	Recommendations   []string                `json:"recommendations"`
	RetryCount        int                     `json:"retry_count"`
	LastErrorKind     string                  `json:"last_error_kind"`
	LastError         string                  `json:"last_error"`
	StartedAt         time.Time               `json:"started_at"`
	FinishedAt        *time.Time              `json:"finished_at,omitempty"`
	RegeneratedAt     *time.Time              `json:"regenerated_at,omitempty"`
	RegenerationCount int                     `json:"regeneration_count"`
}

// SynthesisStore persists synthesis jobs. The running marker is enforced by
// the store so acquisition is a single atomic check-and-set.
type SynthesisStore interface {
	// TryStartJob inserts rec with status running. Returns false without
	// error when another running job already exists for the campaign.
	TryStartJob(ctx context.Context, rec *SynthesisJobRecord) (bool, error)

	// GetRunningJob returns the campaign's running job, or nil, nil.
	GetRunningJob(ctx context.Context, campaignID string) (*SynthesisJobRecord, error)

	// ListRunningJobs returns every job still marked running, across
	// campaigns. Used by startup recovery to release orphaned markers.
	ListRunningJobs(ctx context.Context) ([]*SynthesisJobRecord, error)

	// FinalizeJob writes the terminal state and dimension results in one
	// transaction, releasing the running marker.
	FinalizeJob(ctx context.Context, rec *SynthesisJobRecord) error

	// LatestJob returns the most recently started job for a campaign, with
	// dimension results. Returns nil, nil when none exists.
	LatestJob(ctx context.Context, campaignID string) (*SynthesisJobRecord, error)

	// CountSucceededJobs reports how many succeeded runs the campaign has,
	// for regeneration bookkeeping.
	CountSucceededJobs(ctx context.Context, campaignID string) (int, error)
}

// ─── Usage ledger ────────────────────────────────────────────────────────────

// TenantRecord holds billing identity for a tenant.
type TenantRecord struct {
	ID            string    `json:"id"`
	Tier          string    `json:"tier"`
	QuotaOverride *int64    `json:"quota_override,omitempty"` // tokens, overrides tier default
	BillingAnchor time.Time `json:"billing_anchor"`           // start of the first billing period
	CreatedAt     time.Time `json:"created_at"`
}

// UsageLedgerRecord is one tenant's running total for one billing period.
// Version supports optimistic concurrency on the threshold set.
type UsageLedgerRecord struct {
	TenantID            string    `json:"tenant_id"`
	PeriodStart         time.Time `json:"period_start"`
	PeriodEnd           time.Time `json:"period_end"` // half-open [start, end)
	CumulativeTokens    int64     `json:"cumulative_tokens"`
	CumulativeCostCents int64     `json:"cumulative_cost_cents"`
	QuotaLimit          int64     `json:"quota_limit"` // effective token limit
	NotifiedThresholds  []int     `json:"notified_thresholds"`
	Version             int64     `json:"version"`
}

// UsageEventRecord is one committed usage delta, kept for history even across
// period resets.
type UsageEventRecord struct {
	ID         int64     `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Operation  string    `json:"operation"` // interview_turn | synthesis_run
	Tokens     int64     `json:"tokens"`
	CostCents  int64     `json:"cost_cents"`
	RecordedAt time.Time `json:"recorded_at"`
}

// UsageStore persists tenant billing state. All cumulative-counter mutation
// goes through the ledger CAS so concurrent commits cannot both believe they
// were first to cross a threshold.
type UsageStore interface {
	// EnsureTenant returns the tenant, creating it with the given tier and
	// billing anchor when absent.
	EnsureTenant(ctx context.Context, id, defaultTier string, anchor time.Time) (*TenantRecord, error)

	// SetTenantQuotaOverride sets or clears (nil) the tenant's token quota
	// override.
	SetTenantQuotaOverride(ctx context.Context, id string, override *int64) error

	// GetUsageLedger returns the tenant's ledger row, or nil, nil.
	GetUsageLedger(ctx context.Context, tenantID string) (*UsageLedgerRecord, error)

	// InsertUsageLedger creates the tenant's ledger row.
	InsertUsageLedger(ctx context.Context, rec *UsageLedgerRecord) error

	// UpdateUsageLedgerCAS rewrites the ledger row if its version still
	// equals expectedVersion, bumping the version. Returns false on a lost
	// race; the caller reloads and retries.
	UpdateUsageLedgerCAS(ctx context.Context, rec *UsageLedgerRecord, expectedVersion int64) (bool, error)

	// AppendUsageEvent records one committed delta for history.
	AppendUsageEvent(ctx context.Context, ev *UsageEventRecord) error

	// QueryUsageEvents retrieves historical usage events for a tenant.
	QueryUsageEvents(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageEventRecord, error)
}

// ─── Notification log ────────────────────────────────────────────────────────

// NotificationRecord is one adapter delivery attempt, sent or failed.
type NotificationRecord struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"` // usage_threshold | session_completed
	TenantID  string    `json:"tenant_id"`
	Channel   string    `json:"channel"`
	Status    string    `json:"status"` // sent | failed
	Error     string    `json:"error"`
	Payload   string    `json:"payload"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
}

// NotificationLogStore persists notification delivery outcomes.
type NotificationLogStore interface {
	// AppendNotification records one delivery attempt.
	AppendNotification(ctx context.Context, rec *NotificationRecord) error

	// QueryNotifications returns recent delivery attempts for a tenant,
	// newest first.
	QueryNotifications(ctx context.Context, tenantID string, limit int) ([]*NotificationRecord, error)
}
