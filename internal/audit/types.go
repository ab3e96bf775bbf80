package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Interview events
	EventInterviewStarted   EventType = "interview.started"
	EventInterviewTurn      EventType = "interview.turn"
	EventInterviewCompleted EventType = "interview.completed"
	EventInterviewOverride  EventType = "interview.facilitator_override"

	// Synthesis events
	EventSynthesisStarted   EventType = "synthesis.started"
	EventSynthesisSucceeded EventType = "synthesis.succeeded"
	EventSynthesisFailed    EventType = "synthesis.failed"

	// Billing events
	EventUsageCommitted     EventType = "usage.committed"
	EventUsageReset         EventType = "usage.reset"
	EventThresholdNotified  EventType = "usage.threshold_notified"
	EventUsageCommitFailure EventType = "usage.commit_failed"

	// Configuration events
	EventConfigLoaded EventType = "config.loaded"
	EventConfigReload EventType = "config.reload"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
)

// Event represents a single audit event
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	TenantID   string `json:"tenant_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	JobID      string `json:"job_id,omitempty"`

	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithTenant sets the tenant the event belongs to
func (e *Event) WithTenant(tenantID string) *Event {
	e.TenantID = tenantID
	return e
}

// WithCampaign sets the campaign the event belongs to
func (e *Event) WithCampaign(campaignID string) *Event {
	e.CampaignID = campaignID
	return e
}

// WithSession sets the interview session the event belongs to
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithJob sets the synthesis job the event belongs to
func (e *Event) WithJob(jobID string) *Event {
	e.JobID = jobID
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
