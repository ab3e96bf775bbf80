package synthesis

// Package synthesis turns a campaign's completed interview transcripts into a
// multi-dimensional assessment report. One run fans out per-dimension analysis
// calls with bounded parallelism, then issues three aggregate calls; the whole
// run holds the campaign's single-flight marker from acquisition to terminal
// state.

import (
	"time"
)

// Dimensions is the fixed analysis rubric. Every run scores every dimension
// regardless of tier; tier selects the model, never the rubric.
var Dimensions = []string{
	"collaboration",
	"delivery_flow",
	"automation",
	"measurement",
	"architecture",
	"culture",
}

// Confidence grades how well the transcripts support a dimension's score.
type Confidence string

const (
	ConfidenceHigh         Confidence = "high"
	ConfidenceMedium       Confidence = "medium"
	ConfidenceLow          Confidence = "low"
	ConfidenceInsufficient Confidence = "insufficient"
)

var validConfidence = map[Confidence]bool{
	ConfidenceHigh: true, ConfidenceMedium: true,
	ConfidenceLow: true, ConfidenceInsufficient: true,
}

// Priority ranks how urgently a dimension's gap should be addressed.
type Priority string

const (
	PriorityCritical      Priority = "critical"
	PriorityImportant     Priority = "important"
	PriorityFoundational  Priority = "foundational"
	PriorityOpportunistic Priority = "opportunistic"
)

var validPriority = map[Priority]bool{
	PriorityCritical: true, PriorityImportant: true,
	PriorityFoundational: true, PriorityOpportunistic: true,
}

// DimensionResult is one scored facet of the report.
type DimensionResult struct {
	Dimension        string     `json:"dimension"`
	Score            float64    `json:"score"` // 0.0–5.0
	Confidence       Confidence `json:"confidence"`
	Findings         []string   `json:"findings"`
	SupportingQuotes []string   `json:"supporting_quotes"`
	GapToNext        string     `json:"gap_to_next"`
	Priority         Priority   `json:"priority"`
}

// Status is a synthesis job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is the caller-facing view of one report run.
type Job struct {
	ID                string            `json:"id"`
	CampaignID        string            `json:"campaign_id"`
	TenantID          string            `json:"tenant_id"`
	Tier              string            `json:"tier"`
	Status            Status            `json:"status"`
	Dimensions        []DimensionResult `json:"dimensions,omitempty"`
	ExecutiveSummary  string            `json:"executive_summary,omitempty"`
	Themes            []string          `json:"themes,omitempty"`
	Recommendations   []string          `json:"recommendations,omitempty"`
	RetryCount        int               `json:"retry_count"`
	LastErrorKind     string            `json:"last_error_kind,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
	RegeneratedAt     *time.Time        `json:"regenerated_at,omitempty"`
	RegenerationCount int               `json:"regeneration_count"`
}
