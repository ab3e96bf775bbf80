package interview

// Package interview drives one stakeholder's conversation turn by turn. The
// phase progression is a one-way state machine; all transition decisions are
// pure functions of the session's counters so they can be tested without a
// model or a store.

import (
	"time"
)

// Phase is the session's position in the conversation arc. Phases only
// advance; there are no backward transitions.
type Phase string

const (
	PhaseIntroduction Phase = "introduction"
	PhaseExploring    Phase = "exploring"
	PhaseCompleting   Phase = "completing"
	PhaseCompleted    Phase = "completed"
)

var phaseRank = map[Phase]int{
	PhaseIntroduction: 0,
	PhaseExploring:    1,
	PhaseCompleting:   2,
	PhaseCompleted:    3,
}

// Rank orders phases for monotonicity checks. Unknown phases rank lowest.
func (p Phase) Rank() int { return phaseRank[p] }

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// CompletionReason records how a session ended.
type CompletionReason string

const (
	ReasonNatural             CompletionReason = "natural"
	ReasonFacilitatorOverride CompletionReason = "facilitator_override"
)

// Turn is one transcript entry.
type Turn struct {
	Role      string    `json:"role"` // participant | agent
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	RoleParticipant = "participant"
	RoleAgent       = "agent"
)

// Session is the caller-facing view of one conversation.
type Session struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	CampaignID       string           `json:"campaign_id"`
	ParticipantID    string           `json:"participant_id"`
	Phase            Phase            `json:"phase"`
	Transcript       []Turn           `json:"transcript"`
	TopicsCovered    []string         `json:"topics_covered"`
	QuestionsAsked   int              `json:"questions_asked"`
	Completed        bool             `json:"completed"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// Policy holds the tunable completion heuristics. The numbers are
// configuration, not constants, so facilitators can adjust how much coverage a
// natural completion requires.
type Policy struct {
	// RequiredTopics is the topic checklist the agent works through.
	RequiredTopics []string

	// CoverageFraction of RequiredTopics that must be covered for natural
	// completion.
	CoverageFraction float64

	// MinQuestions the agent must have asked before natural completion.
	MinQuestions int

	// IntroQuestions asked before the session leaves the introduction phase.
	IntroQuestions int
}

// DefaultPolicy mirrors the production interview guide.
func DefaultPolicy() Policy {
	return Policy{
		RequiredTopics: []string{
			"current_workflow",
			"pain_points",
			"collaboration",
			"tooling",
			"measurement",
			"goals",
		},
		CoverageFraction: 0.7,
		MinQuestions:     5,
		IntroQuestions:   1,
	}
}

// coverageMet reports whether the covered set satisfies the fraction.
func (p Policy) coverageMet(covered int) bool {
	if len(p.RequiredTopics) == 0 {
		return true
	}
	return float64(covered) >= p.CoverageFraction*float64(len(p.RequiredTopics))
}

// NaturallyComplete reports whether the session may complete without an
// override: coverage threshold and question floor both satisfied.
func (p Policy) NaturallyComplete(covered, questionsAsked int) bool {
	return p.coverageMet(covered) && questionsAsked >= p.MinQuestions
}

// NextPhase returns the phase after a turn with the given counters. The result
// never ranks below cur, so phase regression is unrepresentable regardless of
// counter values.
func (p Policy) NextPhase(cur Phase, covered, questionsAsked int) Phase {
	next := PhaseIntroduction
	switch {
	case p.NaturallyComplete(covered, questionsAsked):
		next = PhaseCompleted
	case p.coverageMet(covered) || questionsAsked >= p.MinQuestions:
		next = PhaseCompleting
	case questionsAsked >= p.IntroQuestions:
		next = PhaseExploring
	}
	if next.Rank() < cur.Rank() {
		return cur
	}
	return next
}

// Remaining returns the required topics not yet covered, in checklist order.
func (p Policy) Remaining(covered []string) []string {
	seen := make(map[string]bool, len(covered))
	for _, t := range covered {
		seen[t] = true
	}
	var out []string
	for _, t := range p.RequiredTopics {
		if !seen[t] {
			out = append(out, t)
		}
	}
	return out
}

// mergeTopics unions newly covered topics into the set, keeping only topics
// from the checklist and preserving first-covered order.
func (p Policy) mergeTopics(covered, reported []string) []string {
	allowed := make(map[string]bool, len(p.RequiredTopics))
	for _, t := range p.RequiredTopics {
		allowed[t] = true
	}
	seen := make(map[string]bool, len(covered))
	out := append([]string(nil), covered...)
	for _, t := range covered {
		seen[t] = true
	}
	for _, t := range reported {
		if allowed[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
