package interview

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chorusinsights/chorus-ai/internal/db"
	"github.com/chorusinsights/chorus-ai/internal/faults"
	"github.com/chorusinsights/chorus-ai/internal/llm/gateway"
	"github.com/chorusinsights/chorus-ai/internal/llm/types"
	"github.com/chorusinsights/chorus-ai/internal/metrics"
	"github.com/chorusinsights/chorus-ai/internal/pricing"
	"github.com/chorusinsights/chorus-ai/internal/retry"
	"github.com/chorusinsights/chorus-ai/internal/tier"
	"github.com/chorusinsights/chorus-ai/internal/usage"
)

// CompletionNotifier announces finished sessions to facilitators.
// Fire-and-forget: delivery failure never fails the completion.
type CompletionNotifier interface {
	NotifySessionCompleted(tenantID, sessionID, campaignID, reason string)
}

// Service runs interview sessions end to end: state, prompting, persistence,
// and usage metering.
type Service struct {
	store    db.SessionStore
	gw       gateway.Gateway
	book     pricing.PriceBook
	ledger   *usage.Ledger
	notifier CompletionNotifier
	policy   Policy
	tier     tier.Tier
	retry    *retry.Policy
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
}

// ServiceOption mutates a Service during construction.
type ServiceOption func(*Service)

// WithPolicy overrides the completion heuristics.
func WithPolicy(p Policy) ServiceOption { return func(s *Service) { s.policy = p } }

// WithTier selects the model tier for interview turns.
func WithTier(t tier.Tier) ServiceOption { return func(s *Service) { s.tier = t } }

// WithCompletionNotifier sets the session-completed sink.
func WithCompletionNotifier(n CompletionNotifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithRetryPolicy overrides the gateway retry policy.
func WithRetryPolicy(p *retry.Policy) ServiceOption { return func(s *Service) { s.retry = p } }

// WithLogger sets the structured logger.
func WithLogger(lg *zap.Logger) ServiceOption { return func(s *Service) { s.logger = lg } }

// WithClock injects the time source.
func WithClock(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

// NewService builds an interview service.
func NewService(store db.SessionStore, gw gateway.Gateway, book pricing.PriceBook, ledger *usage.Ledger, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		gw:       gw,
		book:     book,
		ledger:   ledger,
		policy:   DefaultPolicy(),
		tier:     tier.Standard,
		retry:    retry.DefaultPolicy(),
		logger:   zap.NewNop(),
		now:      time.Now,
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartRequest identifies the session to create on first contact.
type StartRequest struct {
	SessionID     string
	TenantID      string
	CampaignID    string
	ParticipantID string
}

// StartOrResume returns the existing session verbatim, or creates a fresh one
// with the opening agent message. Resuming never re-derives anything: two
// calls in a row return identical transcripts.
func (s *Service) StartOrResume(ctx context.Context, req StartRequest) (*Session, error) {
	rec, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "interview_load", "failed to load interview session", err)
	}
	if rec != nil {
		return fromRecord(rec), nil
	}

	now := s.now().UTC()
	rec = &db.SessionRecord{
		ID:             req.SessionID,
		TenantID:       req.TenantID,
		CampaignID:     req.CampaignID,
		ParticipantID:  req.ParticipantID,
		Phase:          string(PhaseIntroduction),
		TopicsCovered:  []string{},
		QuestionsAsked: 1, // the opening message is the first question
		CreatedAt:      now,
		UpdatedAt:      now,
		Turns: []db.TurnRecord{
			{Role: RoleAgent, Content: openingMessage, Timestamp: now},
		},
	}
	if err := s.store.CreateSession(ctx, rec); err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "interview_create", "failed to create interview session", err)
	}
	s.logger.Info("interview session started",
		zap.String("session_id", rec.ID),
		zap.String("campaign_id", rec.CampaignID))
	return fromRecord(rec), nil
}

// agentOutput is the structured contract the model must honor on every turn.
type agentOutput struct {
	Reply         string   `json:"reply"`
	TopicsCovered []string `json:"topics_covered"`
}

// SubmitMessage appends the participant turn, derives the agent's next turn,
// and evaluates completion. A gateway failure leaves the transcript untouched:
// the caller may retry with the same text. The reply and updated session are
// valid even when a usage-commit fault is returned alongside them.
func (s *Service) SubmitMessage(ctx context.Context, sessionID, userText string) (string, *Session, error) {
	if strings.TrimSpace(userText) == "" {
		return "", nil, faults.New(faults.KindConflict, "interview_empty_message",
			"an empty message cannot be submitted")
	}
	if !s.acquire(sessionID) {
		return "", nil, faults.New(faults.KindConflict, "interview_turn_in_progress",
			"another turn is already in progress for this interview")
	}
	defer s.release(sessionID)

	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", nil, faults.Wrap(faults.KindDatabase, "interview_load", "failed to load interview session", err)
	}
	if rec == nil {
		return "", nil, faults.Newf(faults.KindConflict, "interview_not_found",
			"interview session %q does not exist", sessionID)
	}
	if rec.Completed {
		return "", nil, faults.New(faults.KindConflict, "interview_completed",
			"this interview is already complete")
	}

	sess := fromRecord(rec)
	spec, err := tier.Lookup(s.tier)
	if err != nil {
		return "", nil, faults.Wrap(faults.KindInternal, "interview_tier", "invalid interview tier", err)
	}

	acc := usage.NewAccumulator(s.book, "interview_turn")
	out, err := retry.DoValue(ctx, s.retry, func() (agentOutput, error) {
		comp, err := s.gw.Complete(ctx, types.CompletionRequest{
			ModelID: spec.ModelID,
			System:  systemPrompt,
			Prompt:  buildTurnPrompt(sess, userText, s.policy),
		})
		if err != nil {
			return agentOutput{}, err
		}
		// Calls that fail to parse still consumed tokens; they are billed.
		if rerr := acc.Record(ctx, spec.ModelID, comp.TokensIn, comp.TokensOut); rerr != nil {
			return agentOutput{}, rerr
		}
		return parseAgentOutput(comp.Text)
	})
	if err != nil {
		metrics.InterviewTurnsTotal.WithLabelValues(rec.Phase, "error").Inc()
		// Bill whatever the failed attempts consumed before surfacing.
		if cerr := acc.CommitTo(ctx, s.ledger, rec.TenantID); cerr != nil {
			s.logger.Error("usage commit failed after turn error",
				zap.String("session_id", sessionID), zap.Error(cerr))
		}
		return "", nil, err
	}

	now := s.now().UTC()
	sess.TopicsCovered = s.policy.mergeTopics(sess.TopicsCovered, out.TopicsCovered)
	sess.QuestionsAsked++
	sess.Phase = s.policy.NextPhase(sess.Phase, len(sess.TopicsCovered), sess.QuestionsAsked)

	rec.Phase = string(sess.Phase)
	rec.TopicsCovered = sess.TopicsCovered
	rec.QuestionsAsked = sess.QuestionsAsked
	rec.UpdatedAt = now
	if sess.Phase == PhaseCompleted {
		rec.Completed = true
		rec.CompletionReason = string(ReasonNatural)
		rec.CompletedAt = &now
	}

	turns := []db.TurnRecord{
		{Role: RoleParticipant, Content: userText, Timestamp: now},
		{Role: RoleAgent, Content: out.Reply, Timestamp: now},
	}
	if err := s.store.AppendTurns(ctx, rec, turns); err != nil {
		metrics.InterviewTurnsTotal.WithLabelValues(rec.Phase, "error").Inc()
		return "", nil, faults.Wrap(faults.KindDatabase, "interview_persist",
			"failed to persist interview turn", err)
	}
	sess.Transcript = append(sess.Transcript,
		Turn{Role: RoleParticipant, Content: userText, Timestamp: now},
		Turn{Role: RoleAgent, Content: out.Reply, Timestamp: now},
	)
	sess.Completed = rec.Completed
	sess.CompletionReason = CompletionReason(rec.CompletionReason)
	sess.CompletedAt = rec.CompletedAt

	metrics.InterviewTurnsTotal.WithLabelValues(rec.Phase, "success").Inc()
	if rec.Completed {
		metrics.InterviewCompletionsTotal.WithLabelValues(string(ReasonNatural)).Inc()
		s.logger.Info("interview completed naturally",
			zap.String("session_id", sessionID),
			zap.Int("questions_asked", sess.QuestionsAsked),
			zap.Int("topics_covered", len(sess.TopicsCovered)))
		if s.notifier != nil {
			s.notifier.NotifySessionCompleted(rec.TenantID, rec.ID, rec.CampaignID, rec.CompletionReason)
		}
	}

	// The turn is committed; a usage-commit failure is surfaced distinctly so
	// billing integrity problems are never silent.
	if err := acc.CommitTo(ctx, s.ledger, rec.TenantID); err != nil {
		s.logger.Error("usage commit failed for interview turn",
			zap.String("session_id", sessionID), zap.Error(err))
		return out.Reply, sess, err
	}
	return out.Reply, sess, nil
}

// ForceComplete is the facilitator override. Completing an already-completed
// session is a no-op returning the existing result, timestamps included.
func (s *Service) ForceComplete(ctx context.Context, sessionID string) (*Session, error) {
	if !s.acquire(sessionID) {
		return nil, faults.New(faults.KindConflict, "interview_turn_in_progress",
			"another turn is already in progress for this interview")
	}
	defer s.release(sessionID)

	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "interview_load", "failed to load interview session", err)
	}
	if rec == nil {
		return nil, faults.Newf(faults.KindConflict, "interview_not_found",
			"interview session %q does not exist", sessionID)
	}
	if rec.Completed {
		return fromRecord(rec), nil
	}

	now := s.now().UTC()
	rec.Phase = string(PhaseCompleted)
	rec.Completed = true
	rec.CompletionReason = string(ReasonFacilitatorOverride)
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	if err := s.store.UpdateSession(ctx, rec); err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "interview_persist",
			"failed to persist interview completion", err)
	}

	metrics.InterviewCompletionsTotal.WithLabelValues(string(ReasonFacilitatorOverride)).Inc()
	s.logger.Info("interview completed by facilitator override",
		zap.String("session_id", sessionID))
	if s.notifier != nil {
		s.notifier.NotifySessionCompleted(rec.TenantID, rec.ID, rec.CampaignID, rec.CompletionReason)
	}
	return fromRecord(rec), nil
}

func (s *Service) acquire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[sessionID] {
		return false
	}
	s.inflight[sessionID] = true
	return true
}

func (s *Service) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, sessionID)
}

// parseAgentOutput decodes the model's structured turn. Anything that is not
// the expected JSON object with a non-empty reply is an invalid-response
// fault, which the retry policy treats as retryable.
func parseAgentOutput(text string) (agentOutput, error) {
	var out agentOutput
	trimmed := strings.TrimSpace(text)
	// Tolerate fenced output; the contract asks for bare JSON but models drift.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &out); err != nil {
		return agentOutput{}, faults.Wrap(faults.KindInvalidResponse, "interview_parse",
			"the agent returned an unreadable turn", err)
	}
	if out.Reply == "" {
		return agentOutput{}, faults.New(faults.KindInvalidResponse, "interview_empty_reply",
			"the agent returned an empty reply")
	}
	return out, nil
}

func fromRecord(rec *db.SessionRecord) *Session {
	sess := &Session{
		ID:               rec.ID,
		TenantID:         rec.TenantID,
		CampaignID:       rec.CampaignID,
		ParticipantID:    rec.ParticipantID,
		Phase:            Phase(rec.Phase),
		TopicsCovered:    rec.TopicsCovered,
		QuestionsAsked:   rec.QuestionsAsked,
		Completed:        rec.Completed,
		CompletionReason: CompletionReason(rec.CompletionReason),
		CompletedAt:      rec.CompletedAt,
	}
	for _, t := range rec.Turns {
		sess.Transcript = append(sess.Transcript, Turn{
			Role: t.Role, Content: t.Content, Timestamp: t.Timestamp,
		})
	}
	return sess
}
