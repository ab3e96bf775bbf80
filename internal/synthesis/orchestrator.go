package synthesis

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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

// DefaultMaxParallel bounds concurrent dimension calls within one run.
const DefaultMaxParallel = 3

// Store is the persistence surface the orchestrator needs.
type Store interface {
	db.SessionStore
	db.SynthesisStore
}

// FinishNotifier announces terminal runs. Fire-and-forget.
type FinishNotifier interface {
	NotifySynthesisFinished(tenantID, campaignID, jobID, status string)
}

// Orchestrator runs synthesis jobs with single-flight per campaign.
type Orchestrator struct {
	store       Store
	gw          gateway.Gateway
	book        pricing.PriceBook
	ledger      *usage.Ledger
	notifier    FinishNotifier
	retry       *retry.Policy
	maxParallel int
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

// OrchestratorOption mutates an Orchestrator during construction.
type OrchestratorOption func(*Orchestrator)

// WithFinishNotifier sets the terminal-state sink.
func WithFinishNotifier(n FinishNotifier) OrchestratorOption {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithRetryPolicy overrides the per-call retry policy.
func WithRetryPolicy(p *retry.Policy) OrchestratorOption { return func(o *Orchestrator) { o.retry = p } }

// WithMaxParallel bounds concurrent dimension calls.
func WithMaxParallel(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxParallel = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(lg *zap.Logger) OrchestratorOption { return func(o *Orchestrator) { o.logger = lg } }

// WithClock injects the time source.
func WithClock(now func() time.Time) OrchestratorOption { return func(o *Orchestrator) { o.now = now } }

// NewOrchestrator builds a synthesis orchestrator.
func NewOrchestrator(store Store, gw gateway.Gateway, book pricing.PriceBook, ledger *usage.Ledger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		gw:          gw,
		book:        book,
		ledger:      ledger,
		retry:       retry.DefaultPolicy(),
		maxParallel: DefaultMaxParallel,
		logger:      zap.NewNop(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run produces a report for the campaign at the given tier. With a run already
// in flight for the campaign, it returns that job's handle instead of starting
// a second one. A campaign with no completed interviews fails before any model
// call. On a failed run the returned job carries whatever dimension results
// succeeded, alongside the classifying error.
func (o *Orchestrator) Run(ctx context.Context, campaignID string, t tier.Tier) (*Job, error) {
	spec, err := tier.Lookup(t)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "synthesis_tier", "invalid synthesis tier", err)
	}

	sessions, err := o.store.ListCompletedSessions(ctx, campaignID)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "synthesis_load",
			"failed to load campaign interviews", err)
	}
	if len(sessions) == 0 {
		return nil, faults.Newf(faults.KindNoInterviews, "synthesis_no_interviews",
			"campaign %q has no completed interviews to synthesize", campaignID)
	}

	succeededBefore, err := o.store.CountSucceededJobs(ctx, campaignID)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "synthesis_load",
			"failed to load campaign history", err)
	}

	now := o.now().UTC()
	rec := &db.SynthesisJobRecord{
		ID:                o.newID(),
		CampaignID:        campaignID,
		TenantID:          sessions[0].TenantID,
		Tier:              string(t),
		StartedAt:         now,
		RegenerationCount: succeededBefore,
	}
	if succeededBefore > 0 {
		rec.RegeneratedAt = &now
	}

	ok, err := o.store.TryStartJob(ctx, rec)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "synthesis_acquire",
			"failed to acquire the synthesis run for this campaign", err)
	}
	if !ok {
		running, err := o.store.GetRunningJob(ctx, campaignID)
		if err != nil {
			return nil, faults.Wrap(faults.KindDatabase, "synthesis_load",
				"failed to load the in-flight synthesis run", err)
		}
		if running != nil {
			return jobFromRecord(running), nil
		}
		// The holder finished between our attempt and the lookup; surface a
		// conflict rather than racing for a second acquire.
		return nil, faults.New(faults.KindConflict, "synthesis_contended",
			"another synthesis run just finished for this campaign, try again")
	}

	// The marker is held; the run must reach a terminal state and release it
	// even if the request that started it disconnects mid-run.
	return o.execute(context.WithoutCancel(ctx), rec, sessions, spec)
}

// RecoverOrphans releases single-flight markers left behind by a crash: any
// job still recorded as running at startup is finalized as failed, freeing
// its campaign for a fresh run. Called once before the server starts.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) error {
	orphans, err := o.store.ListRunningJobs(ctx)
	if err != nil {
		return faults.Wrap(faults.KindDatabase, "synthesis_recover",
			"failed to scan for interrupted synthesis runs", err)
	}
	for _, rec := range orphans {
		now := o.now().UTC()
		rec.Status = string(StatusFailed)
		rec.LastErrorKind = string(faults.KindInternal)
		rec.LastError = "the synthesis run was interrupted by a service restart"
		rec.FinishedAt = &now
		if err := o.store.FinalizeJob(ctx, rec); err != nil {
			return faults.Wrap(faults.KindDatabase, "synthesis_recover",
				"failed to release an interrupted synthesis run", err)
		}
		metrics.SynthesisJobsTotal.WithLabelValues(rec.Tier, rec.Status).Inc()
		o.logger.Warn("released interrupted synthesis run",
			zap.String("campaign_id", rec.CampaignID),
			zap.String("job_id", rec.ID))
	}
	return nil
}

// Status returns the most recent job for the campaign, or nil when the
// campaign has never run.
func (o *Orchestrator) Status(ctx context.Context, campaignID string) (*Job, error) {
	rec, err := o.store.LatestJob(ctx, campaignID)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "synthesis_load",
			"failed to load synthesis status", err)
	}
	if rec == nil {
		return nil, nil
	}
	return jobFromRecord(rec), nil
}

func (o *Orchestrator) execute(ctx context.Context, rec *db.SynthesisJobRecord, sessions []*db.SessionRecord, spec tier.ModelSpec) (*Job, error) {
	acc := usage.NewAccumulator(o.book, "synthesis_run")
	transcripts := renderTranscripts(sessions)
	var retries atomic.Int64

	// call runs one model call with parse inside the retry closure, so a
	// malformed response is retried like any other retryable fault instead of
	// failing the run on the first bad output.
	call := func(ctx context.Context, system, prompt string, parse func(text string) error) error {
		attempts := 0
		return o.retry.Do(ctx, func() error {
			attempts++
			if attempts > 1 {
				retries.Add(1)
			}
			comp, err := o.gw.Complete(ctx, types.CompletionRequest{
				ModelID: spec.ModelID,
				System:  system,
				Prompt:  prompt,
			})
			if err != nil {
				return err
			}
			if rerr := acc.Record(ctx, spec.ModelID, comp.TokensIn, comp.TokensOut); rerr != nil {
				return rerr
			}
			return parse(comp.Text)
		})
	}

	// Dimension fan-out with bounded parallelism. Each goroutine owns one
	// result slot; a failure cancels the siblings but already-filled slots
	// survive as partial results.
	results := make([]*DimensionResult, len(Dimensions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxParallel)
	for i, dim := range Dimensions {
		i, dim := i, dim
		g.Go(func() error {
			return call(gctx, dimensionSystemPrompt, dimensionPrompt(dim, transcripts), func(text string) error {
				res, err := parseDimension(dim, text)
				if err != nil {
					return err
				}
				results[i] = &res
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return o.fail(ctx, rec, collect(results), acc, err)
	}
	dims := collect(results)

	// Aggregates depend on every dimension; they run only after the fan-out.
	var summary string
	if err := call(ctx, aggregateSystemPrompt, summaryPrompt(dims, transcripts), func(text string) error {
		s, perr := parseSummary(text)
		if perr != nil {
			return perr
		}
		summary = s
		return nil
	}); err != nil {
		return o.fail(ctx, rec, dims, acc, err)
	}

	var themes []string
	if err := call(ctx, aggregateSystemPrompt, themesPrompt(dims, transcripts), func(text string) error {
		list, perr := parseStringList("synthesis_themes", text)
		if perr != nil {
			return perr
		}
		themes = list
		return nil
	}); err != nil {
		return o.fail(ctx, rec, dims, acc, err)
	}

	var recommendations []string
	if err := call(ctx, aggregateSystemPrompt, recommendationsPrompt(dims, transcripts), func(text string) error {
		list, perr := parseStringList("synthesis_recommendations", text)
		if perr != nil {
			return perr
		}
		recommendations = list
		return nil
	}); err != nil {
		return o.fail(ctx, rec, dims, acc, err)
	}

	now := o.now().UTC()
	rec.Status = string(StatusSucceeded)
	rec.Dimensions = toRecords(rec.ID, dims)
	rec.ExecutiveSummary = summary
	rec.Themes = themes
	rec.Recommendations = recommendations
	rec.RetryCount = int(retries.Load())
	rec.FinishedAt = &now
	if err := o.store.FinalizeJob(ctx, rec); err != nil {
		return o.fail(ctx, rec, dims, acc, faults.Wrap(faults.KindDatabase, "synthesis_persist",
			"failed to persist the finished report", err))
	}

	o.finish(ctx, rec, acc)
	o.logger.Info("synthesis succeeded",
		zap.String("campaign_id", rec.CampaignID),
		zap.String("job_id", rec.ID),
		zap.Int("retries", rec.RetryCount),
		zap.Duration("duration", now.Sub(rec.StartedAt)))
	return jobFromRecord(rec), nil
}

// fail moves the job to failed, keeping partial dimension results for
// diagnostics, and still bills the calls the run made.
func (o *Orchestrator) fail(ctx context.Context, rec *db.SynthesisJobRecord, partial []DimensionResult, acc *usage.Accumulator, cause error) (*Job, error) {
	now := o.now().UTC()
	rec.Status = string(StatusFailed)
	rec.Dimensions = toRecords(rec.ID, partial)
	rec.LastErrorKind = string(faults.KindOf(cause))
	rec.LastError = faults.UserMessage(cause)
	rec.FinishedAt = &now
	if err := o.store.FinalizeJob(ctx, rec); err != nil {
		o.logger.Error("failed to persist failed synthesis job",
			zap.String("job_id", rec.ID), zap.Error(err))
	}
	o.finish(ctx, rec, acc)
	o.logger.Warn("synthesis failed",
		zap.String("campaign_id", rec.CampaignID),
		zap.String("job_id", rec.ID),
		zap.String("error_kind", rec.LastErrorKind),
		zap.Error(cause))
	return jobFromRecord(rec), cause
}

// finish handles the bookkeeping every terminal path shares: one usage commit
// (failed runs still bill their calls), metrics, and the completion
// notification.
func (o *Orchestrator) finish(ctx context.Context, rec *db.SynthesisJobRecord, acc *usage.Accumulator) {
	if err := acc.CommitTo(ctx, o.ledger, rec.TenantID); err != nil {
		o.logger.Error("usage commit failed for synthesis run",
			zap.String("job_id", rec.ID),
			zap.String("tenant_id", rec.TenantID),
			zap.Error(err))
	}
	metrics.SynthesisJobsTotal.WithLabelValues(rec.Tier, rec.Status).Inc()
	if rec.FinishedAt != nil {
		metrics.SynthesisJobDuration.WithLabelValues(rec.Tier).
			Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())
	}
	if o.notifier != nil {
		o.notifier.NotifySynthesisFinished(rec.TenantID, rec.CampaignID, rec.ID, rec.Status)
	}
}

func collect(results []*DimensionResult) []DimensionResult {
	var out []DimensionResult
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func toRecords(jobID string, dims []DimensionResult) []db.DimensionResultRecord {
	out := make([]db.DimensionResultRecord, 0, len(dims))
	for _, d := range dims {
		out = append(out, db.DimensionResultRecord{
			JobID:            jobID,
			Dimension:        d.Dimension,
			Score:            d.Score,
			Confidence:       string(d.Confidence),
			Findings:         d.Findings,
			SupportingQuotes: d.SupportingQuotes,
			GapToNext:        d.GapToNext,
			Priority:         string(d.Priority),
		})
	}
	return out
}

func jobFromRecord(rec *db.SynthesisJobRecord) *Job {
	job := &Job{
		ID:                rec.ID,
		CampaignID:        rec.CampaignID,
		TenantID:          rec.TenantID,
		Tier:              rec.Tier,
		Status:            Status(rec.Status),
		ExecutiveSummary:  rec.ExecutiveSummary,
		Themes:            rec.Themes,
		Recommendations:   rec.Recommendations,
		RetryCount:        rec.RetryCount,
		LastErrorKind:     rec.LastErrorKind,
		LastError:         rec.LastError,
		StartedAt:         rec.StartedAt,
		FinishedAt:        rec.FinishedAt,
		RegeneratedAt:     rec.RegeneratedAt,
		RegenerationCount: rec.RegenerationCount,
	}
	for _, d := range rec.Dimensions {
		job.Dimensions = append(job.Dimensions, DimensionResult{
			Dimension:        d.Dimension,
			Score:            d.Score,
			Confidence:       Confidence(d.Confidence),
			Findings:         d.Findings,
			SupportingQuotes: d.SupportingQuotes,
			GapToNext:        d.GapToNext,
			Priority:         Priority(d.Priority),
		})
	}
	return job
}
