package synthesis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chorusinsights/chorus-ai/internal/db"
	"github.com/chorusinsights/chorus-ai/internal/faults"
	"github.com/chorusinsights/chorus-ai/internal/llm/types"
	"github.com/chorusinsights/chorus-ai/internal/pricing"
	"github.com/chorusinsights/chorus-ai/internal/retry"
	"github.com/chorusinsights/chorus-ai/internal/tier"
	"github.com/chorusinsights/chorus-ai/internal/usage"
)

const validDimensionJSON = `{"score": 3.5, "confidence": "high",
 "findings": ["pairs daily"], "supporting_quotes": ["we pair every morning"],
 "gap_to_next": "cross-team reviews", "priority": "important"}`

// fakeModel answers by inspecting the prompt: dimension calls get structured
// scores, aggregate calls get their expected shapes. Behavior per dimension is
// tweakable for failure-path tests.
type fakeModel struct {
	mu           sync.Mutex
	calls        int
	failDim      string         // this dimension always fails with a network fault
	invalidUntil map[string]int // dimension -> invalid responses before a valid one
	served       map[string]int
	entered      chan struct{}
	gate         chan struct{}
}

func (m *fakeModel) Complete(_ context.Context, req types.CompletionRequest) (*types.Completion, error) {
	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if strings.HasPrefix(req.Prompt, "Dimension to score: ") {
		dim := strings.TrimPrefix(strings.SplitN(req.Prompt, "\n", 2)[0], "Dimension to score: ")
		if dim == m.failDim {
			return nil, faults.New(faults.KindNetwork, "gateway_upstream", "provider unavailable")
		}
		if m.served == nil {
			m.served = make(map[string]int)
		}
		m.served[dim]++
		if m.invalidUntil[dim] >= m.served[dim] {
			return &types.Completion{Text: "not json at all", TokensIn: 100, TokensOut: 50}, nil
		}
		return &types.Completion{Text: validDimensionJSON, TokensIn: 100, TokensOut: 50}, nil
	}

	switch {
	case strings.HasPrefix(req.Prompt, "Write a concise executive summary"):
		return &types.Completion{Text: "A solid organization with clear growth areas.", TokensIn: 100, TokensOut: 50}, nil
	case strings.HasPrefix(req.Prompt, "List the cross-stakeholder themes"):
		return &types.Completion{Text: `["delivery pressure", "tooling gaps"]`, TokensIn: 100, TokensOut: 50}, nil
	case strings.HasPrefix(req.Prompt, "List prioritized recommendations"):
		return &types.Completion{Text: `["automate releases", "define metrics"]`, TokensIn: 100, TokensOut: 50}, nil
	}
	return nil, fmt.Errorf("unexpected prompt: %q", req.Prompt)
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func fastRetry() *retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func newTestOrchestrator(t *testing.T, gw *fakeModel, opts ...OrchestratorOption) (*Orchestrator, db.Store) {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ledger := usage.NewLedger(store)
	opts = append([]OrchestratorOption{WithRetryPolicy(fastRetry())}, opts...)
	return NewOrchestrator(store, gw, pricing.NewStaticPriceBook(), ledger, opts...), store
}

func seedCompletedSession(t *testing.T, store db.Store, campaignID, sessionID string) {
	t.Helper()
	now := time.Now().UTC()
	done := now
	rec := &db.SessionRecord{
		ID: sessionID, TenantID: "tenant-1", CampaignID: campaignID,
		ParticipantID: "p-" + sessionID, Phase: "completed", Completed: true,
		CompletionReason: "natural", CompletedAt: &done,
		CreatedAt: now, UpdatedAt: now,
		Turns: []db.TurnRecord{
			{Role: "agent", Content: "How does your team work?", Timestamp: now},
			{Role: "participant", Content: "We pair every morning and ship weekly.", Timestamp: now},
		},
	}
	if err := store.CreateSession(context.Background(), rec); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestRunWithoutInterviewsFailsBeforeAnyModelCall(t *testing.T) {
	gw := &fakeModel{}
	o, _ := newTestOrchestrator(t, gw)

	_, err := o.Run(context.Background(), "empty-camp", tier.Standard)
	if faults.KindOf(err) != faults.KindNoInterviews {
		t.Fatalf("kind = %v, want no_interviews", faults.KindOf(err))
	}
	if faults.Retryable(err) {
		t.Error("no-interviews must be non-retryable")
	}
	if gw.callCount() != 0 {
		t.Errorf("gateway called %d times, want 0", gw.callCount())
	}
}

func TestRunProducesFullReport(t *testing.T) {
	gw := &fakeModel{}
	o, store := newTestOrchestrator(t, gw)
	seedCompletedSession(t, store, "camp-1", "s1")
	seedCompletedSession(t, store, "camp-1", "s2")

	job, err := o.Run(context.Background(), "camp-1", tier.Premium)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", job.Status)
	}
	if len(job.Dimensions) != len(Dimensions) {
		t.Errorf("dimensions = %d, want %d", len(job.Dimensions), len(Dimensions))
	}
	if job.ExecutiveSummary == "" || len(job.Themes) == 0 || len(job.Recommendations) == 0 {
		t.Errorf("aggregate sections missing: %+v", job)
	}
	if job.FinishedAt == nil {
		t.Error("finishedAt not set")
	}
	// 6 dimension calls + 3 aggregate calls.
	if gw.callCount() != len(Dimensions)+3 {
		t.Errorf("gateway calls = %d, want %d", gw.callCount(), len(Dimensions)+3)
	}

	// One usage commit covering every call of the run.
	led, err := store.GetUsageLedger(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("GetUsageLedger: %v", err)
	}
	wantTokens := int64((len(Dimensions) + 3) * 150)
	if led == nil || led.CumulativeTokens != wantTokens {
		t.Errorf("ledger tokens = %+v, want %d", led, wantTokens)
	}
	evs, err := store.QueryUsageEvents(context.Background(), "tenant-1",
		time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryUsageEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].Operation != "synthesis_run" {
		t.Errorf("expected a single synthesis_run usage event, got %+v", evs)
	}
}

func TestInvalidResponseRetriedWithinRun(t *testing.T) {
	gw := &fakeModel{invalidUntil: map[string]int{"automation": 1}}
	o, store := newTestOrchestrator(t, gw)
	seedCompletedSession(t, store, "camp-1", "s1")

	job, err := o.Run(context.Background(), "camp-1", tier.Standard)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", job.Status)
	}
	if job.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", job.RetryCount)
	}
	if gw.callCount() != len(Dimensions)+3+1 {
		t.Errorf("gateway calls = %d, want %d", gw.callCount(), len(Dimensions)+4)
	}
}

func TestRetryExhaustionFailsJobKeepsPartialResults(t *testing.T) {
	gw := &fakeModel{failDim: "measurement"}
	o, store := newTestOrchestrator(t, gw, WithMaxParallel(1))
	seedCompletedSession(t, store, "camp-1", "s1")

	job, err := o.Run(context.Background(), "camp-1", tier.Standard)
	if err == nil {
		t.Fatal("expected error on retry exhaustion")
	}
	if faults.KindOf(err) != faults.KindNetwork {
		t.Errorf("kind = %v, want network", faults.KindOf(err))
	}
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.LastErrorKind != "network" {
		t.Errorf("lastErrorKind = %q", job.LastErrorKind)
	}
	// With serial execution, the dimensions before the failing one succeeded
	// and must be preserved.
	if len(job.Dimensions) == 0 || len(job.Dimensions) >= len(Dimensions) {
		t.Errorf("partial results = %d dimensions", len(job.Dimensions))
	}

	persisted, err := o.Status(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if persisted.Status != StatusFailed || len(persisted.Dimensions) != len(job.Dimensions) {
		t.Errorf("persisted job diverges: %+v", persisted)
	}

	// The failed run still bills the calls it made.
	led, err := store.GetUsageLedger(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("GetUsageLedger: %v", err)
	}
	if led == nil || led.CumulativeTokens == 0 {
		t.Error("failed run must bill its completed calls")
	}

	// The single-flight marker is released: a new run can start.
	gw2 := &fakeModel{}
	o2 := NewOrchestrator(store, gw2, pricing.NewStaticPriceBook(),
		usage.NewLedger(store), WithRetryPolicy(fastRetry()))
	job2, err := o2.Run(context.Background(), "camp-1", tier.Standard)
	if err != nil {
		t.Fatalf("rerun after failure: %v", err)
	}
	if job2.Status != StatusSucceeded {
		t.Errorf("rerun status = %s", job2.Status)
	}
}

func TestSingleFlightReturnsInFlightHandle(t *testing.T) {
	gw := &fakeModel{
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	o, store := newTestOrchestrator(t, gw, WithMaxParallel(1))
	seedCompletedSession(t, store, "camp-1", "s1")

	type result struct {
		job *Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		job, err := o.Run(context.Background(), "camp-1", tier.Standard)
		done <- result{job, err}
	}()
	<-gw.entered // first run is inside its first model call

	callsBefore := gw.callCount()
	handle, err := o.Run(context.Background(), "camp-1", tier.Standard)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if handle.Status != StatusRunning {
		t.Errorf("second Run status = %s, want running handle", handle.Status)
	}
	if gw.callCount() != callsBefore {
		t.Error("second Run must not issue model calls")
	}

	close(gw.gate)
	r := <-done
	if r.err != nil {
		t.Fatalf("first run failed: %v", r.err)
	}
	if r.job.Status != StatusSucceeded {
		t.Errorf("first run status = %s", r.job.Status)
	}
	if handle.ID != r.job.ID {
		t.Errorf("handle job id %s != running job id %s", handle.ID, r.job.ID)
	}
}

func TestRunReachesTerminalStateAfterCallerDisconnects(t *testing.T) {
	gw := &fakeModel{
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	o, store := newTestOrchestrator(t, gw, WithMaxParallel(1))
	seedCompletedSession(t, store, "camp-1", "s1")

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		job *Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		job, err := o.Run(ctx, "camp-1", tier.Standard)
		done <- result{job, err}
	}()
	<-gw.entered
	// The request that started the run goes away mid-call.
	cancel()
	close(gw.gate)

	r := <-done
	if r.err != nil {
		t.Fatalf("Run after caller disconnect: %v", r.err)
	}
	if r.job.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", r.job.Status)
	}

	// The single-flight marker must be released regardless of the caller.
	running, err := store.GetRunningJob(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("GetRunningJob: %v", err)
	}
	if running != nil {
		t.Errorf("running marker leaked: %+v", running)
	}
}

func TestRecoverOrphansReleasesStaleMarkers(t *testing.T) {
	gw := &fakeModel{}
	o, store := newTestOrchestrator(t, gw)
	seedCompletedSession(t, store, "camp-1", "s1")

	// A crash leaves a running row behind with no process working on it.
	stale := &db.SynthesisJobRecord{
		ID: "orphan-1", CampaignID: "camp-1", TenantID: "tenant-1",
		Tier: "standard", StartedAt: time.Now().UTC().Add(-time.Hour),
	}
	ok, err := store.TryStartJob(context.Background(), stale)
	if err != nil || !ok {
		t.Fatalf("TryStartJob: %v %v", ok, err)
	}

	if err := o.RecoverOrphans(context.Background()); err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}

	recovered, err := o.Status(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if recovered.Status != StatusFailed || recovered.LastError == "" {
		t.Errorf("orphan not finalized: %+v", recovered)
	}
	if recovered.FinishedAt == nil {
		t.Error("orphan finishedAt not set")
	}

	// The campaign can synthesize again.
	job, err := o.Run(context.Background(), "camp-1", tier.Standard)
	if err != nil {
		t.Fatalf("Run after recovery: %v", err)
	}
	if job.Status != StatusSucceeded {
		t.Errorf("post-recovery status = %s", job.Status)
	}
}

func TestRegenerationBookkeeping(t *testing.T) {
	gw := &fakeModel{}
	o, store := newTestOrchestrator(t, gw)
	seedCompletedSession(t, store, "camp-1", "s1")

	first, err := o.Run(context.Background(), "camp-1", tier.Standard)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.RegeneratedAt != nil || first.RegenerationCount != 0 {
		t.Errorf("first run should not be a regeneration: %+v", first)
	}

	second, err := o.Run(context.Background(), "camp-1", tier.Standard)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.RegeneratedAt == nil || second.RegenerationCount != 1 {
		t.Errorf("second run should be regeneration #1: regeneratedAt=%v count=%d",
			second.RegeneratedAt, second.RegenerationCount)
	}
}

func TestStatusUnknownCampaign(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeModel{})
	job, err := o.Status(context.Background(), "never-ran")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil status, got %+v", job)
	}
}

func TestParseDimensionRejectsBadOutput(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"prose", "a thoughtful essay"},
		{"missing score", `{"confidence": "high", "priority": "critical"}`},
		{"score out of range", `{"score": 7.1, "confidence": "high", "priority": "critical"}`},
		{"bad confidence", `{"score": 3, "confidence": "certain", "priority": "critical"}`},
		{"bad priority", `{"score": 3, "confidence": "high", "priority": "urgent"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseDimension("culture", tc.text)
			if err == nil {
				t.Fatal("expected parse error")
			}
			if faults.KindOf(err) != faults.KindInvalidResponse {
				t.Errorf("kind = %v, want invalid_response", faults.KindOf(err))
			}
			if !faults.Retryable(err) {
				t.Error("invalid response must be retryable")
			}
		})
	}

	got, err := parseDimension("culture", "```json\n"+validDimensionJSON+"\n```")
	if err != nil {
		t.Fatalf("fenced valid output rejected: %v", err)
	}
	if got.Score != 3.5 || got.Confidence != ConfidenceHigh {
		t.Errorf("unexpected result: %+v", got)
	}
}
