package db

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec := &SessionRecord{
		ID:            "sess-1",
		TenantID:      "tenant-1",
		CampaignID:    "camp-1",
		ParticipantID: "part-1",
		Phase:         "introduction",
		TopicsCovered: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
		Turns: []TurnRecord{
			{Role: "agent", Content: "Welcome! What does your team do?", Timestamp: now},
		},
	}
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("GetSession returned nil for existing session")
	}
	if got.Phase != "introduction" || got.CampaignID != "camp-1" {
		t.Errorf("unexpected session: %+v", got)
	}
	if len(got.Turns) != 1 || got.Turns[0].Role != "agent" {
		t.Errorf("unexpected turns: %+v", got.Turns)
	}
}

func TestGetSessionAbsent(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent session, got %+v", got)
	}
}

func TestAppendTurnsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &SessionRecord{
		ID: "sess-2", TenantID: "t", CampaignID: "c", Phase: "introduction",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec.Phase = "exploring"
	rec.QuestionsAsked = 1
	rec.TopicsCovered = []string{"workflow"}
	turns := []TurnRecord{
		{Role: "participant", Content: "We ship weekly.", Timestamp: now},
		{Role: "agent", Content: "How do you decide what ships?", Timestamp: now},
	}
	if err := s.AppendTurns(ctx, rec, turns); err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-2")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Phase != "exploring" || got.QuestionsAsked != 1 {
		t.Errorf("derived fields not updated: %+v", got)
	}
	if len(got.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got.Turns))
	}
	if got.Turns[0].Content != "We ship weekly." {
		t.Errorf("turn order wrong: %+v", got.Turns)
	}
	if len(got.TopicsCovered) != 1 || got.TopicsCovered[0] != "workflow" {
		t.Errorf("topics not persisted: %v", got.TopicsCovered)
	}
}

func TestListCompletedSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, completed := range []bool{true, false, true} {
		id := string(rune('a' + i))
		rec := &SessionRecord{
			ID: "sess-" + id, TenantID: "t", CampaignID: "camp-x",
			Phase: "completed", Completed: completed,
			CreatedAt: now.Add(time.Duration(i) * time.Second), UpdatedAt: now,
		}
		if err := s.CreateSession(ctx, rec); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	got, err := s.ListCompletedSessions(ctx, "camp-x")
	if err != nil {
		t.Fatalf("ListCompletedSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 completed sessions, got %d", len(got))
	}
}

func TestTryStartJobSingleFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := s.TryStartJob(ctx, &SynthesisJobRecord{
		ID: "job-1", CampaignID: "camp-1", TenantID: "t", Tier: "standard", StartedAt: now,
	})
	if err != nil {
		t.Fatalf("TryStartJob: %v", err)
	}
	if !ok {
		t.Fatal("first TryStartJob should succeed")
	}

	ok, err = s.TryStartJob(ctx, &SynthesisJobRecord{
		ID: "job-2", CampaignID: "camp-1", TenantID: "t", Tier: "standard", StartedAt: now,
	})
	if err != nil {
		t.Fatalf("second TryStartJob: %v", err)
	}
	if ok {
		t.Fatal("second TryStartJob should lose the race")
	}

	// A different campaign is unaffected.
	ok, err = s.TryStartJob(ctx, &SynthesisJobRecord{
		ID: "job-3", CampaignID: "camp-2", TenantID: "t", Tier: "standard", StartedAt: now,
	})
	if err != nil || !ok {
		t.Fatalf("other campaign should acquire: ok=%v err=%v", ok, err)
	}

	// Finalizing releases the marker.
	fin := now.Add(time.Minute)
	if err := s.FinalizeJob(ctx, &SynthesisJobRecord{
		ID: "job-1", Status: "failed", LastErrorKind: "network",
		LastError: "upstream unavailable", FinishedAt: &fin,
	}); err != nil {
		t.Fatalf("FinalizeJob: %v", err)
	}
	ok, err = s.TryStartJob(ctx, &SynthesisJobRecord{
		ID: "job-4", CampaignID: "camp-1", TenantID: "t", Tier: "standard", StartedAt: now,
	})
	if err != nil || !ok {
		t.Fatalf("released campaign should acquire: ok=%v err=%v", ok, err)
	}
}

func TestFinalizeJobPersistsDimensions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if ok, err := s.TryStartJob(ctx, &SynthesisJobRecord{
		ID: "job-d", CampaignID: "camp-d", TenantID: "t", Tier: "premium", StartedAt: now,
	}); err != nil || !ok {
		t.Fatalf("TryStartJob: ok=%v err=%v", ok, err)
	}

	fin := now.Add(2 * time.Minute)
	rec := &SynthesisJobRecord{
		ID: "job-d", Status: "succeeded",
		ExecutiveSummary: "Strong delivery culture, weak measurement.",
		Themes:           []string{"delivery", "measurement"},
		Recommendations:  []string{"instrument deploys"},
		FinishedAt:       &fin,
		Dimensions: []DimensionResultRecord{
			{Dimension: "collaboration", Score: 3.5, Confidence: "high",
				Findings: []string{"pairs daily"}, SupportingQuotes: []string{"we pair every morning"},
				GapToNext: "cross-team reviews", Priority: "important"},
			{Dimension: "automation", Score: 2.0, Confidence: "medium",
				Findings: []string{"manual releases"}, Priority: "critical"},
		},
	}
	if err := s.FinalizeJob(ctx, rec); err != nil {
		t.Fatalf("FinalizeJob: %v", err)
	}

	got, err := s.LatestJob(ctx, "camp-d")
	if err != nil {
		t.Fatalf("LatestJob: %v", err)
	}
	if got == nil || got.Status != "succeeded" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if len(got.Dimensions) != 2 {
		t.Fatalf("expected 2 dimensions, got %d", len(got.Dimensions))
	}
	if got.Dimensions[0].Dimension != "collaboration" || got.Dimensions[0].Score != 3.5 {
		t.Errorf("unexpected dimension: %+v", got.Dimensions[0])
	}

	n, err := s.CountSucceededJobs(ctx, "camp-d")
	if err != nil || n != 1 {
		t.Errorf("CountSucceededJobs = %d, %v; want 1", n, err)
	}
}

func TestUsageLedgerCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if _, err := s.EnsureTenant(ctx, "t-1", "standard", now); err != nil {
		t.Fatalf("EnsureTenant: %v", err)
	}

	led := &UsageLedgerRecord{
		TenantID: "t-1", PeriodStart: now, PeriodEnd: now.AddDate(0, 1, 0),
		QuotaLimit: 1_000_000,
	}
	if err := s.InsertUsageLedger(ctx, led); err != nil {
		t.Fatalf("InsertUsageLedger: %v", err)
	}

	led.CumulativeTokens = 500
	led.CumulativeCostCents = 12
	led.NotifiedThresholds = []int{75}
	ok, err := s.UpdateUsageLedgerCAS(ctx, led, 0)
	if err != nil {
		t.Fatalf("UpdateUsageLedgerCAS: %v", err)
	}
	if !ok {
		t.Fatal("CAS with correct version should succeed")
	}
	if led.Version != 1 {
		t.Errorf("version = %d, want 1", led.Version)
	}

	// Stale version loses.
	ok, err = s.UpdateUsageLedgerCAS(ctx, led, 0)
	if err != nil {
		t.Fatalf("stale CAS: %v", err)
	}
	if ok {
		t.Fatal("CAS with stale version should fail")
	}

	got, err := s.GetUsageLedger(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetUsageLedger: %v", err)
	}
	if got.CumulativeTokens != 500 || got.CumulativeCostCents != 12 {
		t.Errorf("counters not persisted: %+v", got)
	}
	if len(got.NotifiedThresholds) != 1 || got.NotifiedThresholds[0] != 75 {
		t.Errorf("thresholds not persisted: %v", got.NotifiedThresholds)
	}
}

func TestEnsureTenantIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	anchor := time.Now().UTC().Truncate(time.Second)

	a, err := s.EnsureTenant(ctx, "t-2", "premium", anchor)
	if err != nil {
		t.Fatalf("EnsureTenant: %v", err)
	}
	b, err := s.EnsureTenant(ctx, "t-2", "standard", anchor.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("EnsureTenant second call: %v", err)
	}
	if b.Tier != a.Tier {
		t.Errorf("second EnsureTenant changed tier: %q -> %q", a.Tier, b.Tier)
	}
}

func TestQuotaOverride(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureTenant(ctx, "t-3", "standard", time.Now().UTC()); err != nil {
		t.Fatalf("EnsureTenant: %v", err)
	}
	override := int64(2_500_000)
	if err := s.SetTenantQuotaOverride(ctx, "t-3", &override); err != nil {
		t.Fatalf("SetTenantQuotaOverride: %v", err)
	}
	got, err := s.EnsureTenant(ctx, "t-3", "standard", time.Now().UTC())
	if err != nil {
		t.Fatalf("EnsureTenant reload: %v", err)
	}
	if got.QuotaOverride == nil || *got.QuotaOverride != override {
		t.Errorf("override not persisted: %+v", got.QuotaOverride)
	}

	if err := s.SetTenantQuotaOverride(ctx, "missing", &override); err == nil {
		t.Error("expected error for unknown tenant")
	}
}

func TestUsageEventsSurviveQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i, op := range []string{"interview_turn", "synthesis_run"} {
		ev := &UsageEventRecord{
			TenantID: "t-4", Operation: op, Tokens: int64(100 * (i + 1)),
			CostCents: int64(i + 1), RecordedAt: now.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendUsageEvent(ctx, ev); err != nil {
			t.Fatalf("AppendUsageEvent: %v", err)
		}
		if ev.ID == 0 {
			t.Error("event ID not assigned")
		}
	}

	evs, err := s.QueryUsageEvents(ctx, "t-4", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryUsageEvents: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Operation != "interview_turn" {
		t.Errorf("events out of order: %+v", evs)
	}
}

func TestNotificationLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		status := "sent"
		if i == 1 {
			status = "failed"
		}
		rec := &NotificationRecord{
			Kind: "usage_threshold", TenantID: "t-5", Channel: "email",
			Status: status, Payload: `{"threshold":75}`,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendNotification(ctx, rec); err != nil {
			t.Fatalf("AppendNotification: %v", err)
		}
	}

	recs, err := s.QueryNotifications(ctx, "t-5", 2)
	if err != nil {
		t.Fatalf("QueryNotifications: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records with limit, got %d", len(recs))
	}
	if recs[0].CreatedAt.Before(recs[1].CreatedAt) {
		t.Error("expected newest first ordering")
	}
}
