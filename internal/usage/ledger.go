package usage

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/chorusinsights/chorus-ai/internal/db"
	"github.com/chorusinsights/chorus-ai/internal/faults"
	"github.com/chorusinsights/chorus-ai/internal/metrics"
	"github.com/chorusinsights/chorus-ai/internal/tier"
)

// DefaultThresholds are the quota percentages that trigger a notification,
// each at most once per billing period.
var DefaultThresholds = []int{75, 90, 100}

// DefaultQuotas are per-tier token limits per billing period.
var DefaultQuotas = map[tier.Tier]int64{
	tier.Standard:   1_000_000,
	tier.Premium:    5_000_000,
	tier.Enterprise: 20_000_000,
}

// maxCommitAttempts bounds the optimistic-concurrency retry loop. Losing this
// many races in a row means something is badly wrong with the store.
const maxCommitAttempts = 32

// ThresholdEvent describes one quota threshold crossing.
type ThresholdEvent struct {
	TenantID   string    `json:"tenant_id"`
	Threshold  int       `json:"threshold"` // percent
	Tokens     int64     `json:"tokens"`
	QuotaLimit int64     `json:"quota_limit"`
	CostCents  int64     `json:"cost_cents"`
	PeriodEnd  time.Time `json:"period_end"`
}

// ThresholdNotifier receives threshold crossings. Dispatch happens after the
// crossing is durably recorded, so delivery failures never cause a re-send in
// the same period.
type ThresholdNotifier interface {
	NotifyUsageThreshold(ctx context.Context, ev ThresholdEvent)
}

// Ledger maintains per-tenant billing-period totals. All mutation goes through
// a compare-and-swap on the stored row version: concurrent commits serialize,
// and exactly one of them observes each threshold crossing.
type Ledger struct {
	store      db.UsageStore
	notifier   ThresholdNotifier
	quotas     map[tier.Tier]int64
	thresholds []int
	now        func() time.Time
	logger     *zap.Logger
}

// LedgerOption mutates a Ledger during construction.
type LedgerOption func(*Ledger)

// WithNotifier sets the threshold notification sink.
func WithNotifier(n ThresholdNotifier) LedgerOption { return func(l *Ledger) { l.notifier = n } }

// WithQuotas overrides the per-tier token limits.
func WithQuotas(q map[tier.Tier]int64) LedgerOption { return func(l *Ledger) { l.quotas = q } }

// WithThresholds overrides the notification thresholds.
func WithThresholds(t []int) LedgerOption { return func(l *Ledger) { l.thresholds = t } }

// WithClock injects the time source (tests advance it across period ends).
func WithClock(now func() time.Time) LedgerOption { return func(l *Ledger) { l.now = now } }

// WithLogger sets the structured logger.
func WithLogger(lg *zap.Logger) LedgerOption { return func(l *Ledger) { l.logger = lg } }

// NewLedger builds a Ledger over the given store.
func NewLedger(store db.UsageStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:      store,
		quotas:     DefaultQuotas,
		thresholds: DefaultThresholds,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Commit adds one operation's totals to the tenant's current billing period.
// Threshold crossings are recorded in the same CAS write that moves the
// counters, then dispatched; a crossing is therefore observed by exactly one
// committer even under concurrency.
func (l *Ledger) Commit(ctx context.Context, tenantID, operation string, tokens, costCents int64) error {
	tn, err := l.store.EnsureTenant(ctx, tenantID, string(tier.Standard), startOfMonth(l.now().UTC()))
	if err != nil {
		metrics.UsageCommitFailures.Inc()
		return faults.Wrap(faults.KindUsageCommit, "usage_tenant",
			"usage could not be committed to the billing ledger", err)
	}
	quota := l.effectiveQuota(tn)

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		led, err := l.store.GetUsageLedger(ctx, tenantID)
		if err != nil {
			metrics.UsageCommitFailures.Inc()
			return faults.Wrap(faults.KindUsageCommit, "usage_load",
				"usage could not be committed to the billing ledger", err)
		}
		if led == nil {
			start, end := periodFor(tn.BillingAnchor, l.now().UTC())
			led = &db.UsageLedgerRecord{
				TenantID:           tenantID,
				PeriodStart:        start,
				PeriodEnd:          end,
				QuotaLimit:         quota,
				NotifiedThresholds: []int{},
			}
			if err := l.store.InsertUsageLedger(ctx, led); err != nil {
				// A concurrent committer may have created it; reload and retry.
				continue
			}
		}

		expected := led.Version
		l.rollForward(led, tn)
		led.QuotaLimit = quota
		led.CumulativeTokens += tokens
		led.CumulativeCostCents += costCents

		crossed := l.newlyCrossed(led)
		led.NotifiedThresholds = append(led.NotifiedThresholds, crossed...)

		ok, err := l.store.UpdateUsageLedgerCAS(ctx, led, expected)
		if err != nil {
			metrics.UsageCommitFailures.Inc()
			return faults.Wrap(faults.KindUsageCommit, "usage_write",
				"usage could not be committed to the billing ledger", err)
		}
		if !ok {
			continue // lost the race, reload and retry
		}

		if err := l.store.AppendUsageEvent(ctx, &db.UsageEventRecord{
			TenantID:   tenantID,
			Operation:  operation,
			Tokens:     tokens,
			CostCents:  costCents,
			RecordedAt: l.now().UTC(),
		}); err != nil {
			// The committed total is authoritative; the event row is history.
			l.logger.Warn("usage event append failed",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}

		metrics.UsageCostCentsTotal.WithLabelValues(tenantID).Add(float64(costCents))
		metrics.UsageQuotaPercent.WithLabelValues(tenantID).Set(percentOf(led.CumulativeTokens, led.QuotaLimit))
		l.dispatch(ctx, led, crossed)
		return nil
	}

	metrics.UsageCommitFailures.Inc()
	return faults.Newf(faults.KindUsageCommit, "usage_contention",
		"usage could not be committed to the billing ledger after %d attempts", maxCommitAttempts)
}

// Snapshot is a read-only view of the tenant's current period.
type Snapshot struct {
	TenantID           string    `json:"tenant_id"`
	PeriodStart        time.Time `json:"period_start"`
	PeriodEnd          time.Time `json:"period_end"`
	Tokens             int64     `json:"tokens"`
	CostCents          int64     `json:"cost_cents"`
	QuotaLimit         int64     `json:"quota_limit"`
	QuotaPercent       float64   `json:"quota_percent"`
	NotifiedThresholds []int     `json:"notified_thresholds"`
}

// Current returns the tenant's usage for the billing period containing now.
// A ledger row left over from an earlier period reads as zero usage; the row
// itself rolls forward on the next commit.
func (l *Ledger) Current(ctx context.Context, tenantID string) (*Snapshot, error) {
	tn, err := l.store.EnsureTenant(ctx, tenantID, string(tier.Standard), startOfMonth(l.now().UTC()))
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "usage_tenant", "failed to load tenant", err)
	}
	now := l.now().UTC()
	start, end := periodFor(tn.BillingAnchor, now)
	snap := &Snapshot{
		TenantID:           tenantID,
		PeriodStart:        start,
		PeriodEnd:          end,
		QuotaLimit:         l.effectiveQuota(tn),
		NotifiedThresholds: []int{},
	}

	led, err := l.store.GetUsageLedger(ctx, tenantID)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "usage_load", "failed to load usage ledger", err)
	}
	// A stored row whose period contains now is authoritative; it may differ
	// from the anchor-derived period after an explicit reset.
	if led != nil && !now.Before(led.PeriodStart) && now.Before(led.PeriodEnd) {
		snap.PeriodStart = led.PeriodStart
		snap.PeriodEnd = led.PeriodEnd
		snap.Tokens = led.CumulativeTokens
		snap.CostCents = led.CumulativeCostCents
		snap.NotifiedThresholds = led.NotifiedThresholds
	}
	snap.QuotaPercent = percentOf(snap.Tokens, snap.QuotaLimit)
	return snap, nil
}

// Reset starts a fresh billing period for the tenant effective now: counters
// zero, thresholds cleared, quota re-resolved. Historical usage events are
// untouched.
func (l *Ledger) Reset(ctx context.Context, tenantID string) error {
	now := l.now().UTC()
	tn, err := l.store.EnsureTenant(ctx, tenantID, string(tier.Standard), startOfMonth(now))
	if err != nil {
		return faults.Wrap(faults.KindDatabase, "usage_tenant", "failed to load tenant", err)
	}

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		led, err := l.store.GetUsageLedger(ctx, tenantID)
		if err != nil {
			return faults.Wrap(faults.KindDatabase, "usage_load", "failed to load usage ledger", err)
		}
		fresh := &db.UsageLedgerRecord{
			TenantID:           tenantID,
			PeriodStart:        now,
			PeriodEnd:          now.AddDate(0, 1, 0),
			QuotaLimit:         l.effectiveQuota(tn),
			NotifiedThresholds: []int{},
		}
		if led == nil {
			if err := l.store.InsertUsageLedger(ctx, fresh); err != nil {
				continue
			}
			return nil
		}
		fresh.Version = led.Version
		ok, err := l.store.UpdateUsageLedgerCAS(ctx, fresh, led.Version)
		if err != nil {
			return faults.Wrap(faults.KindDatabase, "usage_reset", "failed to reset usage period", err)
		}
		if ok {
			l.logger.Info("usage period reset",
				zap.String("tenant_id", tenantID), zap.Time("period_start", now))
			metrics.UsageQuotaPercent.WithLabelValues(tenantID).Set(0)
			return nil
		}
	}
	return faults.Newf(faults.KindDatabase, "usage_reset_contention",
		"failed to reset usage period after %d attempts", maxCommitAttempts)
}

// History returns committed usage events for a tenant in [from, to).
func (l *Ledger) History(ctx context.Context, tenantID string, from, to time.Time) ([]*db.UsageEventRecord, error) {
	return l.store.QueryUsageEvents(ctx, tenantID, from, to)
}

// rollForward resets counters in place when the stored row belongs to an
// expired period. Event history is untouched.
func (l *Ledger) rollForward(led *db.UsageLedgerRecord, tn *db.TenantRecord) {
	now := l.now().UTC()
	if now.Before(led.PeriodEnd) {
		return
	}
	start, end := periodFor(tn.BillingAnchor, now)
	led.PeriodStart = start
	led.PeriodEnd = end
	led.CumulativeTokens = 0
	led.CumulativeCostCents = 0
	led.NotifiedThresholds = []int{}
}

// newlyCrossed returns thresholds reached by the current totals that have not
// been recorded this period, ascending.
func (l *Ledger) newlyCrossed(led *db.UsageLedgerRecord) []int {
	if led.QuotaLimit <= 0 {
		return nil
	}
	seen := make(map[int]bool, len(led.NotifiedThresholds))
	for _, t := range led.NotifiedThresholds {
		seen[t] = true
	}
	pct := percentOf(led.CumulativeTokens, led.QuotaLimit)
	var crossed []int
	for _, t := range l.thresholds {
		if pct >= float64(t) && !seen[t] {
			crossed = append(crossed, t)
		}
	}
	return crossed
}

func (l *Ledger) dispatch(ctx context.Context, led *db.UsageLedgerRecord, crossed []int) {
	if l.notifier == nil {
		return
	}
	for _, t := range crossed {
		metrics.ThresholdNotificationsTotal.WithLabelValues(strconv.Itoa(t)).Inc()
		l.notifier.NotifyUsageThreshold(ctx, ThresholdEvent{
			TenantID:   led.TenantID,
			Threshold:  t,
			Tokens:     led.CumulativeTokens,
			QuotaLimit: led.QuotaLimit,
			CostCents:  led.CumulativeCostCents,
			PeriodEnd:  led.PeriodEnd,
		})
	}
}

func (l *Ledger) effectiveQuota(tn *db.TenantRecord) int64 {
	if tn.QuotaOverride != nil {
		return *tn.QuotaOverride
	}
	t, err := tier.Parse(tn.Tier)
	if err != nil {
		t = tier.Standard
	}
	return l.quotas[t]
}

// periodFor returns the half-open billing period [start, end) containing now,
// advancing monthly from the tenant's anchor.
func periodFor(anchor, now time.Time) (time.Time, time.Time) {
	start := anchor.UTC()
	if now.Before(start) {
		return start, start.AddDate(0, 1, 0)
	}
	for {
		end := start.AddDate(0, 1, 0)
		if now.Before(end) {
			return start, end
		}
		start = end
	}
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func percentOf(tokens, quota int64) float64 {
	if quota <= 0 {
		return 0
	}
	return float64(tokens) * 100 / float64(quota)
}

