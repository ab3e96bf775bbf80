package notify

// Package notify fans domain events out to delivery adapters (email relay,
// chat webhooks). Dispatch is fire-and-forget: delivery failures are logged
// and recorded, never propagated to the operation that produced the event.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chorusinsights/chorus-ai/internal/db"
	"github.com/chorusinsights/chorus-ai/internal/metrics"
	"github.com/chorusinsights/chorus-ai/internal/usage"
)

// Event is one notification to deliver.
type Event struct {
	Kind     string                 `json:"kind"` // usage_threshold | session_completed | synthesis_completed
	TenantID string                 `json:"tenant_id"`
	Title    string                 `json:"title"`
	Body     string                 `json:"body"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Adapter delivers events on one channel.
type Adapter interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Notifier fans events out to all configured adapters.
type Notifier struct {
	adapters []Adapter
	log      db.NotificationLogStore
	logger   *zap.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NotifierOption mutates a Notifier during construction.
type NotifierOption func(*Notifier)

// WithLog sets the delivery outcome store.
func WithLog(store db.NotificationLogStore) NotifierOption {
	return func(n *Notifier) { n.log = store }
}

// WithLogger sets the structured logger.
func WithLogger(lg *zap.Logger) NotifierOption { return func(n *Notifier) { n.logger = lg } }

// WithTimeout bounds each adapter delivery.
func WithTimeout(d time.Duration) NotifierOption { return func(n *Notifier) { n.timeout = d } }

// NewNotifier builds a notifier over the given adapters.
func NewNotifier(adapters []Adapter, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		adapters: adapters,
		logger:   zap.NewNop(),
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Dispatch sends the event to every adapter in the background and returns
// immediately. The caller's context is not reused: dispatch outlives the
// request that triggered it.
func (n *Notifier) Dispatch(ev Event) {
	for _, a := range n.adapters {
		a := a
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			n.deliver(ctx, a, ev)
		}()
	}
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and in
// tests.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) deliver(ctx context.Context, a Adapter, ev Event) {
	err := a.Send(ctx, ev)

	status := "sent"
	errText := ""
	if err != nil {
		status = "failed"
		errText = err.Error()
		n.logger.Warn("notification delivery failed",
			zap.String("channel", a.Name()),
			zap.String("kind", ev.Kind),
			zap.String("tenant_id", ev.TenantID),
			zap.Error(err))
	} else {
		n.logger.Debug("notification delivered",
			zap.String("channel", a.Name()),
			zap.String("kind", ev.Kind))
	}
	metrics.NotificationSendsTotal.WithLabelValues(a.Name(), status).Inc()

	if n.log != nil {
		payload, _ := json.Marshal(ev)
		rec := &db.NotificationRecord{
			Kind:      ev.Kind,
			TenantID:  ev.TenantID,
			Channel:   a.Name(),
			Status:    status,
			Error:     errText,
			Payload:   string(payload),
			CreatedAt: time.Now().UTC(),
		}
		if err := n.log.AppendNotification(ctx, rec); err != nil {
			n.logger.Warn("notification log write failed", zap.Error(err))
		}
	}
}

// NotifyUsageThreshold implements usage.ThresholdNotifier.
func (n *Notifier) NotifyUsageThreshold(_ context.Context, ev usage.ThresholdEvent) {
	title := fmt.Sprintf("Usage at %d%% of quota", ev.Threshold)
	body := fmt.Sprintf(
		"Tenant %s has used %d of %d tokens (%d%% threshold) this billing period. Period ends %s.",
		ev.TenantID, ev.Tokens, ev.QuotaLimit, ev.Threshold,
		ev.PeriodEnd.Format(time.RFC3339))
	n.Dispatch(Event{
		Kind:     "usage_threshold",
		TenantID: ev.TenantID,
		Title:    title,
		Body:     body,
		Details: map[string]interface{}{
			"threshold":   ev.Threshold,
			"tokens":      ev.Tokens,
			"quota_limit": ev.QuotaLimit,
			"cost_cents":  ev.CostCents,
			"period_end":  ev.PeriodEnd.Format(time.RFC3339),
		},
	})
}

// NotifySessionCompleted announces a finished interview to facilitators.
func (n *Notifier) NotifySessionCompleted(tenantID, sessionID, campaignID, reason string) {
	n.Dispatch(Event{
		Kind:     "session_completed",
		TenantID: tenantID,
		Title:    "Interview completed",
		Body:     fmt.Sprintf("Interview %s in campaign %s completed (%s).", sessionID, campaignID, reason),
		Details: map[string]interface{}{
			"session_id":  sessionID,
			"campaign_id": campaignID,
			"reason":      reason,
		},
	})
}

// NotifySynthesisFinished announces a synthesis run reaching a terminal state.
func (n *Notifier) NotifySynthesisFinished(tenantID, campaignID, jobID, status string) {
	n.Dispatch(Event{
		Kind:     "synthesis_completed",
		TenantID: tenantID,
		Title:    fmt.Sprintf("Synthesis %s", status),
		Body:     fmt.Sprintf("Synthesis job %s for campaign %s finished with status %s.", jobID, campaignID, status),
		Details: map[string]interface{}{
			"campaign_id": campaignID,
			"job_id":      jobID,
			"status":      status,
		},
	})
}
