package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chorusinsights/chorus-ai/internal/db"
	"github.com/chorusinsights/chorus-ai/internal/usage"
)

type recordingHandler struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
	status int
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	h.mu.Lock()
	h.bodies = append(h.bodies, body)
	h.mu.Unlock()
	if h.status != 0 {
		w.WriteHeader(h.status)
	}
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bodies)
}

func TestWebhookAdapterDelivers(t *testing.T) {
	h := &recordingHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	a := NewWebhookAdapter("chat", srv.URL, srv.Client())
	err := a.Send(context.Background(), Event{
		Kind: "usage_threshold", TenantID: "t", Title: "Usage at 75% of quota", Body: "details",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if h.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", h.count())
	}
	if _, ok := h.bodies[0]["text"]; !ok {
		t.Errorf("webhook payload missing text field: %v", h.bodies[0])
	}
}

func TestWebhookAdapterNonOKStatus(t *testing.T) {
	h := &recordingHandler{status: http.StatusBadGateway}
	srv := httptest.NewServer(h)
	defer srv.Close()

	a := NewWebhookAdapter("chat", srv.URL, srv.Client())
	if err := a.Send(context.Background(), Event{Kind: "session_completed"}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestEmailAdapterPayload(t *testing.T) {
	h := &recordingHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	a := NewEmailAdapter(srv.URL, "alerts@chorusinsights.dev", []string{"billing@acme.test"}, srv.Client())
	err := a.Send(context.Background(), Event{Title: "Usage at 90% of quota", Body: "nearly there"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := h.bodies[0]
	if got["subject"] != "Usage at 90% of quota" {
		t.Errorf("subject = %v", got["subject"])
	}
	if got["from"] != "alerts@chorusinsights.dev" {
		t.Errorf("from = %v", got["from"])
	}
}

func TestNotifierFansOutAndLogs(t *testing.T) {
	h := &recordingHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	n := NewNotifier([]Adapter{
		NewWebhookAdapter("chat", srv.URL, srv.Client()),
		NewEmailAdapter(srv.URL, "alerts@chorusinsights.dev", []string{"a@b.test"}, srv.Client()),
	}, WithLog(store))

	n.NotifyUsageThreshold(context.Background(), usage.ThresholdEvent{
		TenantID: "tenant-1", Threshold: 75, Tokens: 800_000, QuotaLimit: 1_000_000,
		CostCents: 123, PeriodEnd: time.Now().UTC().AddDate(0, 0, 10),
	})
	n.Wait()

	if h.count() != 2 {
		t.Fatalf("expected 2 deliveries (one per adapter), got %d", h.count())
	}

	recs, err := store.QueryNotifications(context.Background(), "tenant-1", 10)
	if err != nil {
		t.Fatalf("QueryNotifications: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 log rows, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.Status != "sent" || rec.Kind != "usage_threshold" {
			t.Errorf("unexpected log row: %+v", rec)
		}
	}
}

func TestNotifierRecordsFailures(t *testing.T) {
	h := &recordingHandler{status: http.StatusInternalServerError}
	srv := httptest.NewServer(h)
	defer srv.Close()

	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	n := NewNotifier([]Adapter{NewWebhookAdapter("chat", srv.URL, srv.Client())}, WithLog(store))
	n.NotifySessionCompleted("tenant-1", "sess-1", "camp-1", "natural")
	n.Wait()

	recs, err := store.QueryNotifications(context.Background(), "tenant-1", 10)
	if err != nil {
		t.Fatalf("QueryNotifications: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != "failed" {
		t.Fatalf("expected 1 failed row, got %+v", recs)
	}
	if recs[0].Error == "" {
		t.Error("failed row should carry the delivery error")
	}
}
