package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chorusinsights/chorus-ai/internal/faults"
	"github.com/chorusinsights/chorus-ai/internal/llm/types"
)

func newGatewayAgainst(t *testing.T, handler http.HandlerFunc) *HTTPGateway {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	gw, err := NewHTTPGateway("test-key", WithBaseURL(ts.URL))
	if err != nil {
		t.Fatalf("NewHTTPGateway: %v", err)
	}
	return gw
}

func TestCompleteSuccess(t *testing.T) {
	var gotAuth, gotModel string
	gw := newGatewayAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		gotModel, _ = req["model"].(string)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"text":  "hello",
			"usage": map[string]int64{"input_tokens": 120, "output_tokens": 45},
		})
	})

	comp, err := gw.Complete(context.Background(), types.CompletionRequest{
		ModelID: "chorus-core-1",
		Prompt:  "say hello",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Text != "hello" || comp.TokensIn != 120 || comp.TokensOut != 45 {
		t.Errorf("completion = %+v", comp)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotModel != "chorus-core-1" {
		t.Errorf("model = %q", gotModel)
	}
}

func TestCompleteRequiresAPIKey(t *testing.T) {
	if _, err := NewHTTPGateway(""); err == nil {
		t.Error("empty api key accepted")
	}
}

func TestClassifyProviderErrors(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		headers    map[string]string
		wantKind   faults.Kind
		wantRetry  bool
		wantHint   time.Duration
	}{
		{
			name: "unauthorized", status: http.StatusUnauthorized,
			wantKind: faults.KindAuth, wantRetry: false,
		},
		{
			name: "forbidden", status: http.StatusForbidden,
			wantKind: faults.KindAuth, wantRetry: false,
		},
		{
			name: "payment required", status: http.StatusPaymentRequired,
			wantKind: faults.KindQuota, wantRetry: false,
		},
		{
			name: "quota by error type", status: http.StatusBadRequest,
			body:     `{"error": {"type": "quota_exceeded", "message": "credits exhausted"}}`,
			wantKind: faults.KindQuota, wantRetry: false,
		},
		{
			name: "rate limited with hint", status: http.StatusTooManyRequests,
			headers:  map[string]string{"Retry-After": "7"},
			wantKind: faults.KindRateLimit, wantRetry: true, wantHint: 7 * time.Second,
		},
		{
			name: "rate limited no hint", status: http.StatusTooManyRequests,
			wantKind: faults.KindRateLimit, wantRetry: true,
		},
		{
			name: "upstream 500", status: http.StatusInternalServerError,
			wantKind: faults.KindNetwork, wantRetry: true,
		},
		{
			name: "upstream 503", status: http.StatusServiceUnavailable,
			wantKind: faults.KindNetwork, wantRetry: true,
		},
		{
			name: "plain 400", status: http.StatusBadRequest,
			body:     `{"error": {"type": "invalid_request", "message": "bad prompt"}}`,
			wantKind: faults.KindInternal, wantRetry: false,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			gw := newGatewayAgainst(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range c.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(c.status)
				if c.body != "" {
					w.Write([]byte(c.body))
				}
			})

			_, err := gw.Complete(context.Background(), types.CompletionRequest{ModelID: "chorus-core-1", Prompt: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := faults.KindOf(err); got != c.wantKind {
				t.Errorf("kind = %s, want %s", got, c.wantKind)
			}
			if got := faults.Retryable(err); got != c.wantRetry {
				t.Errorf("retryable = %v, want %v", got, c.wantRetry)
			}
			hint, _ := faults.RetryAfterHint(err)
			if hint != c.wantHint {
				t.Errorf("retry-after = %v, want %v", hint, c.wantHint)
			}
		})
	}
}

func TestCompleteTransportFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close() // nothing listens anymore

	gw, err := NewHTTPGateway("test-key", WithBaseURL(url))
	if err != nil {
		t.Fatal(err)
	}
	_, err = gw.Complete(context.Background(), types.CompletionRequest{ModelID: "m", Prompt: "x"})
	if faults.KindOf(err) != faults.KindNetwork {
		t.Errorf("kind = %s, want network", faults.KindOf(err))
	}
	if !faults.Retryable(err) {
		t.Error("transport failures should be retryable")
	}
}

func TestCompleteGarbledBody(t *testing.T) {
	gw := newGatewayAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	})
	_, err := gw.Complete(context.Background(), types.CompletionRequest{ModelID: "m", Prompt: "x"})
	if faults.KindOf(err) != faults.KindInvalidResponse {
		t.Errorf("kind = %s, want invalid_response", faults.KindOf(err))
	}
}

// countingGateway records call times to observe limiter pacing.
type countingGateway struct {
	calls int
}

func (g *countingGateway) Complete(context.Context, types.CompletionRequest) (*types.Completion, error) {
	g.calls++
	return &types.Completion{Text: "ok"}, nil
}

func TestRateLimitedAllowsBurstThenBlocks(t *testing.T) {
	inner := &countingGateway{}
	gw := NewRateLimited(inner, 1, 2) // 1 rps, burst 2

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	for i := 0; i < 2; i++ {
		if _, err := gw.Complete(ctx, types.CompletionRequest{}); err != nil {
			t.Fatalf("burst call %d: %v", i, err)
		}
	}
	// Third call exceeds the burst; the short deadline fires first, and the
	// failure carries the taxonomy classification.
	_, err := gw.Complete(ctx, types.CompletionRequest{})
	if err == nil {
		t.Fatal("expected limiter wait to hit the deadline")
	}
	if faults.KindOf(err) != faults.KindRateLimit {
		t.Errorf("kind = %s, want rate_limit", faults.KindOf(err))
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
}
