package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chorusinsights/chorus-ai/internal/faults"
	"github.com/chorusinsights/chorus-ai/internal/llm/types"
	"github.com/chorusinsights/chorus-ai/internal/metrics"
)

const (
	DefaultBaseURL    = "https://api.chorusinsights.dev/v1"
	DefaultMaxTokens  = 2048
	DefaultTimeout    = 120 * time.Second
	defaultAPIVersion = "2025-04-01"
)

// HTTPGateway is the production Gateway over the provider's completion API.
type HTTPGateway struct {
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// Option mutates an HTTPGateway during construction.
type Option func(*HTTPGateway)

// WithBaseURL overrides the provider endpoint.
func WithBaseURL(u string) Option { return func(g *HTTPGateway) { g.baseURL = u } }

// WithHTTPClient overrides the underlying client (tests inject a transport).
func WithHTTPClient(c *http.Client) Option { return func(g *HTTPGateway) { g.httpClient = c } }

// WithMaxTokens overrides the default response cap.
func WithMaxTokens(n int) Option { return func(g *HTTPGateway) { g.maxTokens = n } }

// NewHTTPGateway builds a gateway. The API key is required.
func NewHTTPGateway(apiKey string, opts ...Option) (*HTTPGateway, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("completion provider api key is required")
	}
	g := &HTTPGateway{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		maxTokens:  DefaultMaxTokens,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type wireRequest struct {
	Model     string `json:"model"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type wireUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type wireResponse struct {
	Text  string    `json:"text"`
	Usage wireUsage `json:"usage"`
}

type wireError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Gateway.
func (g *HTTPGateway) Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error) {
	start := time.Now()
	comp, err := g.complete(ctx, req)

	status := "success"
	if err != nil {
		status = string(faults.KindOf(err))
	}
	metrics.GatewayRequestsTotal.WithLabelValues(req.ModelID, status).Inc()
	metrics.GatewayRequestDuration.WithLabelValues(req.ModelID).Observe(time.Since(start).Seconds())
	if comp != nil {
		metrics.GatewayTokensTotal.WithLabelValues(req.ModelID, "input").Add(float64(comp.TokensIn))
		metrics.GatewayTokensTotal.WithLabelValues(req.ModelID, "output").Add(float64(comp.TokensOut))
	}
	return comp, err
}

func (g *HTTPGateway) complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	body, err := json.Marshal(wireRequest{
		Model:     req.ModelID,
		System:    req.System,
		Prompt:    req.Prompt,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "gateway_marshal", "failed to encode completion request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/complete", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "gateway_request", "failed to build completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("X-API-Version", defaultAPIVersion)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, faults.Wrap(faults.KindNetwork, "gateway_transport",
			"the assessment service could not reach the language model provider", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, faults.Wrap(faults.KindNetwork, "gateway_read",
			"the language model response was interrupted", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTP(resp, raw)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, faults.Wrap(faults.KindInvalidResponse, "gateway_decode",
			"the language model returned an unreadable response", err)
	}
	return &types.Completion{
		Text:      wire.Text,
		TokensIn:  wire.Usage.InputTokens,
		TokensOut: wire.Usage.OutputTokens,
	}, nil
}

// classifyHTTP maps a provider error response onto the fault taxonomy.
func classifyHTTP(resp *http.Response, raw []byte) *faults.Fault {
	var we wireError
	_ = json.Unmarshal(raw, &we)
	detail := we.Error.Message
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return faults.Newf(faults.KindAuth, "gateway_auth",
			"the language model provider rejected this service's credentials")
	case resp.StatusCode == http.StatusPaymentRequired || we.Error.Type == "quota_exceeded":
		return faults.Newf(faults.KindQuota, "gateway_quota",
			"the language model provider's usage quota is exhausted")
	case resp.StatusCode == http.StatusTooManyRequests:
		f := faults.Newf(faults.KindRateLimit, "gateway_rate_limited",
			"the language model provider is throttling requests, retrying shortly")
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			f.RetryAfter = time.Duration(secs) * time.Second
		}
		return f
	case resp.StatusCode >= 500:
		return faults.Newf(faults.KindNetwork, "gateway_upstream",
			"the language model provider is temporarily unavailable (%s)", detail)
	default:
		return faults.Newf(faults.KindInternal, "gateway_http_"+strconv.Itoa(resp.StatusCode),
			"the language model provider rejected the request: %s", detail)
	}
}
