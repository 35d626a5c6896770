package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lumenlabs/llm-gateway/internal/circuitbreaker"
	"github.com/lumenlabs/llm-gateway/internal/domain"
	"github.com/lumenlabs/llm-gateway/internal/notifications"
	"github.com/lumenlabs/llm-gateway/internal/quota"
	"github.com/lumenlabs/llm-gateway/internal/ratelimit"
	"github.com/lumenlabs/llm-gateway/internal/router"
	"github.com/lumenlabs/llm-gateway/internal/upstream"
)

// MockUpstream implements the Upstream interface for testing.
type MockUpstream struct {
	ChatCompletionFunc func(ctx context.Context, req domain.UpstreamRequest, opts ...upstream.CallOption) (*domain.ChatResponse, error)
	Requests           []domain.UpstreamRequest
}

func (m *MockUpstream) ChatCompletion(ctx context.Context, req domain.UpstreamRequest, opts ...upstream.CallOption) (*domain.ChatResponse, error) {
	m.Requests = append(m.Requests, req)
	if m.ChatCompletionFunc != nil {
		return m.ChatCompletionFunc(ctx, req, opts...)
	}
	return okResponse(req.Model), nil
}

func okResponse(model string) *domain.ChatResponse {
	return &domain.ChatResponse{
		ID:    "resp-1",
		Model: model,
		Choices: []domain.Choice{{
			Message: &domain.Message{Role: "assistant", Content: "hello"},
		}},
		Usage: &domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

type testEnv struct {
	handler  *Handler
	breakers *circuitbreaker.Registry
	upstream *MockUpstream
	notifier *notifications.InMemoryNotifier
}

func newTestEnv(t *testing.T, mock *MockUpstream) *testEnv {
	t.Helper()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
	})
	notifier := notifications.NewInMemoryNotifier()

	h := NewHandler(HandlerConfig{
		Upstream:       mock,
		Breakers:       breakers,
		Selector:       router.New([]string{"fallback-1", "fallback-2"}, breakers),
		Burst:          ratelimit.NewBurstLimiter(time.Minute, 100),
		Quota:          quota.NewTracker(nil),
		FreeTier:       quota.NewFreeTier(5),
		Notifier:       notifier,
		DefaultModel:   "shared-model",
		AllowedModels:  []string{"shared-model", "fallback-1", "fallback-2"},
		DailyFreeLimit: 5,
	})

	return &testEnv{handler: h, breakers: breakers, upstream: mock, notifier: notifier}
}

func postChat(t *testing.T, h *Handler, body map[string]interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func chatBody() map[string]interface{} {
	return map[string]interface{}{
		"model":    "shared-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, &MockUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHandler_PreflightAnswered(t *testing.T) {
	env := newTestEnv(t, &MockUpstream{})

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected permissive CORS headers")
	}
}

func TestHandler_MissingMessagesRejected(t *testing.T) {
	env := newTestEnv(t, &MockUpstream{})

	w := postChat(t, env.handler, map[string]interface{}{"model": "shared-model"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if len(env.upstream.Requests) != 0 {
		t.Error("expected no upstream call for invalid input")
	}
}

func TestHandler_SuccessCountsQuotaAndSetsHeaders(t *testing.T) {
	env := newTestEnv(t, &MockUpstream{})

	w := postChat(t, env.handler, chatBody(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-FreeTier-Limit"); got != "5" {
		t.Errorf("expected limit header 5, got %q", got)
	}
	if got := w.Header().Get("X-FreeTier-Remaining"); got != "4" {
		t.Errorf("expected remaining header 4, got %q", got)
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Gateway == nil || resp.Gateway.Model != "shared-model" {
		t.Errorf("expected gateway metadata for shared-model, got %+v", resp.Gateway)
	}
	if resp.Gateway.Fallback {
		t.Error("expected no fallback flag")
	}
}

func TestHandler_FreeTierExhaustion(t *testing.T) {
	env := newTestEnv(t, &MockUpstream{})

	for i := 0; i < 5; i++ {
		w := postChat(t, env.handler, chatBody(), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := postChat(t, env.handler, chatBody(), nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", w.Code)
	}
	if got := w.Header().Get("X-FreeTier-Remaining"); got != "0" {
		t.Errorf("expected remaining 0, got %q", got)
	}

	var errResp domain.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Code != domain.CodeFreeTierExhausted {
		t.Errorf("expected code %s, got %q", domain.CodeFreeTierExhausted, errResp.Code)
	}
	if errResp.RetryAfter <= 0 {
		t.Errorf("expected positive retryAfter, got %d", errResp.RetryAfter)
	}

	// The moment the tier filled, an alert went out.
	alerts := env.notifier.Alerts()
	if len(alerts) != 1 || alerts[0].Type != notifications.AlertFreeTierExhausted {
		t.Errorf("expected one free-tier alert, got %v", alerts)
	}
}

func TestHandler_BurstLimit(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	h := NewHandler(HandlerConfig{
		Upstream:       &MockUpstream{},
		Breakers:       breakers,
		Selector:       router.New(nil, breakers),
		Burst:          ratelimit.NewBurstLimiter(time.Minute, 2),
		Quota:          quota.NewTracker(nil),
		FreeTier:       quota.NewFreeTier(100),
		DefaultModel:   "shared-model",
		AllowedModels:  []string{"shared-model"},
		DailyFreeLimit: 100,
	})

	postChat(t, h, chatBody(), nil)
	postChat(t, h, chatBody(), nil)
	w := postChat(t, h, chatBody(), nil)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	var errResp domain.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Code != domain.CodeRateLimited {
		t.Errorf("expected code %s, got %q", domain.CodeRateLimited, errResp.Code)
	}
	if errResp.RetryAfter <= 0 {
		t.Errorf("expected positive retryAfter, got %d", errResp.RetryAfter)
	}

	// Shared-quota responses always carry the free-tier headers.
	if got := w.Header().Get("X-FreeTier-Limit"); got != "100" {
		t.Errorf("expected limit header 100, got %q", got)
	}
	if got := w.Header().Get("X-FreeTier-Remaining"); got != "98" {
		t.Errorf("expected remaining header 98, got %q", got)
	}
}

func TestHandler_PremiumModelRejected(t *testing.T) {
	env := newTestEnv(t, &MockUpstream{})

	body := chatBody()
	body["model"] = "premium/opus-large"
	w := postChat(t, env.handler, body, nil)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	var errResp domain.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Code != domain.CodePremiumModel {
		t.Errorf("expected code %s, got %q", domain.CodePremiumModel, errResp.Code)
	}
	if len(env.upstream.Requests) != 0 {
		t.Error("expected no upstream call for disallowed model")
	}
	if got := w.Header().Get("X-FreeTier-Remaining"); got != "5" {
		t.Errorf("expected remaining header 5, got %q", got)
	}
}

func TestHandler_BYOKSkipsQuotaAndModelCheck(t *testing.T) {
	env := newTestEnv(t, &MockUpstream{})

	body := chatBody()
	body["model"] = "premium/opus-large"
	w := postChat(t, env.handler, body, map[string]string{"X-API-Key": "caller-key"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for BYOK premium model, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-FreeTier-Remaining"); got != "" {
		t.Errorf("expected no free-tier headers for BYOK, got %q", got)
	}
}

func TestHandler_EnrichmentOnlyExemptFromQuota(t *testing.T) {
	env := newTestEnv(t, &MockUpstream{})

	body := chatBody()
	body["enrichment_only"] = true
	for i := 0; i < 10; i++ {
		w := postChat(t, env.handler, body, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
}

func TestHandler_FallbackAfterBreakerOpens(t *testing.T) {
	mock := &MockUpstream{
		ChatCompletionFunc: func(ctx context.Context, req domain.UpstreamRequest, opts ...upstream.CallOption) (*domain.ChatResponse, error) {
			if req.Model == "shared-model" {
				return nil, &upstream.Error{Status: http.StatusServiceUnavailable, Body: "down"}
			}
			return okResponse(req.Model), nil
		},
	}
	env := newTestEnv(t, mock)

	// Three failing calls open the preferred model's breaker; each request
	// still succeeds through the fallback.
	for i := 0; i < 3; i++ {
		w := postChat(t, env.handler, chatBody(), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 via fallback, got %d", i+1, w.Code)
		}
	}

	if !env.breakers.IsOpen("shared-model") {
		t.Fatal("expected preferred model breaker open after three failures")
	}

	// With the breaker open the preferred model is not attempted at all.
	before := len(env.upstream.Requests)
	w := postChat(t, env.handler, chatBody(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Gateway == nil || !resp.Gateway.Fallback {
		t.Error("expected fallback flag in gateway metadata")
	}
	if resp.Gateway.Model != "fallback-1" {
		t.Errorf("expected fallback-1, got %q", resp.Gateway.Model)
	}

	attempted := env.upstream.Requests[before:]
	for _, r := range attempted {
		if r.Model == "shared-model" {
			t.Error("expected open breaker to skip the preferred model")
		}
	}
}

func TestHandler_CallerErrorDoesNotTripBreakers(t *testing.T) {
	mock := &MockUpstream{
		ChatCompletionFunc: func(ctx context.Context, req domain.UpstreamRequest, opts ...upstream.CallOption) (*domain.ChatResponse, error) {
			return nil, &upstream.Error{Status: http.StatusBadRequest, Body: `{"error":"bad messages"}`}
		},
	}
	env := newTestEnv(t, mock)

	for i := 0; i < 3; i++ {
		w := postChat(t, env.handler, chatBody(), nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("request %d: expected 400 relayed, got %d", i+1, w.Code)
		}

		var errResp domain.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(errResp.Error, "bad messages") {
			t.Errorf("expected upstream body relayed, got %q", errResp.Error)
		}
	}

	if n := env.breakers.Failures("shared-model"); n != 0 {
		t.Errorf("expected no breaker failures for caller errors, got %d", n)
	}
	for model, state := range env.breakers.States() {
		if state == "open" {
			t.Errorf("expected no open breakers, %s is open", model)
		}
	}

	// The bad payload is never replayed against the fallbacks.
	if len(env.upstream.Requests) != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", len(env.upstream.Requests))
	}
	for _, r := range env.upstream.Requests {
		if r.Model != "shared-model" {
			t.Errorf("expected no chain advance, saw call to %q", r.Model)
		}
	}
}

func TestHandler_BadCredentialSurfacesUpstreamStatus(t *testing.T) {
	mock := &MockUpstream{
		ChatCompletionFunc: func(ctx context.Context, req domain.UpstreamRequest, opts ...upstream.CallOption) (*domain.ChatResponse, error) {
			return nil, &upstream.Error{Status: http.StatusUnauthorized, Body: `{"error":"invalid key"}`}
		},
	}
	env := newTestEnv(t, mock)

	w := postChat(t, env.handler, chatBody(), map[string]string{"X-API-Key": "stale-key"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 relayed, got %d", w.Code)
	}
	if n := env.breakers.Failures("shared-model"); n != 0 {
		t.Errorf("expected no breaker failures for a bad credential, got %d", n)
	}
}

func TestHandler_AllModelsFailed(t *testing.T) {
	mock := &MockUpstream{
		ChatCompletionFunc: func(ctx context.Context, req domain.UpstreamRequest, opts ...upstream.CallOption) (*domain.ChatResponse, error) {
			return nil, &upstream.Error{Status: http.StatusServiceUnavailable, Body: "down"}
		},
	}
	env := newTestEnv(t, mock)

	w := postChat(t, env.handler, chatBody(), nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}

	var errResp domain.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Code != domain.CodeAllModelsFailed {
		t.Errorf("expected code %s, got %q", domain.CodeAllModelsFailed, errResp.Code)
	}
}

func TestHandler_EmptyCompletionAdvancesChain(t *testing.T) {
	mock := &MockUpstream{
		ChatCompletionFunc: func(ctx context.Context, req domain.UpstreamRequest, opts ...upstream.CallOption) (*domain.ChatResponse, error) {
			if req.Model == "shared-model" {
				// Nominal success with no usable payload.
				return &domain.ChatResponse{ID: "resp-x", Model: req.Model}, nil
			}
			return okResponse(req.Model), nil
		},
	}
	env := newTestEnv(t, mock)

	w := postChat(t, env.handler, chatBody(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 via fallback, got %d", w.Code)
	}
	if env.breakers.Failures("shared-model") != 1 {
		t.Errorf("expected empty completion recorded as breaker failure, got %d", env.breakers.Failures("shared-model"))
	}
}

func TestHandler_EnrichmentPluginAttached(t *testing.T) {
	env := newTestEnv(t, &MockUpstream{})

	body := chatBody()
	body["topic"] = "gradient descent"
	body["domain"] = "1999 NFL Season"
	w := postChat(t, env.handler, body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if len(env.upstream.Requests) != 1 {
		t.Fatalf("expected one upstream call, got %d", len(env.upstream.Requests))
	}
	plugins := env.upstream.Requests[0].Plugins
	if len(plugins) != 1 || plugins[0].ID != "web" {
		t.Fatalf("expected web plugin attached, got %v", plugins)
	}
	if plugins[0].MaxResults <= 0 {
		t.Errorf("expected bounded max results, got %d", plugins[0].MaxResults)
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Gateway == nil || !resp.Gateway.Enriched {
		t.Error("expected enriched flag in gateway metadata")
	}
}

func TestHandler_GenericDomainNotEnriched(t *testing.T) {
	env := newTestEnv(t, &MockUpstream{})

	body := chatBody()
	body["topic"] = "gradient descent"
	body["domain"] = "NFL"
	w := postChat(t, env.handler, body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if plugins := env.upstream.Requests[0].Plugins; len(plugins) != 0 {
		t.Errorf("expected no plugins for generic domain, got %v", plugins)
	}
}

func TestHandler_StructuredContentNormalized(t *testing.T) {
	mock := &MockUpstream{
		ChatCompletionFunc: func(ctx context.Context, req domain.UpstreamRequest, opts ...upstream.CallOption) (*domain.ChatResponse, error) {
			resp := okResponse(req.Model)
			resp.Choices[0].Message.Content = "Here you go:\n```json\n{\"q\":\"one\"}\n```"
			return resp, nil
		},
	}
	env := newTestEnv(t, mock)

	body := chatBody()
	body["response_format"] = map[string]string{"type": "json_object"}
	w := postChat(t, env.handler, body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if got := resp.Choices[0].Message.Content; got != `{"q":"one"}` {
		t.Errorf("expected cleaned JSON content, got %q", got)
	}
}

func TestHandler_HealthReportsBreakerStates(t *testing.T) {
	env := newTestEnv(t, &MockUpstream{})
	env.breakers.RecordFailure("shared-model")
	env.breakers.RecordFailure("shared-model")
	env.breakers.RecordFailure("shared-model")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	var health struct {
		Status   string            `json:"status"`
		Breakers map[string]string `json:"circuit_breakers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" {
		t.Errorf("expected degraded, got %q", health.Status)
	}
	if health.Breakers["shared-model"] != "open" {
		t.Errorf("expected shared-model open, got %v", health.Breakers)
	}
}
