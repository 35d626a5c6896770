// Package api exposes the gateway's HTTP surface. The chat completions
// handler composes every resilience layer into one request lifecycle:
// validate → burst check → quota check → model selection → call with retry
// and fallback → quota increment → respond.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenlabs/llm-gateway/internal/circuitbreaker"
	"github.com/lumenlabs/llm-gateway/internal/domain"
	"github.com/lumenlabs/llm-gateway/internal/enrich"
	"github.com/lumenlabs/llm-gateway/internal/extract"
	"github.com/lumenlabs/llm-gateway/internal/metrics"
	"github.com/lumenlabs/llm-gateway/internal/notifications"
	"github.com/lumenlabs/llm-gateway/internal/quota"
	"github.com/lumenlabs/llm-gateway/internal/ratelimit"
	"github.com/lumenlabs/llm-gateway/internal/router"
	"github.com/lumenlabs/llm-gateway/internal/telemetry"
	"github.com/lumenlabs/llm-gateway/internal/upstream"
	"github.com/lumenlabs/llm-gateway/internal/usage"
)

// callerFallback identifies requests with no forwarded-address chain.
const callerFallback = "unknown"

// Upstream is the transport dependency of the handler.
type Upstream interface {
	ChatCompletion(ctx context.Context, req domain.UpstreamRequest, opts ...upstream.CallOption) (*domain.ChatResponse, error)
}

// HandlerConfig wires the handler's collaborators.
type HandlerConfig struct {
	Upstream Upstream
	Breakers *circuitbreaker.Registry
	Selector *router.Selector
	Burst    *ratelimit.BurstLimiter
	Quota    *quota.Tracker
	FreeTier *quota.FreeTier
	Usage    usage.Recorder
	Notifier notifications.Notifier

	DefaultModel     string
	AllowedModels    []string
	DailyFreeLimit   int
	EnrichMaxResults int
}

type Handler struct {
	cfg HandlerConfig
	mux *http.ServeMux
	now func() time.Time
}

// NewHandler builds the HTTP handler tree.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Usage == nil {
		cfg.Usage = usage.NoopRecorder{}
	}
	if cfg.EnrichMaxResults <= 0 {
		cfg.EnrichMaxResults = enrich.DefaultMaxHits
	}

	h := &Handler{
		cfg: cfg,
		mux: http.NewServeMux(),
		now: time.Now,
	}

	h.mux.HandleFunc("/v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthLive)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", 0)
		return
	}

	ctx, span := telemetry.StartSpan(r.Context(), "chat_completions")
	defer span.End()

	start := h.now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "", 0)
		return
	}
	if len(req.Messages) == 0 || string(req.Messages) == "null" {
		writeError(w, http.StatusBadRequest, "messages is required", "", 0)
		return
	}
	if req.Model == "" {
		req.Model = h.cfg.DefaultModel
	}

	caller := callerIdentity(r)
	byokKey := r.Header.Get("X-API-Key")
	onSharedQuota := byokKey == ""

	// Burst check always comes first; it protects everything behind it.
	allowed, _, resetAt := h.cfg.Burst.Allow(caller)
	if !allowed {
		metrics.BurstLimitedTotal.Inc()
		if onSharedQuota {
			h.writeFreeTierHeaders(w, h.cfg.Quota.GetUsage(ctx, caller))
		}
		slog.Warn("burst limit exceeded", "caller", caller, "request_id", requestID)
		writeError(w, http.StatusTooManyRequests, "too many requests", domain.CodeRateLimited, secondsUntil(resetAt, h.now()))
		return
	}

	if onSharedQuota && !h.modelAllowed(req.Model) {
		h.writeFreeTierHeaders(w, h.cfg.Quota.GetUsage(ctx, caller))
		writeError(w, http.StatusForbidden, "model requires your own API key", domain.CodePremiumModel, 0)
		return
	}

	countsAgainstQuota := onSharedQuota && !req.EnrichmentOnly
	if !onSharedQuota {
		h.cfg.FreeTier.Reset()
	}

	if countsAgainstQuota {
		used := h.cfg.Quota.GetUsage(ctx, caller)
		if used >= h.cfg.DailyFreeLimit {
			metrics.QuotaExhaustedTotal.Inc()
			h.writeFreeTierHeaders(w, used)
			slog.Warn("free tier exhausted", "caller", caller, "used", used, "request_id", requestID)
			writeError(w, http.StatusTooManyRequests, "daily free tier exhausted", domain.CodeFreeTierExhausted, secondsUntilMidnightUTC(h.now()))
			return
		}
	}

	// Granularity routing: attach the web plugin when the analogy domain
	// carries specificity signals. Caller-supplied plugins pass through.
	decision := enrich.Classify(req.Topic, req.Domain)
	metrics.EnrichmentDecisions.WithLabelValues(string(decision.Action)).Inc()

	plugins := req.Plugins
	enriched := false
	if decision.Action == enrich.ActionEnrich && len(plugins) == 0 {
		plugins = []domain.Plugin{{
			ID:           enrich.WebPluginID,
			MaxResults:   h.cfg.EnrichMaxResults,
			SearchPrompt: enrich.SearchPrompt(decision.Query),
		}}
		enriched = true
		slog.Info("enrichment attached",
			"request_id", requestID,
			"reason", decision.Reason,
			"confidence", decision.Confidence,
		)
	}

	var callOpts []upstream.CallOption
	if byokKey != "" {
		callOpts = append(callOpts, upstream.WithCredential(byokKey))
	}

	chain := h.cfg.Selector.Chain(req.Model)

	var resp *domain.ChatResponse
	var servedModel string
	var lastErr error
	attempts := 0

	for _, model := range chain {
		attempts++

		upReq := domain.UpstreamRequest{
			Model:          model,
			Messages:       req.Messages,
			ResponseFormat: req.ResponseFormat,
			Plugins:        plugins,
		}

		result, err := h.cfg.Upstream.ChatCompletion(ctx, upReq, callOpts...)
		if err != nil {
			var uerr *upstream.Error
			if errors.As(err, &uerr) && uerr.ClientFault() {
				// The request itself was rejected. Penalizing the model or
				// replaying the same bad payload elsewhere would be wrong;
				// relay the upstream verdict as-is.
				metrics.RequestsTotal.WithLabelValues(model, "client_error").Inc()
				h.recordUsage(ctx, requestID, caller, model, "client_error", attempts, false, enriched, nil, start)
				slog.Warn("upstream rejected request",
					"model", model,
					"status", uerr.Status,
					"request_id", requestID,
				)
				writeUpstreamError(w, uerr)
				return
			}

			h.cfg.Breakers.RecordFailure(model)
			h.publishBreakerState(model)
			lastErr = err
			slog.Warn("model failed, advancing chain",
				"model", model,
				"error", err,
				"request_id", requestID,
			)
			continue
		}

		if emptyCompletion(result) {
			// A nominally successful response with no usable payload still
			// indicates upstream unhealthiness.
			h.cfg.Breakers.RecordFailure(model)
			h.publishBreakerState(model)
			lastErr = domain.ErrEmptyCompletion
			slog.Warn("empty completion, advancing chain", "model", model, "request_id", requestID)
			continue
		}

		h.cfg.Breakers.RecordSuccess(model)
		h.publishBreakerState(model)
		resp = result
		servedModel = model
		break
	}

	if resp == nil {
		metrics.RequestsTotal.WithLabelValues(req.Model, "error").Inc()
		h.recordUsage(ctx, requestID, caller, req.Model, "error", attempts, false, enriched, nil, start)
		slog.Error("all models failed", "error", lastErr, "request_id", requestID)
		writeError(w, http.StatusBadGateway, "all models failed", domain.CodeAllModelsFailed, 0)
		return
	}

	h.normalizeStructuredContent(&req, resp)

	if countsAgainstQuota {
		total := h.cfg.Quota.IncrementUsage(ctx, caller)
		h.cfg.FreeTier.Update(total)
		h.writeFreeTierHeaders(w, total)
		if total == h.cfg.DailyFreeLimit {
			h.notify(notifications.Alert{
				Type:    notifications.AlertFreeTierExhausted,
				Message: "caller reached the daily free tier limit",
				Data:    map[string]string{"caller": caller},
			})
		}
	}

	fallback := servedModel != req.Model
	if fallback {
		metrics.FallbacksTotal.WithLabelValues(req.Model, servedModel).Inc()
	}

	latency := h.now().Sub(start)
	resp.Gateway = &domain.Gateway{
		Model:     servedModel,
		Fallback:  fallback,
		Enriched:  enriched,
		Attempts:  attempts,
		LatencyMs: latency.Milliseconds(),
		RequestID: requestID,
	}

	metrics.RequestsTotal.WithLabelValues(servedModel, "success").Inc()
	metrics.RequestDuration.WithLabelValues(servedModel).Observe(latency.Seconds())
	if resp.Usage != nil {
		metrics.TokensTotal.WithLabelValues(servedModel, "prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.TokensTotal.WithLabelValues(servedModel, "completion").Add(float64(resp.Usage.CompletionTokens))
	}

	h.recordUsage(ctx, requestID, caller, servedModel, "success", attempts, fallback, enriched, resp.Usage, start)

	slog.Info("request completed",
		"request_id", requestID,
		"caller", caller,
		"model", servedModel,
		"fallback", fallback,
		"enriched", enriched,
		"attempts", attempts,
		"latency_ms", latency.Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// normalizeStructuredContent runs the resilient extractor over the completion
// when the caller asked for a structured response. Extraction failure is
// local recovery: the raw content passes through and the caller applies its
// own fallback.
func (h *Handler) normalizeStructuredContent(req *domain.ChatRequest, resp *domain.ChatResponse) {
	if len(req.ResponseFormat) == 0 {
		return
	}
	for i := range resp.Choices {
		msg := resp.Choices[i].Message
		if msg == nil || msg.Content == "" {
			continue
		}
		if cleaned, ok := extract.Extract(msg.Content); ok {
			msg.Content = cleaned
		}
	}
}

// emptyCompletion reports whether a nominally successful response carries no
// usable assistant content.
func emptyCompletion(resp *domain.ChatResponse) bool {
	for _, c := range resp.Choices {
		if c.Message != nil && c.Message.Content != "" {
			return false
		}
	}
	return true
}

func (h *Handler) modelAllowed(model string) bool {
	for _, m := range h.cfg.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

func (h *Handler) writeFreeTierHeaders(w http.ResponseWriter, used int) {
	remaining := h.cfg.DailyFreeLimit - used
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-FreeTier-Limit", strconv.Itoa(h.cfg.DailyFreeLimit))
	w.Header().Set("X-FreeTier-Remaining", strconv.Itoa(remaining))
}

func (h *Handler) publishBreakerState(model string) {
	state := 0.0
	if s, ok := h.cfg.Breakers.States()[model]; ok && s == "open" {
		state = 1.0
	}
	metrics.CircuitBreakerState.WithLabelValues(model).Set(state)
}

func (h *Handler) notify(alert notifications.Alert) {
	if h.cfg.Notifier == nil {
		return
	}
	// Alerts ride on a short detached context so a slow publisher cannot
	// stall the response.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.cfg.Notifier.Send(ctx, alert); err != nil {
		slog.Warn("alert publish failed", "type", alert.Type, "error", err)
	}
}

func (h *Handler) recordUsage(ctx context.Context, requestID, caller, model, status string, attempts int, fallback, enriched bool, u *domain.Usage, start time.Time) {
	tokens := 0
	if u != nil {
		tokens = u.TotalTokens
	}
	event := usage.Event{
		RequestID: requestID,
		Caller:    caller,
		Model:     model,
		Status:    status,
		Attempts:  attempts,
		Fallback:  fallback,
		Enriched:  enriched,
		Tokens:    tokens,
		LatencyMs: h.now().Sub(start).Milliseconds(),
		CreatedAt: start,
	}
	if err := h.cfg.Usage.Record(ctx, event); err != nil {
		slog.Warn("usage record failed", "request_id", requestID, "error", err)
	}
}

// callerIdentity derives the rate-limiting key from the first entry of the
// forwarded-address chain.
func callerIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	return callerFallback
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
}

func secondsUntil(t, now time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d.Seconds()) + 1
}

func secondsUntilMidnightUTC(now time.Time) int {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return int(midnight.Sub(now).Seconds())
}

// writeUpstreamError relays a caller-caused upstream rejection with its
// original status and body.
func writeUpstreamError(w http.ResponseWriter, uerr *upstream.Error) {
	message := "upstream rejected request"
	if uerr.Body != "" {
		message = uerr.Body
	}
	writeError(w, uerr.Status, message, "", 0)
}

func writeError(w http.ResponseWriter, status int, message, code string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(domain.ErrorResponse{
		Error:      message,
		Code:       code,
		RetryAfter: retryAfter,
	})
}
