package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/lumenlabs/llm-gateway/internal/domain"
)

// Client issues chat completion calls against an OpenRouter-compatible API.
type Client struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	retry    RetryConfig
	observer Observer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithObserver registers the retry side channel.
func WithObserver(obs Observer) ClientOption {
	return func(c *Client) { c.observer = obs }
}

// WithHTTPClient overrides the underlying HTTP client, for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// New creates an upstream client. apiKey is the shared gateway credential;
// individual calls may override it with caller-supplied credentials.
func New(apiKey, baseURL string, retry RetryConfig, opts ...ClientOption) *Client {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  newHTTPClient(DefaultClientConfig()),
		retry:   retry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallOption adjusts a single call.
type CallOption func(*callSettings)

type callSettings struct {
	apiKey string
}

// WithCredential overrides the shared API key for one call (BYOK mode).
func WithCredential(apiKey string) CallOption {
	return func(s *callSettings) {
		if apiKey != "" {
			s.apiKey = apiKey
		}
	}
}

// ChatCompletion sends one upstream request, retrying transient failures.
// On final failure the returned error wraps *Error with the last status and
// body observed.
func (c *Client) ChatCompletion(ctx context.Context, req domain.UpstreamRequest, opts ...CallOption) (*domain.ChatResponse, error) {
	settings := callSettings{apiKey: c.apiKey}
	for _, opt := range opts {
		opt(&settings)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retry.BaseDelay
	expo.MaxInterval = c.retry.MaxDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.2
	expo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.retry.MaxAttempts-1)), ctx)

	var resp *domain.ChatResponse
	attempt := 0

	operation := func() error {
		attempt++
		r, err := c.attempt(ctx, body, settings.apiKey)
		if err != nil {
			var uerr *Error
			if errors.As(err, &uerr) && !uerr.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		if c.observer != nil {
			c.observer(attempt, c.retry.MaxAttempts, wait, retryReason(err))
		}
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, body []byte, apiKey string) (*domain.ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("read response: %w", err)}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &Error{Status: httpResp.StatusCode, Body: string(respBody)}
	}

	var chatResp domain.ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		// A 200 with an unparsable body still counts as an upstream failure,
		// but retrying it is pointless.
		return nil, &Error{Status: httpResp.StatusCode, Body: string(respBody), Err: fmt.Errorf("decode response: %w", err)}
	}

	return &chatResp, nil
}

func retryReason(err error) string {
	var uerr *Error
	if errors.As(err, &uerr) {
		if uerr.Status != 0 {
			return fmt.Sprintf("status_%d", uerr.Status)
		}
		return "network"
	}
	return "unknown"
}
