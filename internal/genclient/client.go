package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fablecastco/fablecast/internal/config"
)

// CredentialSource supplies a valid bearer token per outbound call. The
// collaborator owns refresh; a rejection surfaces as ErrAuthFailed.
type CredentialSource func(ctx context.Context) (string, error)

// StaticCredentials returns a CredentialSource for a fixed API key.
func StaticCredentials(key string) CredentialSource {
	return func(context.Context) (string, error) {
		if strings.TrimSpace(key) == "" {
			return "", fmt.Errorf("missing api key")
		}
		return key, nil
	}
}

// Client is the sole point of contact with the generation service for
// non-streaming calls. It wraps each call with a per-attempt timeout,
// jittered exponential retry for transient failures, and the shared
// circuit breaker. It never touches the memory store or response cache.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	creds       CredentialSource
	breaker     *Breaker
	maxAttempts int
	callTimeout time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
}

func NewClient(cfg config.ServiceConfig, creds CredentialSource, breaker *Breaker) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient:  &http.Client{},
		creds:       creds,
		breaker:     breaker,
		maxAttempts: cfg.MaxAttempts,
		callTimeout: time.Duration(cfg.CallTimeoutSec) * time.Second,
		backoffBase: time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		backoffMax:  time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = config.DefaultMaxAttempts
	}
	if c.callTimeout <= 0 {
		c.callTimeout = config.DefaultCallTimeout * time.Second
	}
	if c.backoffBase <= 0 {
		c.backoffBase = config.DefaultBackoffBaseMs * time.Millisecond
	}
	if c.backoffMax < c.backoffBase {
		c.backoffMax = config.DefaultBackoffMaxMs * time.Millisecond
	}
	if c.breaker == nil {
		c.breaker = NewBreaker(cfg.FailureThreshold,
			time.Duration(cfg.CooldownSec)*time.Second,
			time.Duration(cfg.CooldownMaxSec)*time.Second)
	}
	return c
}

// Breaker exposes the shared circuit state for introspection.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Call issues the request under the retry and circuit-breaking policy.
// Transient failures (timeout, 5xx, connection reset, rate limit) are
// retried with jittered exponential backoff up to the attempt bound;
// everything else is surfaced immediately.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffBase
	bo.MaxInterval = c.backoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, req)
		if err == nil {
			c.breaker.Success()
			return resp, nil
		}
		lastErr = err

		// A half-open trial must report its outcome no matter how it
		// failed, or the probe slot is never released. In the closed
		// state rate limiting does not count toward the trip
		// threshold: the service is alive, just shedding load.
		if c.breaker.State() == StateHalfOpen ||
			errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
			c.breaker.Failure()
		}

		if !Transient(err) || attempt == c.maxAttempts {
			return nil, err
		}

		delay := bo.NextBackOff()
		if hint, ok := RetryAfterHint(err); ok {
			delay = hint
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeout, context.Cause(ctx))
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrValidation)
	}
	token, err := c.creds(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Fingerprint)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var out Response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &out, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	return nil, classifyStatus(resp.StatusCode, msg, resp.Header.Get("Retry-After"))
}

func classifyStatus(status int, msg, retryAfter string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &apiError{sentinel: ErrAuthFailed, status: status, msg: msg}
	case status == http.StatusTooManyRequests:
		return &apiError{sentinel: ErrRateLimited, status: status, msg: msg, retryAfter: parseRetryAfter(retryAfter)}
	case status == http.StatusRequestTimeout:
		return &apiError{sentinel: ErrTimeout, status: status, msg: msg}
	case status >= 400 && status < 500:
		return &apiError{sentinel: ErrValidation, status: status, msg: msg}
	default:
		return &apiError{sentinel: ErrUnavailable, status: status, msg: msg}
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
