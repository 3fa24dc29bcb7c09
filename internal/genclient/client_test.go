package genclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fablecastco/fablecast/internal/config"
)

func testServiceConfig(baseURL string) config.ServiceConfig {
	return config.ServiceConfig{
		BaseURL:          baseURL,
		APIKey:           "test-key",
		CallTimeoutSec:   5,
		MaxAttempts:      4,
		BackoffBaseMs:    1,
		BackoffMaxMs:     5,
		FailureThreshold: 5,
		CooldownSec:      1,
		CooldownMaxSec:   2,
	}
}

func testRequest() *Request {
	return &Request{
		CharacterID: "aria",
		Turns: []Turn{
			{Role: RoleSystem, Text: "You are Aria."},
			{Role: RoleUser, Text: "Hello"},
		},
		Params:      GenerationParams{Model: "fable-large-2", Temperature: 0.8, MaxTokens: 256},
		Fingerprint: "deadbeefdeadbeef",
	}
}

func okResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{Text: "Hi there!", FinishReason: "stop"})
}

func TestCallSuccess(t *testing.T) {
	var gotIdempotency, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdempotency = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		okResponse(w)
	}))
	defer srv.Close()

	c := NewClient(testServiceConfig(srv.URL), StaticCredentials("test-key"), nil)
	resp, err := c.Call(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "Hi there!" {
		t.Errorf("Text = %q, want 'Hi there!'", resp.Text)
	}
	if gotIdempotency != "deadbeefdeadbeef" {
		t.Errorf("Idempotency-Key = %q, want the request fingerprint", gotIdempotency)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestCallRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		okResponse(w)
	}))
	defer srv.Close()

	c := NewClient(testServiceConfig(srv.URL), StaticCredentials("test-key"), nil)
	resp, err := c.Call(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text == "" {
		t.Error("empty response text")
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("server calls = %d, want 4 (3 failures + success)", got)
	}
	// Success resets the consecutive failure count.
	if c.Breaker().Failures() != 0 {
		t.Errorf("breaker failures = %d, want 0 after success", c.Breaker().Failures())
	}
}

func TestCallRetryBound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testServiceConfig(srv.URL)
	cfg.MaxAttempts = 2
	c := NewClient(cfg, StaticCredentials("test-key"), nil)

	_, err := c.Call(context.Background(), testRequest())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Call = %v, want ErrUnavailable", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2 (attempt bound)", got)
	}
}

func TestCallValidationNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad character id", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(testServiceConfig(srv.URL), StaticCredentials("test-key"), nil)
	_, err := c.Call(context.Background(), testRequest())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Call = %v, want ErrValidation", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (no retry)", got)
	}
}

func TestCallAuthFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(testServiceConfig(srv.URL), StaticCredentials("test-key"), nil)
	_, err := c.Call(context.Background(), testRequest())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Call = %v, want ErrAuthFailed", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (no retry)", got)
	}
}

func TestCallCircuitOpenFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testServiceConfig(srv.URL)
	cfg.FailureThreshold = 1
	cfg.CooldownSec = 60
	cfg.CooldownMaxSec = 120
	c := NewClient(cfg, StaticCredentials("test-key"), nil)

	// First attempt trips the breaker; the retry loop then gets
	// ErrCircuitOpen without touching the network.
	_, err := c.Call(context.Background(), testRequest())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Call = %v, want ErrCircuitOpen", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}

	// Subsequent calls fail fast with zero network attempts.
	_, err = c.Call(context.Background(), testRequest())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second Call = %v, want ErrCircuitOpen", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want still 1", got)
	}
}

func TestCallHalfOpenTrialFailureReopensCircuit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			w.WriteHeader(http.StatusUnauthorized)
		default:
			okResponse(w)
		}
	}))
	defer srv.Close()

	cfg := testServiceConfig(srv.URL)
	cfg.MaxAttempts = 1
	b, clock := newTestBreaker(1, 30*time.Second, 5*time.Minute)
	c := NewClient(cfg, StaticCredentials("test-key"), b)

	// Trip the breaker.
	if _, err := c.Call(context.Background(), testRequest()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Call = %v, want ErrUnavailable", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	// The half-open trial fails non-transiently. Any trial failure
	// reopens the circuit; the probe slot must not stay occupied.
	*clock = clock.Add(31 * time.Second)
	if _, err := c.Call(context.Background(), testRequest()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("trial Call = %v, want ErrAuthFailed", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want reopened after failed trial", b.State())
	}

	// After the (doubled) cooldown the next trial reaches the now
	// healthy service and closes the circuit.
	*clock = clock.Add(61 * time.Second)
	resp, err := c.Call(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Call against recovered service: %v", err)
	}
	if resp.Text == "" {
		t.Error("empty response text")
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestCallRateLimitDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testServiceConfig(srv.URL)
	cfg.MaxAttempts = 1
	cfg.FailureThreshold = 1
	c := NewClient(cfg, StaticCredentials("test-key"), nil)

	_, err := c.Call(context.Background(), testRequest())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Call = %v, want ErrRateLimited", err)
	}
	if c.Breaker().State() != StateClosed {
		t.Errorf("breaker state = %v, want closed (429 is load shedding, not an outage)", c.Breaker().State())
	}
	if c.Breaker().Failures() != 0 {
		t.Errorf("breaker failures = %d, want 0", c.Breaker().Failures())
	}
}

func TestCallRetryAfterHint(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		okResponse(w)
	}))
	defer srv.Close()

	c := NewClient(testServiceConfig(srv.URL), StaticCredentials("test-key"), nil)
	start := time.Now()
	resp, err := c.Call(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text == "" {
		t.Error("empty response text")
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("retry waited %v, want at least the 1s Retry-After hint", elapsed)
	}
}

func TestCallBackoffScheduleGrowsWithJitter(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testServiceConfig(srv.URL)
	cfg.BackoffBaseMs = 200
	cfg.BackoffMaxMs = 2000
	c := NewClient(cfg, StaticCredentials("test-key"), nil)

	_, err := c.Call(context.Background(), testRequest())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Call = %v, want ErrUnavailable", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(arrivals) != 4 {
		t.Fatalf("attempts = %d, want 4", len(arrivals))
	}

	// Nominal intervals double per attempt; jitter keeps each delay
	// within half to one-and-a-half times its nominal value.
	const slack = 250 * time.Millisecond
	nominal := 200 * time.Millisecond
	var gaps []time.Duration
	for i := 0; i < 3; i++ {
		gap := arrivals[i+1].Sub(arrivals[i])
		gaps = append(gaps, gap)
		if gap < nominal/2 {
			t.Errorf("gap %d = %v, want at least %v", i, gap, nominal/2)
		}
		if gap > nominal*3/2+slack {
			t.Errorf("gap %d = %v, want at most %v", i, gap, nominal*3/2+slack)
		}
		nominal *= 2
	}
	// The jitter windows of the first and third delays do not overlap,
	// so the schedule's growth is observable directly.
	if gaps[2] <= gaps[0] {
		t.Errorf("gaps = %v, want the third delay above the first", gaps)
	}
}

func TestCallTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices the client going away once the request
		// body is consumed; without this the handler outlives the test
		// and the deferred Close blocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testServiceConfig(srv.URL)
	cfg.CallTimeoutSec = 1
	cfg.MaxAttempts = 1
	c := NewClient(cfg, StaticCredentials("test-key"), nil)

	_, err := c.Call(context.Background(), testRequest())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call = %v, want ErrTimeout", err)
	}
	if c.Breaker().Failures() != 1 {
		t.Errorf("breaker failures = %d, want 1 (timeouts count)", c.Breaker().Failures())
	}
}

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrTimeout, true},
		{ErrRateLimited, true},
		{ErrUnavailable, true},
		{ErrAuthFailed, false},
		{ErrValidation, false},
		{ErrCircuitOpen, false},
	}
	for _, c := range cases {
		if got := Transient(c.err); got != c.want {
			t.Errorf("Transient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
	if !TemporarilyUnavailable(ErrCircuitOpen) {
		t.Error("TemporarilyUnavailable(ErrCircuitOpen) = false, want true")
	}
}
