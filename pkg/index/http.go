package index

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrBreakerOpen reports that the engine is temporarily not accepting
// calls after repeated failures. Callers should treat it as transient;
// the synchronizer's reconcile loop retries on its own schedule.
var ErrBreakerOpen = errors.New("index: circuit breaker open")

// HTTPEngine talks to a remote search service over its bulk JSON API.
// Every call passes a circuit breaker, a client-side rate limiter and a
// bounded retry loop, in that order.
type HTTPEngine struct {
	base       string
	client     *http.Client
	limiter    *rate.Limiter
	breaker    *circuitBreaker
	maxRetries int
	logger     *slog.Logger
}

// NewHTTPEngine builds an engine against the service at cfg.URL.
func NewHTTPEngine(cfg Config, logger *slog.Logger) (*HTTPEngine, error) {
	if cfg.URL == "" {
		return nil, errors.New("index: http engine needs a url")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSec)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 10 * time.Second
	}

	return &HTTPEngine{
		base:       strings.TrimRight(cfg.URL, "/"),
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		breaker:    newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		maxRetries: cfg.MaxRetries,
		logger:     logger.With("component", "index"),
	}, nil
}

func (e *HTTPEngine) BulkUpsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	body, err := json.Marshal(struct {
		Records []Record `json:"records"`
	}{Records: records})
	if err != nil {
		return fmt.Errorf("index: encoding records: %w", err)
	}
	return e.do(ctx, http.MethodPost, "/documents/_bulk", body)
}

func (e *HTTPEngine) Delete(ctx context.Context, id string) error {
	return e.do(ctx, http.MethodDelete, "/documents/"+url.PathEscape(id), nil)
}

func (e *HTTPEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// do sends one logical call. Transport errors and 5xx answers are retried
// with exponential backoff; 4xx answers mean the request itself is bad
// and are returned immediately. A 404 on delete counts as success since
// the goal state already holds.
func (e *HTTPEngine) do(ctx context.Context, method, path string, body []byte) error {
	if !e.breaker.Allow() {
		return ErrBreakerOpen
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, e.base+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("index: building request: %w", err)
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := e.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("index: %s %s: %w", method, path, err)
			e.logger.Warn("engine call failed",
				"method", method, "path", path, "attempt", attempt+1, "error", err)
			continue
		}
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300,
			method == http.MethodDelete && resp.StatusCode == http.StatusNotFound:
			e.breaker.Success()
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("index: %s %s: engine answered %d", method, path, resp.StatusCode)
			e.logger.Warn("engine call failed",
				"method", method, "path", path, "attempt", attempt+1, "status", resp.StatusCode)
			continue
		default:
			// The service is up and rejected the request. That clears the
			// breaker but retrying the same payload cannot help.
			e.breaker.Success()
			return fmt.Errorf("index: %s %s: engine rejected the request: %d %s",
				method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
		}
	}

	e.breaker.Failure()
	return lastErr
}

func retryDelay(attempt int) time.Duration {
	delay := time.Duration(1<<(attempt-1)) * 100 * time.Millisecond
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		delay += time.Duration(n.Int64()) * time.Millisecond
	}
	return delay
}

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half_open"
)

// circuitBreaker opens after threshold consecutive failed calls and lets
// a single probe through once the reset timeout has passed.
type circuitBreaker struct {
	mu           sync.Mutex
	state        breakerState
	failures     int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:        breakerClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = breakerClosed
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= cb.threshold {
		cb.state = breakerOpen
	}
}
