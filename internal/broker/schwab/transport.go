package schwab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "brokersync/internal/errors"
)

// Category is a rate-limit bucket class. The broker budgets requests per
// category per 60-second window.
type Category string

const (
	CategoryQuotes       Category = "quotes"
	CategoryPriceHistory Category = "price-history"
	CategoryMarketData   Category = "market-data"
	CategoryTrading      Category = "trading"
)

const (
	// defaultRetryAfter backs off a 429 response that carries no
	// Retry-After header.
	defaultRetryAfter = 15 * time.Second

	// maxRateLimitWaits bounds consecutive 429 waits on one logical
	// request. Exhaustion surfaces as a rate-limit error, not transport.
	maxRateLimitWaits = 8

	// bucketRetention keeps this many trailing minutes of counters.
	bucketRetention = 3
)

// CategoryForPath resolves the rate-limit category from a request path.
func CategoryForPath(path string) Category {
	switch {
	case strings.Contains(path, "/pricehistory"):
		return CategoryPriceHistory
	case strings.Contains(path, "/quotes"):
		return CategoryQuotes
	case strings.HasPrefix(path, "/marketdata"):
		return CategoryMarketData
	default:
		// Everything under the trader/account namespace.
		return CategoryTrading
	}
}

// ServerLimit is the most recent rate-limit state reported by the broker for
// a category.
type ServerLimit struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// bucket tracks requests per minute window for one category, plus the last
// server-reported limit state.
type bucket struct {
	counts map[int64]int // minute index -> request count
	server ServerLimit
}

func (b *bucket) prune(currentMinute int64) {
	for m := range b.counts {
		if m < currentMinute-bucketRetention {
			delete(b.counts, m)
		}
	}
}

// APIError is a structured error response from the broker.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
	Message     string
	Timestamp   string
	Body        []byte
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("broker api error %d: %s - %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("broker api error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type apiErrorBody struct {
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	Message          string `json:"message,omitempty"`
	Timestamp        string `json:"timestamp,omitempty"`
}

// TransportConfig tunes a Transport.
type TransportConfig struct {
	BaseURL string

	// Limits are the per-category budgets (requests per 60-second window).
	// A zero or missing entry disables the local budget for that category.
	Limits map[Category]int

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MinSpacing enforces a gap between consecutive requests even when no
	// bucket is near its limit. Zero disables spacing.
	MinSpacing time.Duration
}

// Transport wraps every outbound broker call: it enforces per-category
// request budgets, consumes server rate-limit headers, and retries on
// rate-limit and network failure. It never retries authentication failures.
type Transport struct {
	auth       *AuthManager
	httpClient *http.Client
	clock      Clock
	baseURL    string

	limits         map[Category]int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	spacing        *rate.Limiter

	mu      sync.Mutex
	buckets map[Category]*bucket
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportHTTPClient sets a custom HTTP client.
func WithTransportHTTPClient(hc *http.Client) TransportOption {
	return func(t *Transport) { t.httpClient = hc }
}

// WithTransportClock sets a custom clock.
func WithTransportClock(c Clock) TransportOption {
	return func(t *Transport) { t.clock = c }
}

// NewTransport creates a Transport bound to an AuthManager.
func NewTransport(auth *AuthManager, cfg TransportConfig, opts ...TransportOption) *Transport {
	t := &Transport{
		auth:           auth,
		httpClient:     &http.Client{Timeout: httpClientTimeout},
		clock:          realClock{},
		baseURL:        cfg.BaseURL,
		limits:         cfg.Limits,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		buckets:        make(map[Category]*bucket),
	}
	if t.baseURL == "" {
		t.baseURL = auth.cfg.apiBase()
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = 4
	}
	if t.initialBackoff <= 0 {
		t.initialBackoff = time.Second
	}
	if t.maxBackoff <= 0 {
		t.maxBackoff = 30 * time.Second
	}
	if cfg.MinSpacing > 0 {
		t.spacing = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	} else {
		t.spacing = rate.NewLimiter(rate.Inf, 1)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do performs one logical GET request against the broker API and returns the
// response body. Retries on 429 and network failure are internal; a 401
// invalidates the session and surfaces as an authentication error.
func (t *Transport) Do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	category := CategoryForPath(path)
	fullURL := t.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	backoff := t.initialBackoff
	counted := false
	attempt := 1
	rateLimitWaits := 0
	var lastErr error

	// retry sleeps before the next attempt. False means the attempt budget
	// is spent; the final attempt never sleeps.
	retry := func() (bool, error) {
		if attempt >= t.maxAttempts {
			return false, nil
		}
		attempt++
		if err := t.clock.Sleep(ctx, backoff); err != nil {
			return false, err
		}
		backoff = minDuration(backoff*2, t.maxBackoff)
		return true, nil
	}

	for {
		if err := t.waitForBudget(ctx, category); err != nil {
			return nil, err
		}
		if err := t.spacing.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+t.auth.AccessToken())

		resp, err := t.httpClient.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("[Transport] %s %s attempt %d/%d failed: %v", method, path, attempt, t.maxAttempts, err)
			if ok, serr := retry(); serr != nil {
				return nil, serr
			} else if ok {
				continue
			}
			break
		}

		// One logical request counts once against the bucket; a
		// 429-triggered retry is not a second violation.
		if !counted {
			t.recordRequest(category)
			counted = true
		}
		t.consumeRateHeaders(category, resp.Header)

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if ok, serr := retry(); serr != nil {
				return nil, serr
			} else if ok {
				continue
			}
			break
		}

		if resp.StatusCode == http.StatusUnauthorized {
			t.auth.Invalidate()
			return nil, apperrors.Authentication("broker rejected credentials", ErrSessionExpired)
		}

		// 429 waits have their own budget, separate from the retry
		// attempts, so a throttled stretch never reads as an outage.
		if resp.StatusCode == http.StatusTooManyRequests {
			if rateLimitWaits >= maxRateLimitWaits {
				return nil, apperrors.RateLimit(fmt.Sprintf("rate limited on %s", path))
			}
			rateLimitWaits++
			delay := retryAfter(resp.Header)
			log.Printf("[Transport] 429 on %s %s, backing off %v", method, path, delay)
			if err := t.clock.Sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = newAPIError(resp.StatusCode, body)
			log.Printf("[Transport] %s %s attempt %d/%d: %v", method, path, attempt, t.maxAttempts, lastErr)
			if ok, serr := retry(); serr != nil {
				return nil, serr
			} else if ok {
				continue
			}
			break
		}

		if resp.StatusCode >= 400 {
			return nil, newAPIError(resp.StatusCode, body)
		}

		return body, nil
	}

	return nil, apperrors.Transport(fmt.Sprintf("%s %s: attempts exhausted", method, path), lastErr)
}

// Get performs a GET request and decodes the JSON response into result.
func (t *Transport) Get(ctx context.Context, path string, query url.Values, result any) error {
	body, err := t.Do(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("malformed response from %s", path), err)
	}
	return nil
}

// GetRaw performs a GET request and returns the raw body.
func (t *Transport) GetRaw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return t.Do(ctx, http.MethodGet, path, query)
}

// waitForBudget blocks until the category has room in the current minute
// window.
func (t *Transport) waitForBudget(ctx context.Context, category Category) error {
	for {
		t.mu.Lock()
		b := t.bucket(category)
		now := t.clock.Now()
		minute := now.Unix() / 60
		b.prune(minute)
		limit := t.limits[category]
		count := b.counts[minute]
		t.mu.Unlock()

		if limit <= 0 || count < limit {
			return nil
		}

		boundary := time.Unix((minute+1)*60, 0)
		wait := boundary.Sub(now)
		log.Printf("[Transport] %s budget exhausted (%d/%d), waiting %v for next window", category, count, limit, wait)
		if err := t.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// recordRequest increments the current minute counter for a category.
func (t *Transport) recordRequest(category Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucket(category)
	minute := t.clock.Now().Unix() / 60
	b.counts[minute]++
}

// consumeRateHeaders overwrites the cached server limit state with the
// authoritative values from a response.
func (t *Transport) consumeRateHeaders(category Category, h http.Header) {
	limitStr := h.Get("X-RateLimit-Limit")
	remainingStr := h.Get("X-RateLimit-Remaining")
	if limitStr == "" && remainingStr == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucket(category)
	if v, err := strconv.Atoi(limitStr); err == nil {
		b.server.Limit = v
	}
	if v, err := strconv.Atoi(remainingStr); err == nil {
		b.server.Remaining = v
	}
	if v, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		b.server.ResetAt = time.Unix(v, 0)
	}
}

// ServerLimit returns the last server-reported limit state for a category.
func (t *Transport) ServerLimit(category Category) ServerLimit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucket(category).server
}

// RequestCount returns the number of requests recorded in the current minute
// window for a category.
func (t *Transport) RequestCount(category Category) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	minute := t.clock.Now().Unix() / 60
	return t.bucket(category).counts[minute]
}

// bucket returns the bucket for a category, creating it if needed. Caller
// must hold t.mu.
func (t *Transport) bucket(category Category) *bucket {
	b, ok := t.buckets[category]
	if !ok {
		b = &bucket{counts: make(map[int64]int)}
		t.buckets[category] = b
	}
	return b
}

// retryAfter reads the Retry-After header (seconds), falling back to the
// default backoff.
func retryAfter(h http.Header) time.Duration {
	if v, err := strconv.Atoi(h.Get("Retry-After")); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return defaultRetryAfter
}

func newAPIError(status int, body []byte) *APIError {
	var parsed apiErrorBody
	_ = json.Unmarshal(body, &parsed)
	return &APIError{
		StatusCode:  status,
		Code:        parsed.Error,
		Description: parsed.ErrorDescription,
		Message:     parsed.Message,
		Timestamp:   parsed.Timestamp,
		Body:        body,
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
