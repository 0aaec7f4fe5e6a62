package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"recordgofer/internal/config"
)

// HTTPError is returned for non-2xx responses
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("store returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// errRateLimited is returned when the limiter cannot grant a request
// before the caller's deadline
var errRateLimited = errors.New("rate limiter")

// Config for creating a new HTTPStore
type Config struct {
	BaseURL        string
	BaseID         string
	APIKey         string
	PageSize       int
	RequestTimeout time.Duration
	MaxRetries     int
	RateLimit      float64
	RateBurst      int
	Breaker        BreakerConfig
	Transport      http.RoundTripper
	Logger         zerolog.Logger
}

// HTTPStore reads records from an Airtable-style REST API
type HTTPStore struct {
	baseURL    string
	baseID     string
	apiKey     string
	pageSize   int
	maxRetries int

	httpClient  *http.Client
	rateLimiter *rate.Limiter
	breaker     *Breaker
	logger      zerolog.Logger
}

// listResponse is one page of a list call
type listResponse struct {
	Records []*Record `json:"records"`
	Offset  string    `json:"offset"`
}

// NewHTTPStore creates a new HTTPStore
func NewHTTPStore(cfg Config) *HTTPStore {
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPStore{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		baseID:     cfg.BaseID,
		apiKey:     cfg.APIKey,
		pageSize:   cfg.PageSize,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		rateLimiter: rate.NewLimiter(limit, burst),
		breaker:     NewBreaker(cfg.Breaker),
		logger:      cfg.Logger.With().Str("component", "store").Logger(),
	}
}

// NewHTTPStoreFromConfig creates an HTTPStore from config
func NewHTTPStoreFromConfig(cfg *config.StoreConfig, logger zerolog.Logger) *HTTPStore {
	return NewHTTPStore(Config{
		BaseURL:        cfg.BaseURL,
		BaseID:         cfg.BaseID,
		APIKey:         cfg.APIKey,
		PageSize:       cfg.PageSize,
		RequestTimeout: cfg.GetRequestTimeoutDuration(),
		MaxRetries:     cfg.MaxRetries,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		Breaker:        breakerConfig(cfg.CircuitBreaker),
		Logger:         logger,
	})
}

// Select lists the table's records page by page
func (s *HTTPStore) Select(ctx context.Context, table string, params SelectParams) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		offset := ""
		for page := 1; ; page++ {
			resp, err := s.fetchPage(ctx, table, params, offset)
			if err != nil {
				yield(nil, fmt.Errorf("select %s page %d: %w", table, page, err))
				return
			}

			s.logger.Debug().
				Str("table", table).
				Int("page", page).
				Int("records", len(resp.Records)).
				Msg("page fetched")

			for _, rec := range resp.Records {
				if !yield(rec, nil) {
					return
				}
			}

			if resp.Offset == "" {
				return
			}
			offset = resp.Offset
		}
	}
}

// fetchPage performs one list call unless the breaker is open
func (s *HTTPStore) fetchPage(ctx context.Context, table string, params SelectParams, offset string) (*listResponse, error) {
	if !s.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	resp, err := s.fetchPageWithRetry(ctx, table, params, offset)
	switch {
	case err == nil:
		s.breaker.Success()
	case ctx.Err() != nil, errors.Is(err, errRateLimited):
		// no answer from the store either way
		s.breaker.Release()
	case isRetryable(err):
		s.breaker.Failure()
		if s.breaker.State() == breakerOpen.String() {
			s.logger.Warn().Err(err).Str("table", table).Msg("store circuit opened")
		}
	default:
		// the store answered; a rejected query says nothing about its health
		s.breaker.Success()
	}
	return resp, err
}

// fetchPageWithRetry performs one list call with rate limiting and retry
func (s *HTTPStore) fetchPageWithRetry(ctx context.Context, table string, params SelectParams, offset string) (*listResponse, error) {
	query := url.Values{}
	if params.Formula != "" {
		query.Set("filterByFormula", params.Formula)
	}
	if params.View != "" {
		query.Set("view", params.View)
	}
	if s.pageSize > 0 {
		query.Set("pageSize", strconv.Itoa(s.pageSize))
	}
	if offset != "" {
		query.Set("offset", offset)
	}
	endpoint := s.baseURL + "/" + url.PathEscape(s.baseID) + "/" + url.PathEscape(table) + "?" + query.Encode()

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := s.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", errRateLimited, err)
		}

		body, err := s.doOnce(ctx, endpoint)
		if err == nil {
			var resp listResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, fmt.Errorf("failed to parse response: %w", err)
			}
			return &resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) {
			return nil, err
		}
		if attempt == s.maxRetries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		s.logger.Warn().
			Err(err).
			Str("table", table).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func breakerConfig(cfg *config.CircuitBreakerConfig) BreakerConfig {
	if cfg == nil {
		return BreakerConfig{}
	}
	return BreakerConfig{
		Enabled:          cfg.Enabled,
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.GetRecoveryTimeoutDuration(),
		HalfOpenRequests: cfg.HalfOpenRequests,
	}
}

func (s *HTTPStore) doOnce(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return body, nil
}

// isRetryable treats transport failures, 429 and 5xx as transient
func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return true
}
