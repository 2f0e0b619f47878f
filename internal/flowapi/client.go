package flowapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/tmakela/flowsift/internal/conf"
	"github.com/tmakela/flowsift/internal/errors"
	"github.com/tmakela/flowsift/internal/geoid"
	"github.com/tmakela/flowsift/internal/logging"
)

// Package-level logger specific to the flowapi service
var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar) // Dynamic level control
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "flowapi.log")
	initialLevel := slog.LevelDebug
	serviceLevelVar.Set(initialLevel)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "flowapi", serviceLevelVar)
	if err != nil {
		// Fallback: log error to standard log and disable service logging
		log.Printf("FATAL: Failed to initialize flowapi file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "flowapi")
		closeLogger = func() error { return nil }
	}
}

// Client provides methods for querying the external flow source. One query
// returns rows for a single anchor entity in a single direction; callers
// needing both directions must issue a second query with the opposite role.
type Client struct {
	config      Config
	httpClient  *http.Client
	cache       *cache.Cache
	rateLimiter *time.Ticker
	mu          sync.Mutex
	lastRequest time.Time
	debug       bool

	// Metrics
	metrics struct {
		apiCalls      int64
		cacheHits     int64
		cacheMisses   int64
		apiErrors     int64
		malformedRows int64
		totalDuration time.Duration
		mu            sync.RWMutex
	}
}

// NewClient creates a new flow source client
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.Newf("flow source base URL is required").
			Category(errors.CategoryConfiguration).
			Component("flowapi").
			Build()
	}

	// Use defaults for missing config values
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultConfig().CacheTTL
	}
	if config.RateLimitMS == 0 {
		config.RateLimitMS = DefaultConfig().RateLimitMS
	}

	settings := conf.GetSettings()
	debug := settings != nil && settings.Debug

	client := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		cache:       cache.New(config.CacheTTL, config.CacheTTL*2),
		rateLimiter: time.NewTicker(time.Duration(config.RateLimitMS) * time.Millisecond),
		debug:       debug,
	}

	logger.Info("flow source client initialized",
		"base_url", config.BaseURL,
		"cache_ttl", config.CacheTTL,
		"rate_limit_ms", config.RateLimitMS,
		"api_key_configured", config.APIKey != "")

	return client, nil
}

// Close cleans up client resources
func (c *Client) Close() {
	c.rateLimiter.Stop()
	logger.Info("Closing flow source client")

	if closeLogger != nil {
		if err := closeLogger(); err != nil {
			log.Printf("Error closing flowapi logger: %v", err)
		}
	}
}

// Query fetches flow rows for one anchor entity in one role. With role
// destination the rows carry inbound magnitude; with role origin, outbound.
// An empty result is not an error: the source legitimately has no data for
// some anchors.
func (c *Client) Query(ctx context.Context, anchorID string, role geoid.Role, year int) ([]FlowRow, error) {
	cacheKey := fmt.Sprintf("flows:%s:%s:%d", anchorID, role, year)

	if cached, found := c.cache.Get(cacheKey); found {
		if rows, ok := cached.([]FlowRow); ok {
			c.metrics.mu.Lock()
			c.metrics.cacheHits++
			c.metrics.mu.Unlock()

			logger.Debug("flow query cache hit",
				"cache_key", cacheKey,
				"rows", len(rows))
			return rows, nil
		}
	}

	c.metrics.mu.Lock()
	c.metrics.cacheMisses++
	c.metrics.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s/flows/%d?anchor=%s&role=%s",
		c.config.BaseURL, year, url.QueryEscape(anchorID), url.QueryEscape(string(role)))

	var rows []FlowRow
	if err := c.doRequestWithRetry(reqCtx, http.MethodGet, reqURL, &rows); err != nil {
		return nil, err
	}

	c.cache.Set(cacheKey, rows, cache.DefaultExpiration)

	logger.Debug("flow query cached",
		"cache_key", cacheKey,
		"anchor", anchorID,
		"role", role,
		"rows", len(rows))

	return rows, nil
}

// EntityMetadata fetches name and population for one entity. Used only for
// eligibility configuration, so a missing entity is reported as not-found
// rather than retried.
func (c *Client) EntityMetadata(ctx context.Context, entityID string) (*EntityMetadata, error) {
	cacheKey := fmt.Sprintf("entity:%s", entityID)

	if cached, found := c.cache.Get(cacheKey); found {
		if meta, ok := cached.(*EntityMetadata); ok {
			c.metrics.mu.Lock()
			c.metrics.cacheHits++
			c.metrics.mu.Unlock()
			return meta, nil
		}
	}

	c.metrics.mu.Lock()
	c.metrics.cacheMisses++
	c.metrics.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s/entities/%s", c.config.BaseURL, url.PathEscape(entityID))

	var meta EntityMetadata
	if err := c.doRequestWithRetry(reqCtx, http.MethodGet, reqURL, &meta); err != nil {
		return nil, err
	}

	if meta.ID == "" {
		return nil, errors.Newf("entity not found: %s", entityID).
			Category(errors.CategoryNotFound).
			Context("entity_id", entityID).
			Component("flowapi").
			Build()
	}

	c.cache.Set(cacheKey, &meta, cache.DefaultExpiration)
	return &meta, nil
}

// doRequest performs an HTTP request with rate limiting and auth
func (c *Client) doRequest(ctx context.Context, method, reqURL string, result any) error {
	// Rate limiting
	c.mu.Lock()
	select {
	case <-c.rateLimiter.C:
	case <-ctx.Done():
		c.mu.Unlock()
		return ctx.Err()
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	start := time.Now()

	c.metrics.mu.Lock()
	c.metrics.apiCalls++
	c.metrics.mu.Unlock()

	if c.config.APIKey != "" {
		sep := "?"
		if strings.Contains(reqURL, "?") {
			sep = "&"
		}
		reqURL = reqURL + sep + "key=" + url.QueryEscape(c.config.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, http.NoBody)
	if err != nil {
		c.metrics.mu.Lock()
		c.metrics.apiErrors++
		c.metrics.mu.Unlock()
		return errors.Newf("failed to create HTTP request: %w", err).
			Category(errors.CategoryNetwork).
			Context("method", method).
			Context("url", reqURL).
			Component("flowapi").
			Build()
	}
	req.Header.Set("Accept", "application/json")

	if c.debug {
		logger.Debug("flow source request",
			"method", method,
			"url", reqURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.mu.Lock()
		c.metrics.apiErrors++
		c.metrics.mu.Unlock()

		logger.Error("flow source request failed",
			"error", err,
			"method", method,
			"url", reqURL)
		return errors.Newf("HTTP request failed: %w", err).
			Category(errors.CategoryNetwork).
			Context("method", method).
			Context("url", reqURL).
			Component("flowapi").
			Build()
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("Failed to read response body",
			"error", err,
			"url", reqURL,
			"status_code", resp.StatusCode)
		return errors.Newf("failed to read response body: %w", err).
			Category(errors.CategoryNetwork).
			Context("url", reqURL).
			Context("status_code", resp.StatusCode).
			Component("flowapi").
			Build()
	}

	if resp.StatusCode >= 400 {
		c.metrics.mu.Lock()
		c.metrics.apiErrors++
		c.metrics.mu.Unlock()

		var apiErr Error
		if err := json.Unmarshal(bodyBytes, &apiErr); err != nil {
			logger.Error("flow source error",
				"status_code", resp.StatusCode,
				"url", reqURL,
				"response_body", string(bodyBytes))

			return errors.Newf("flow source error (status %d): %s", resp.StatusCode, string(bodyBytes)).
				Category(getErrorCategory(resp.StatusCode)).
				Context("status_code", resp.StatusCode).
				Context("url", reqURL).
				Component("flowapi").
				Build()
		}
		apiErr.Status = resp.StatusCode

		logger.Warn("flow source error response",
			"status_code", resp.StatusCode,
			"error_title", apiErr.Title,
			"error_detail", apiErr.Detail,
			"url", reqURL)

		return errors.Newf("flow source error: %s", apiErr.Error()).
			Category(getErrorCategory(resp.StatusCode)).
			Context("status_code", resp.StatusCode).
			Context("error_title", apiErr.Title).
			Context("url", reqURL).
			Component("flowapi").
			Build()
	}

	if result != nil {
		if err := json.Unmarshal(bodyBytes, result); err != nil {
			responsePreview := string(bodyBytes)
			if len(responsePreview) > 500 {
				responsePreview = responsePreview[:500] + "..."
			}

			logger.Error("Failed to parse flow source response",
				"error", err,
				"url", reqURL,
				"response_size", len(bodyBytes),
				"response_preview", responsePreview)
			return errors.Newf("failed to parse response: %w", err).
				Category(errors.CategoryFileParsing).
				Context("url", reqURL).
				Context("response_size", len(bodyBytes)).
				Component("flowapi").
				Build()
		}
	}

	duration := time.Since(start)

	if c.debug {
		logger.Debug("flow source response",
			"status_code", resp.StatusCode,
			"url", reqURL,
			"duration_ms", duration.Milliseconds(),
			"response_size", len(bodyBytes))
	}

	c.metrics.mu.Lock()
	c.metrics.totalDuration += duration
	c.metrics.mu.Unlock()

	return nil
}

// doRequestWithRetry wraps doRequest with retry logic for transient failures
func (c *Client) doRequestWithRetry(ctx context.Context, method, reqURL string, result any) error {
	const maxRetries = 3
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := c.doRequest(ctx, method, reqURL, result)
		if err == nil {
			return nil
		}

		// Check if error is retryable
		var enhancedErr *errors.EnhancedError
		if errors.As(err, &enhancedErr) {
			if enhancedErr.Category == errors.CategoryConfiguration ||
				enhancedErr.Category == errors.CategoryNotFound ||
				enhancedErr.Category == errors.CategoryValidation {
				return err
			}

			// Don't retry client errors except 429, which the rate limiter
			// should make rare to begin with.
			if statusCode, ok := enhancedErr.Context["status_code"].(int); ok {
				if statusCode >= 400 && statusCode < 500 && statusCode != 429 {
					return err
				}
			}
		}

		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}

		delay := time.Duration(attempt+1) * 500 * time.Millisecond
		if attempt < maxRetries-1 {
			logger.Warn("flow source request failed, retrying",
				"attempt", attempt+1,
				"max_retries", maxRetries,
				"delay_ms", delay.Milliseconds(),
				"url", reqURL,
				"error", err.Error())

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}

// CountMalformedRow tallies a row dropped for carrying an unusable magnitude.
func (c *Client) CountMalformedRow() {
	c.metrics.mu.Lock()
	c.metrics.malformedRows++
	c.metrics.mu.Unlock()
}

// ClearCache clears all cached data
func (c *Client) ClearCache() {
	c.cache.Flush()
	logger.Info("flow source cache cleared")
}

// Metrics represents flow source client performance metrics
type Metrics struct {
	APICalls      int64         `json:"api_calls"`
	CacheHits     int64         `json:"cache_hits"`
	CacheMisses   int64         `json:"cache_misses"`
	APIErrors     int64         `json:"api_errors"`
	MalformedRows int64         `json:"malformed_rows"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// GetMetrics returns current client metrics
func (c *Client) GetMetrics() Metrics {
	c.metrics.mu.RLock()
	defer c.metrics.mu.RUnlock()

	metrics := Metrics{
		APICalls:      c.metrics.apiCalls,
		CacheHits:     c.metrics.cacheHits,
		CacheMisses:   c.metrics.cacheMisses,
		APIErrors:     c.metrics.apiErrors,
		MalformedRows: c.metrics.malformedRows,
		TotalDuration: c.metrics.totalDuration,
	}

	if metrics.APICalls > 0 {
		metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.APICalls)
	}

	return metrics
}

// getErrorCategory determines the appropriate error category based on HTTP status code
func getErrorCategory(statusCode int) errors.ErrorCategory {
	switch statusCode {
	case 401, 403:
		return errors.CategoryConfiguration
	case 429:
		return errors.CategoryLimit
	case 404:
		return errors.CategoryNotFound
	case 500, 502, 503, 504:
		return errors.CategoryNetwork
	default:
		return errors.CategoryNetwork
	}
}
