// Package hub downloads dataset files from the Hugging Face hub into a
// local cache, with rate limiting and bounded retries.
package hub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/preftune/preftune/internal/config"
	"github.com/preftune/preftune/internal/metrics"
)

const (
	// DefaultBaseURL is the hub endpoint
	DefaultBaseURL = "https://huggingface.co"
	// DefaultHTTPTimeout is the timeout for a single download attempt
	DefaultHTTPTimeout = 300 * time.Second
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
)

// Client fetches dataset files and caches them on disk
type Client struct {
	baseURL        string
	token          string
	cacheDir       string
	httpClient     *http.Client
	limiter        *rate.Limiter
	logger         *slog.Logger
	collector      *metrics.Collector
	maxRetries     int
	baseRetryDelay time.Duration
}

// NewClient creates a hub client. Token may be empty for public
// repositories.
func NewClient(cfg config.HubConfig, token string, logger *slog.Logger, collector *metrics.Collector) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	rps := float64(cfg.RateLimitPerMinute) / 60.0
	burst := cfg.RateLimitPerMinute / 5
	if burst < 5 {
		burst = 5
	}
	return &Client{
		baseURL:        baseURL,
		token:          token,
		cacheDir:       cfg.CacheDir,
		httpClient:     &http.Client{Timeout: DefaultHTTPTimeout},
		limiter:        rate.NewLimiter(rate.Limit(rps), burst),
		logger:         logger,
		collector:      collector,
		maxRetries:     cfg.MaxRetries,
		baseRetryDelay: DefaultBaseRetryDelay,
	}
}

// CachePath returns where FetchDataset stores filename from repoID
func (c *Client) CachePath(repoID, filename string) string {
	return filepath.Join(c.cacheDir, filepath.FromSlash(repoID), filename)
}

// FetchDataset downloads filename from the dataset repo into the cache and
// returns the local path. A file already in the cache is returned without
// touching the network.
func (c *Client) FetchDataset(ctx context.Context, repoID, filename string) (string, error) {
	dest := c.CachePath(repoID, filename)
	if _, err := os.Stat(dest); err == nil {
		c.logger.Debug("Dataset already cached", "path", dest)
		c.collector.RecordFetch("cached")
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	url := fmt.Sprintf("%s/datasets/%s/resolve/main/%s", c.baseURL, repoID, filename)
	c.logger.Info("Fetching dataset from hub", "repo_id", repoID, "file", filename)

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay
			jitter := time.Duration(float64(backoff) * 0.1 * (2*float64(time.Now().UnixNano()%100)/100 - 1))
			sleep := backoff + jitter

			c.logger.Warn("Retrying dataset fetch",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"backoff", sleep,
				"repo_id", repoID)
			c.collector.RecordFetchRetry()

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(sleep):
			}
		}

		err := c.download(ctx, url, dest)
		if err == nil {
			c.collector.RecordFetch("success")
			c.logger.Info("Dataset fetched", "path", dest)
			return dest, nil
		}
		lastErr = err

		if fetchErr, ok := err.(*FetchError); !ok || !fetchErr.Retryable {
			c.collector.RecordFetch("error")
			return "", err
		}
	}

	c.collector.RecordFetch("error")
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// download performs one GET attempt, streaming into a temp file that is
// renamed over dest only on success
func (c *Client) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &FetchError{Message: fmt.Sprintf("request failed: %v", err), Retryable: true}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &FetchError{
			Message:    fmt.Sprintf("hub returned status %d: %s", resp.StatusCode, string(body)),
			StatusCode: resp.StatusCode,
			Retryable:  isStatusCodeRetryable(resp.StatusCode),
		}
	}

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return &FetchError{Message: fmt.Sprintf("download interrupted: %v", err), Retryable: true}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}
	return nil
}

func isStatusCodeRetryable(statusCode int) bool {
	// Retry on timeouts, rate limits, and server errors
	return statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= 500
}

// FetchError represents a failed download attempt
type FetchError struct {
	Message    string
	StatusCode int
	Retryable  bool
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("hub error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("hub error: %s", e.Message)
}
