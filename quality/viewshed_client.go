package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for viewshed requests.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 200 MB to prevent OOM.
	maxResponseBytes = 200 << 20
)

// errPermanent marks failures that retrying cannot fix
var errPermanent = errors.New("permanent failure")

// ViewshedRequest asks the line-of-sight service which cells can see a
// landmark standing at (X, Y)
type ViewshedRequest struct {
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	ObserverHeight float64 `json:"observerHeight"`
	TargetHeight   float64 `json:"targetHeight"`
	Radius         float64 `json:"radius"`
}

// FetchOption configures RequestViewshed behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
	fallback    *AffineMatrix
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// WithFallbackTransform georeferences PNG responses, which carry none
func WithFallbackTransform(m *AffineMatrix) FetchOption {
	return func(c *fetchConfig) {
		c.fallback = m
	}
}

// RequestViewshed posts req to the line-of-sight service at serviceURL and
// decodes the returned raster (ESRI ASCII grid or PNG mask). Transient
// failures are retried with exponential backoff.
func RequestViewshed(ctx context.Context, serviceURL string, req ViewshedRequest, opts ...FetchOption) (*VisibilityRaster, Grid, error) {
	if serviceURL == "" {
		return nil, Grid{}, fmt.Errorf("request viewshed: service URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, Grid{}, fmt.Errorf("request viewshed: marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, Grid{}, fmt.Errorf("request viewshed: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doPost(ctx, client, serviceURL, payload)
		if err != nil {
			if errors.Is(err, errPermanent) || ctx.Err() != nil {
				return nil, Grid{}, fmt.Errorf("request viewshed: %w", err)
			}
			lastErr = err
			continue
		}

		v, g, err := DecodeVisibility(body, cfg.fallback)
		if err != nil {
			// Decode errors are not transient; do not retry.
			return nil, Grid{}, fmt.Errorf("request viewshed: %w", err)
		}
		return v, g, nil
	}

	return nil, Grid{}, fmt.Errorf("request viewshed: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// doPost performs a single HTTP POST and returns the response body bytes.
func doPost(ctx context.Context, client *http.Client, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w: %w", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain, image/png")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP POST %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("HTTP POST %s: status %d: %w", url, resp.StatusCode, errPermanent)
		}
		return nil, fmt.Errorf("HTTP POST %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	return body, nil
}
