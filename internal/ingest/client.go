package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Default Polymarket REST endpoints.
const (
	DataAPIURL        = "https://data-api.polymarket.com"
	GammaAPIURL       = "https://gamma-api.polymarket.com"
	LeaderboardAPIURL = "https://lb-api.polymarket.com"
)

// LookupError is a failed REST lookup. Callers treat it as "unknown".
type LookupError struct {
	Op     string
	Status int
	Err    error
}

func (e *LookupError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// ClientConfig configures the REST client.
type ClientConfig struct {
	DataURL        string
	GammaURL       string
	LeaderboardURL string
	Timeout        time.Duration
	RatePerSec     float64
	Burst          int
}

// Client talks to the Polymarket data, gamma and leaderboard APIs.
// Requests share one rate limiter.
type Client struct {
	dataURL  string
	gammaURL string
	lbURL    string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a Client, filling unset fields with defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.DataURL == "" {
		cfg.DataURL = DataAPIURL
	}
	if cfg.GammaURL == "" {
		cfg.GammaURL = GammaAPIURL
	}
	if cfg.LeaderboardURL == "" {
		cfg.LeaderboardURL = LeaderboardAPIURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Client{
		dataURL:  cfg.DataURL,
		gammaURL: cfg.GammaURL,
		lbURL:    cfg.LeaderboardURL,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

// getJSON issues a rate-limited GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, op, base, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &LookupError{Op: op, Err: err}
	}

	u := base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &LookupError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &LookupError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &LookupError{Op: op, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &LookupError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
