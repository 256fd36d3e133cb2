// Package ghapi is a rate-limit-aware GitHub REST client. Every request goes
// through one gate that tracks the quota headers, retries transient refusals
// with backoff, and memoizes GET bodies for the lifetime of a run.
package ghapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Config struct {
	// BaseURL of the REST API; https://api.github.com when empty.
	BaseURL string
	// ArchiveURL for source zip downloads; https://github.com when empty.
	ArchiveURL string
	HTTPClient *http.Client
	Auth       Auth
	Logger     *log.Logger
	// MaxAttempts bounds retries per request; 4 when zero.
	MaxAttempts int
	// BlockOnRateLimit makes an exhausted quota wait for the reset instead
	// of failing fast with ErrRateLimitExceeded.
	BlockOnRateLimit bool
	// CacheSize is the number of GET responses memoized; 512 when zero.
	CacheSize int
}

type cachedResponse struct {
	body []byte
	next string
}

// Client is safe for concurrent use.
type Client struct {
	base        string
	archiveBase string
	http        *http.Client
	auth        Auth
	log         *log.Logger
	maxAttempts int
	blockOnLim  bool
	cache       *lru.Cache[string, cachedResponse]

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	remaining  int
	resetAt    time.Time
	limitKnown bool
}

func New(cfg Config) (*Client, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("ghapi: auth is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	if cfg.ArchiveURL == "" {
		cfg.ArchiveURL = "https://github.com"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	cache, err := lru.New[string, cachedResponse](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:        strings.TrimRight(cfg.BaseURL, "/"),
		archiveBase: strings.TrimRight(cfg.ArchiveURL, "/"),
		http:        cfg.HTTPClient,
		auth:        cfg.Auth,
		log:         cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		blockOnLim:  cfg.BlockOnRateLimit,
		cache:       cache,
		sleep:       sleepCtx,
	}, nil
}

// ValidateAuth makes one cheap call to confirm the credentials work before a
// batch starts. /rate_limit does not count against the core quota.
func (c *Client) ValidateAuth(ctx context.Context) error {
	var out struct {
		Resources struct {
			Core struct {
				Limit     int `json:"limit"`
				Remaining int `json:"remaining"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.getJSON(ctx, c.base+"/rate_limit", &out); err != nil {
		return fmt.Errorf("ghapi: credential check failed: %w", err)
	}
	c.log.Printf("ghapi: authenticated, %d/%d core requests remaining",
		out.Resources.Core.Remaining, out.Resources.Core.Limit)
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	body, _, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("ghapi: decode %s: %w", url, err)
	}
	return nil
}

// paginate fetches url and follows Link rel="next" up to maxPages, calling fn
// with each page body. fn returning false stops early.
func (c *Client) paginate(ctx context.Context, url string, maxPages int, fn func(body []byte) (more bool, err error)) error {
	for page := 0; url != "" && page < maxPages; page++ {
		body, next, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		more, err := fn(body)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		if next != "" && page == maxPages-1 {
			c.log.Printf("WARNING: ghapi: stopping pagination of %s at %d pages", url, maxPages)
		}
		url = next
	}
	return nil
}

// get is the single entry point for API requests: the rate gate, retries and
// the per-run response cache all live here.
func (c *Client) get(ctx context.Context, url string) (body []byte, next string, err error) {
	if v, ok := c.cache.Get(url); ok {
		return v.body, v.next, nil
	}

	refreshed := false
	rateLimited := false
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.waitGate(ctx); err != nil {
			return nil, "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", err
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		c.auth.Apply(req)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			lastErr = err
			if err := c.sleep(ctx, backoff(500*time.Millisecond, attempt, 5*time.Second)); err != nil {
				return nil, "", err
			}
			continue
		}

		c.noteRateLimit(resp.Header)

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, "", fmt.Errorf("ghapi: read %s: %w", url, err)
			}
			next := nextPageURL(resp.Header)
			c.cache.Add(url, cachedResponse{body: body, next: next})
			return body, next, nil

		case resp.StatusCode == http.StatusNotFound:
			drain(resp)
			return nil, "", fmt.Errorf("GET %s: %w", url, ErrNotFound)

		case resp.StatusCode == http.StatusUnauthorized:
			drain(resp)
			if refreshed {
				return nil, "", fmt.Errorf("GET %s after token refresh: %w", url, ErrAuthentication)
			}
			refreshed = true
			c.log.Printf("ghapi: 401 from %s, refreshing credentials", url)
			if err := c.auth.Refresh(ctx); err != nil {
				return nil, "", fmt.Errorf("GET %s (refresh failed: %v): %w", url, err, ErrAuthentication)
			}

		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			rateLimited = true
			lastErr = fmt.Errorf("ghapi: %d from GET %s", resp.StatusCode, url)
			delay := c.refusalDelay(resp, attempt)
			drain(resp)
			if !c.blockOnLim && delay > time.Minute {
				return nil, "", fmt.Errorf("GET %s (reset in %s): %w", url, delay.Round(time.Second), ErrRateLimitExceeded)
			}
			c.log.Printf("ghapi: rate limited on %s, waiting %s", url, delay.Round(time.Millisecond))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, "", err
			}

		case resp.StatusCode >= 500:
			rateLimited = false
			lastErr = fmt.Errorf("ghapi: %d from GET %s", resp.StatusCode, url)
			drain(resp)
			if err := c.sleep(ctx, backoff(500*time.Millisecond, attempt, 5*time.Second)); err != nil {
				return nil, "", err
			}

		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			return nil, "", fmt.Errorf("ghapi: unexpected %d from GET %s: %s", resp.StatusCode, url, msg)
		}
	}

	if rateLimited {
		return nil, "", fmt.Errorf("GET %s after %d attempts: %w", url, c.maxAttempts, ErrRateLimitExceeded)
	}
	return nil, "", fmt.Errorf("ghapi: GET %s failed after %d attempts: %w", url, c.maxAttempts, lastErr)
}

// waitGate holds requests while the last response said the quota is spent.
func (c *Client) waitGate(ctx context.Context) error {
	c.mu.Lock()
	wait := time.Duration(0)
	if c.limitKnown && c.remaining == 0 {
		if until := time.Until(c.resetAt); until > 0 {
			wait = until + time.Second
		}
	}
	c.mu.Unlock()

	if wait == 0 {
		return nil
	}
	if !c.blockOnLim {
		return fmt.Errorf("quota exhausted, resets in %s: %w", wait.Round(time.Second), ErrRateLimitExceeded)
	}
	c.log.Printf("ghapi: quota exhausted, blocking %s until reset", wait.Round(time.Second))
	return c.sleep(ctx, wait)
}

func (c *Client) noteRateLimit(h http.Header) {
	rem := h.Get("X-RateLimit-Remaining")
	if rem == "" {
		return
	}
	n, err := strconv.Atoi(rem)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limitKnown = true
	c.remaining = n
	if reset := h.Get("X-RateLimit-Reset"); reset != "" {
		if sec, err := strconv.ParseInt(reset, 10, 64); err == nil {
			c.resetAt = time.Unix(sec, 0)
		}
	}
}

// refusalDelay picks how long to wait after a 403/429: Retry-After wins, then
// the quota reset time when the quota is the cause, then plain backoff.
func (c *Client) refusalDelay(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if sec, err := strconv.Atoi(ra); err == nil && sec >= 0 {
			return time.Duration(sec) * time.Second
		}
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
			if sec, err := strconv.ParseInt(reset, 10, 64); err == nil {
				if d := time.Until(time.Unix(sec, 0)) + time.Second; d > time.Second {
					return d
				}
			}
		}
		return time.Second
	}
	return backoff(time.Second, attempt, time.Minute)
}

// backoff is base<<attempt capped at max, plus up to 50% jitter.
func backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base << attempt
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func nextPageURL(h http.Header) string {
	for _, link := range strings.Split(h.Get("Link"), ",") {
		parts := strings.Split(strings.TrimSpace(link), ";")
		if len(parts) < 2 {
			continue
		}
		if !strings.Contains(parts[1], `rel="next"`) {
			continue
		}
		return strings.Trim(strings.TrimSpace(parts[0]), "<>")
	}
	return ""
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
