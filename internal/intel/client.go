// Package intel queries an external threat-intelligence feed for
// indicator reports, with an optional Redis read-through cache in front.
package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/socforge/triage-engine/pkg/models"
)

const (
	overallTimeout = 10 * time.Second
	requestTimeout = 5 * time.Second
	cacheTTL       = 15 * time.Minute
)

// Client is an HTTP JSON client for the indicator feed. A nil report with
// a nil error means the indicator is unknown to the feed.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	cache   *redis.Client
}

// NewClient builds a feed client. The API key is optional; when set it is
// sent as the X-API-Key header on every request.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: overallTimeout},
	}
}

// AttachCache enables the Redis read-through cache. Cache failures are
// absorbed; the feed stays authoritative.
func (c *Client) AttachCache(rdb *redis.Client) {
	c.cache = rdb
}

// QueryIP looks up an IP address indicator.
func (c *Client) QueryIP(ctx context.Context, ip string) (*models.IntelReport, error) {
	return c.lookup(ctx, "ip", ip)
}

// QueryDomain looks up a domain indicator.
func (c *Client) QueryDomain(ctx context.Context, domain string) (*models.IntelReport, error) {
	return c.lookup(ctx, "domain", domain)
}

// QueryHash looks up a file-hash indicator.
func (c *Client) QueryHash(ctx context.Context, hash string) (*models.IntelReport, error) {
	return c.lookup(ctx, "hash", hash)
}

func (c *Client) lookup(ctx context.Context, kind, value string) (*models.IntelReport, error) {
	if report, ok := c.cacheGet(ctx, kind, value); ok {
		return report, nil
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/%s/%s", c.baseURL, kind, url.PathEscape(value))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("intel lookup %s %q: %w", kind, value, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("intel lookup %s %q: unexpected status %d", kind, value, resp.StatusCode)
	}

	var report models.IntelReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("intel lookup %s %q: decode: %w", kind, value, err)
	}
	c.cachePut(ctx, kind, value, &report)
	return &report, nil
}

// Ping probes the feed root. Any response below 500 counts as reachable;
// auth and routing problems are not liveness problems.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("intel feed returned %d", resp.StatusCode)
	}
	return nil
}

// ─── Cache ───────────────────────────────────────────────────────────────

func cacheKey(kind, value string) string {
	return fmt.Sprintf("intel:%s:%s", kind, value)
}

func (c *Client) cacheGet(ctx context.Context, kind, value string) (*models.IntelReport, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, err := c.cache.Get(ctx, cacheKey(kind, value)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("[Intel] cache read failed for %s %q: %v", kind, value, err)
		}
		return nil, false
	}
	var report models.IntelReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, false
	}
	return &report, true
}

func (c *Client) cachePut(ctx context.Context, kind, value string, report *models.IntelReport) {
	if c.cache == nil || report == nil {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cacheKey(kind, value), raw, cacheTTL).Err(); err != nil {
		log.Printf("[Intel] cache write failed for %s %q: %v", kind, value, err)
	}
}
