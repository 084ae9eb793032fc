// Package ripe queries the RIPEstat data API for the prefixes announced by an AS
package ripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wingedpig/ip2asn/pkg/model"
	"github.com/wingedpig/ip2asn/pkg/util/workers"
)

const (
	defaultBaseURL = "https://stat.ripe.net"
	defaultTimeout = 30 * time.Second
)

// Client is a RIPEstat API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	retry      workers.RetryConfig
	log        *zap.Logger
}

// Options configures a Client
type Options struct {
	BaseURL   string
	UserAgent string
	RateLimit float64 // requests per second, 0 = unlimited
	Timeout   time.Duration
	Retry     workers.RetryConfig
	Logger    *zap.Logger
}

// NewClient creates a new RIPEstat client
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = workers.DefaultRetryConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter:   workers.NewLimiter(opts.RateLimit, int(opts.RateLimit)+1),
		userAgent: opts.UserAgent,
		retry:     opts.Retry,
		log:       opts.Logger.Named("ripe"),
	}
}

// AnnouncedPrefixes returns the prefixes of family fam that asn currently announces
func (c *Client) AnnouncedPrefixes(ctx context.Context, asn int, fam model.Family) ([]string, error) {
	if !fam.Valid() {
		return nil, model.ErrUnsupportedFamily
	}
	url := fmt.Sprintf("%s/data/announced-prefixes/data.json?resource=AS%d", c.baseURL, asn)

	var result announcedPrefixesResponse
	err := workers.RateLimitedRetry(ctx, c.limiter, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return workers.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return workers.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body))
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: AS%d: %v", model.ErrResolverFailed, asn, err)
	}

	var prefixes []string
	if result.Data != nil {
		for _, p := range result.Data.Prefixes {
			if p.Prefix == "" {
				continue
			}
			if isIPv6 := strings.Contains(p.Prefix, ":"); isIPv6 != (fam == model.IPv6) {
				continue
			}
			prefixes = append(prefixes, p.Prefix)
		}
	}

	c.log.Debug("fetched announced prefixes",
		zap.Int("asn", asn),
		zap.Stringer("family", fam),
		zap.Int("count", len(prefixes)))
	return prefixes, nil
}

type announcedPrefixesResponse struct {
	Data *struct {
		Prefixes []struct {
			Prefix    string `json:"prefix"`
			Timelines []struct {
				StartTime string `json:"starttime"`
				EndTime   string `json:"endtime"`
			} `json:"timelines"`
		} `json:"prefixes"`
		Resource  string `json:"resource"`
		QueryTime string `json:"query_time"`
	} `json:"data"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
}
