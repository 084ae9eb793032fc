// Package rdap describes AS numbers from the registries' RDAP autnum objects
package rdap

import (
	"context"
	"encoding/json"
	"errors"
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
	// DefaultBaseURL redirects each query to the registry holding the AS
	DefaultBaseURL = "https://rdap.org"
	defaultTimeout = 30 * time.Second
)

var errNoObject = errors.New("no autnum object")

// Client is an RDAP client
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

// NewClient creates a new RDAP client
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
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
		log:       opts.Logger.Named("rdap"),
	}
}

// Describe returns the organisation name of asn built from its autnum
// object, or "" when no registry knows the AS.
func (c *Client) Describe(ctx context.Context, asn int) (string, error) {
	resp, err := c.QueryAutnum(ctx, asn)
	if errors.Is(err, errNoObject) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	desc := Description(resp)
	c.log.Debug("described AS", zap.Int("asn", asn), zap.String("description", desc))
	return desc, nil
}

// QueryAutnum fetches the autnum object of asn
func (c *Client) QueryAutnum(ctx context.Context, asn int) (*Response, error) {
	url := fmt.Sprintf("%s/autnum/%d", c.baseURL, asn)

	var response Response
	err := workers.RateLimitedRetry(ctx, c.limiter, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return workers.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		req.Header.Set("Accept", "application/rdap+json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return workers.Permanent(errNoObject)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.log.Debug("retryable status", zap.Int("asn", asn), zap.Int("status", resp.StatusCode))
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return workers.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body))
		}

		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return fmt.Errorf("failed to parse RDAP response: %w", err)
		}
		return nil
	})
	if errors.Is(err, errNoObject) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: RDAP AS%d: %v", model.ErrResolverFailed, asn, err)
	}
	return &response, nil
}
