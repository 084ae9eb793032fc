// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// Package radb queries an IRRd whois server (RADb by default) for the route
// objects registered with an origin AS.
package radb

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/wingedpig/ip2asn/pkg/model"
	"github.com/wingedpig/ip2asn/pkg/util/workers"
)

const (
	defaultServer  = "whois.radb.net:43"
	defaultTimeout = 30 * time.Second
)

// Options configures a Client
type Options struct {
	Server    string        // host:port of the IRRd server
	Proxy     string        // optional proxy URL, e.g. socks5://127.0.0.1:1080
	Timeout   time.Duration // per query, dial included
	RateLimit float64       // queries per second, 0 = unlimited
	Retry     workers.RetryConfig
	Logger    *zap.Logger
}

// Client speaks the IRRd "!" query protocol
type Client struct {
	server  string
	dialer  proxy.ContextDialer
	timeout time.Duration
	limiter *rate.Limiter
	retry   workers.RetryConfig
	log     *zap.Logger
}

// New creates a Client. It fails only when the proxy URL is unusable.
func New(opts Options) (*Client, error) {
	if opts.Server == "" {
		opts.Server = defaultServer
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

	dialer, err := newDialer(opts.Proxy, opts.Timeout)
	if err != nil {
		return nil, err
	}

	return &Client{
		server:  opts.Server,
		dialer:  dialer,
		timeout: opts.Timeout,
		limiter: workers.NewLimiter(opts.RateLimit, 1),
		retry:   opts.Retry,
		log:     opts.Logger.Named("radb"),
	}, nil
}

func newDialer(proxyURL string, timeout time.Duration) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if proxyURL == "" {
		return direct, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy url: %v", model.ErrConfiguration, err)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy: %v", model.ErrConfiguration, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("%w: proxy %s does not support contexts", model.ErrConfiguration, u.Scheme)
	}
	return cd, nil
}

// AnnouncedPrefixes returns the raw response lines of a "!gas" (IPv4) or "!6as"
// (IPv6) query. Callers are expected to filter the tokens.
func (c *Client) AnnouncedPrefixes(ctx context.Context, asn int, fam model.Family) ([]string, error) {
	var query string
	switch fam {
	case model.IPv4:
		query = fmt.Sprintf("!gas%d", asn)
	case model.IPv6:
		query = fmt.Sprintf("!6as%d", asn)
	default:
		return nil, model.ErrUnsupportedFamily
	}

	var lines []string
	err := workers.RateLimitedRetry(ctx, c.limiter, c.retry, func() error {
		var err error
		lines, err = c.query(ctx, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrResolverFailed, query, err)
	}

	c.log.Debug("whois query done",
		zap.String("query", query),
		zap.Int("lines", len(lines)))
	return lines, nil
}

func (c *Client) query(ctx context.Context, q string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.server)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.server, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", q); err != nil {
		return nil, fmt.Errorf("write query: %w", err)
	}
	return readResponse(bufio.NewReader(conn))
}

// readResponse parses one IRRd response: "A<len>" followed by data and a
// terminating "C", or a bare "C" (no data), "D" (key not found) or "F <msg>".
func readResponse(r *bufio.Reader) ([]string, error) {
	header, err := readLine(r)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	switch {
	case header == "C", header == "D":
		return nil, nil
	case strings.HasPrefix(header, "F"):
		return nil, workers.Permanent(fmt.Errorf("server error: %s", strings.TrimSpace(header[1:])))
	case strings.HasPrefix(header, "A"):
		if _, err := strconv.Atoi(header[1:]); err != nil {
			return nil, fmt.Errorf("malformed header %q", header)
		}
	default:
		return nil, fmt.Errorf("unexpected header %q", header)
	}

	var lines []string
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		if line == "C" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
