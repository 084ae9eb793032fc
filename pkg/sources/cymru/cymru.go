// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// Package cymru resolves origin ASNs and AS names through the Team Cymru
// IP to ASN DNS service.
package cymru

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wingedpig/ip2asn/pkg/model"
	"github.com/wingedpig/ip2asn/pkg/util/workers"
)

const (
	originZone  = "origin.asn.cymru.com."
	origin6Zone = "origin6.asn.cymru.com."
	asnZone     = "asn.cymru.com."

	defaultServer  = "1.1.1.1:53"
	defaultTimeout = 5 * time.Second
	resolvConf     = "/etc/resolv.conf"
)

// Options configures a Resolver
type Options struct {
	Server    string        // host:port of the recursive resolver, empty = system resolver
	Timeout   time.Duration // per query
	RateLimit float64       // queries per second, 0 = unlimited
	Retry     workers.RetryConfig
	Logger    *zap.Logger
}

// Resolver queries Team Cymru over DNS
type Resolver struct {
	udp     *dns.Client
	tcp     *dns.Client
	server  string
	limiter *rate.Limiter
	retry   workers.RetryConfig
	log     *zap.Logger
}

// New creates a Resolver
func New(opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Server == "" {
		opts.Server = systemServer()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = workers.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Resolver{
		udp:     &dns.Client{Net: "udp", Timeout: opts.Timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: opts.Timeout},
		server:  opts.Server,
		limiter: workers.NewLimiter(opts.RateLimit, int(opts.RateLimit)+1),
		retry:   opts.Retry,
		log:     opts.Logger.Named("cymru"),
	}
}

// systemServer returns the first nameserver of resolv.conf
func systemServer() string {
	cfg, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(cfg.Servers) == 0 {
		return defaultServer
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}

// Server returns the nameserver queries are sent to
func (r *Resolver) Server() string {
	return r.server
}

// Origin returns the announcing AS of addr, or nil when Cymru has no data
func (r *Resolver) Origin(ctx context.Context, addr netip.Addr, fam model.Family) (*model.Origin, error) {
	name, err := originQueryName(addr, fam)
	if err != nil {
		return nil, err
	}
	answers, err := r.queryTXT(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(answers) == 0 {
		return nil, nil
	}
	if len(answers) > 1 {
		r.log.Debug("multiple origin answers, using the first",
			zap.Stringer("ip", addr),
			zap.Strings("answers", answers))
	}
	return parseOrigin(answers[0]), nil
}

// Describe returns the AS name Cymru reports for asn, or "" when unknown
func (r *Resolver) Describe(ctx context.Context, asn int) (string, error) {
	answers, err := r.queryTXT(ctx, fmt.Sprintf("AS%d.%s", asn, asnZone))
	if err != nil {
		return "", err
	}
	if len(answers) == 0 {
		return "", nil
	}
	return parseDescription(answers[0]), nil
}

// originQueryName builds the reversed-octet or reversed-nibble query name
func originQueryName(addr netip.Addr, fam model.Family) (string, error) {
	var b strings.Builder
	switch fam {
	case model.IPv4:
		if !addr.Is4() {
			return "", fmt.Errorf("%w: %s is not ipv4", model.ErrInvalidAddress, addr)
		}
		octets := addr.As4()
		for i := len(octets) - 1; i >= 0; i-- {
			b.WriteString(strconv.Itoa(int(octets[i])))
			b.WriteByte('.')
		}
		b.WriteString(originZone)
	case model.IPv6:
		if addr.Is4() {
			return "", fmt.Errorf("%w: %s is not ipv6", model.ErrInvalidAddress, addr)
		}
		raw := addr.As16()
		const hexDigits = "0123456789abcdef"
		for i := len(raw) - 1; i >= 0; i-- {
			b.WriteByte(hexDigits[raw[i]&0x0f])
			b.WriteByte('.')
			b.WriteByte(hexDigits[raw[i]>>4])
			b.WriteByte('.')
		}
		b.WriteString(origin6Zone)
	default:
		return "", model.ErrUnsupportedFamily
	}
	return b.String(), nil
}

// parseOrigin parses "ASN | prefix | CC | registry | allocated"
func parseOrigin(txt string) *model.Origin {
	fields := splitFields(txt)
	field := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	o := &model.Origin{
		ASNumber:    field(0),
		Prefix:      field(1),
		CountryCode: field(2),
		Registry:    field(3),
		Allocated:   field(4),
	}
	if o.ASNumber == "" || o.ASNumber == model.NotAvailable {
		return nil
	}
	return o
}

// parseDescription extracts the name from "ASN | CC | registry | allocated | name"
func parseDescription(txt string) string {
	fields := splitFields(txt)
	if len(fields) < 5 {
		return ""
	}
	return strings.Join(fields[4:], " | ")
}

func splitFields(txt string) []string {
	parts := strings.Split(txt, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// queryTXT returns the TXT strings of name in answer order. NXDOMAIN yields no answers.
func (r *Resolver) queryTXT(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true

	var resp *dns.Msg
	err := workers.RateLimitedRetry(ctx, r.limiter, r.retry, func() error {
		in, _, err := r.udp.ExchangeContext(ctx, msg, r.server)
		if err == nil && in.Truncated {
			in, _, err = r.tcp.ExchangeContext(ctx, msg, r.server)
		}
		if err != nil {
			return err
		}
		switch in.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
			resp = in
			return nil
		case dns.RcodeServerFailure:
			return fmt.Errorf("server failure for %s", name)
		default:
			return workers.Permanent(fmt.Errorf("rcode %s for %s", dns.RcodeToString[in.Rcode], name))
		}
	})
	if err != nil {
		r.log.Debug("txt query failed", zap.String("name", name), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", model.ErrResolverFailed, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, nil
	}

	var answers []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			answers = append(answers, strings.Join(txt.Txt, ""))
		}
	}
	return answers, nil
}
