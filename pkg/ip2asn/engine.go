// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// Package ip2asn resolves IP addresses to their origin AS and AS numbers to
// their announced prefixes, keeping both answers in a file cache shared by
// every process on the host.
package ip2asn

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wingedpig/ip2asn/pkg/cache"
	"github.com/wingedpig/ip2asn/pkg/cidr"
	"github.com/wingedpig/ip2asn/pkg/filestore"
	"github.com/wingedpig/ip2asn/pkg/model"
	"github.com/wingedpig/ip2asn/pkg/util/ipcodec"
	"github.com/wingedpig/ip2asn/pkg/util/workers"
)

// OriginResolver finds the AS announcing an address. A nil Origin with a nil
// error means the resolver has no data.
type OriginResolver interface {
	Origin(ctx context.Context, addr netip.Addr, fam model.Family) (*model.Origin, error)
}

// RegistryResolver returns raw text lines listing the prefixes of an AS.
// Lines may hold several whitespace separated tokens, junk included.
type RegistryResolver interface {
	AnnouncedPrefixes(ctx context.Context, asn int, fam model.Family) ([]string, error)
}

// Describer maps an AS number to its organisation name
type Describer interface {
	Describe(ctx context.Context, asn int) (string, error)
}

// Options configures an Engine. Store is required, every resolver is optional.
type Options struct {
	Store       *filestore.Store
	Origin      OriginResolver
	Registry    RegistryResolver
	Names       Describer
	MatchPolicy cache.MatchPolicy
	Logger      *zap.Logger
	Observer    Observer
	Concurrency int // fan-out of the bulk operations
}

// Engine is the resolution orchestrator. It keeps no mutable state of its own
// and is safe for concurrent use; the cache files are guarded by file locks.
type Engine struct {
	store       *filestore.Store
	addrs       *cache.AddrCache
	prefixes    *cache.PrefixCache
	origin      OriginResolver
	registry    RegistryResolver
	names       Describer
	log         *zap.Logger
	obs         Observer
	concurrency int
	now         func() time.Time
}

// New creates an Engine
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: cache store is required", model.ErrConfiguration)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	return &Engine{
		store:       opts.Store,
		addrs:       cache.NewAddrCache(opts.Store, opts.MatchPolicy, opts.Logger),
		prefixes:    cache.NewPrefixCache(opts.Store),
		origin:      opts.Origin,
		registry:    opts.Registry,
		names:       opts.Names,
		log:         opts.Logger,
		obs:         opts.Observer,
		concurrency: opts.Concurrency,
		now:         time.Now,
	}, nil
}

// Store returns the file store backing the caches
func (e *Engine) Store() *filestore.Store {
	return e.store
}

func (e *Engine) emit(kind EventKind, op, key string, err error) {
	e.obs.Observe(Event{Kind: kind, Op: op, Key: key, Err: err})
}

// GetAsn resolves address to its origin AS. A covering record in the cache is
// returned as is; otherwise the origin resolver is asked and its answer
// appended to the cache. When nothing is known the record is empty but still
// carries Source. Only an unparsable address is an error.
func (e *Engine) GetAsn(ctx context.Context, address string) (*model.Record, error) {
	address = strings.TrimSpace(address)
	addr, fam, err := ipcodec.ParseAddr(address)
	if err != nil {
		return nil, err
	}
	addrBin := ipcodec.AddrToBinary(addr)

	rec, err := e.addrs.ScanForCover(fam, addrBin)
	switch {
	case err == nil:
		e.emit(EventCacheHit, "addr", address, nil)
		rec.Source = model.SourceTag
		return rec, nil
	case errors.Is(err, model.ErrNotFound):
		e.emit(EventCacheMiss, "addr", address, nil)
	case errors.Is(err, model.ErrStale):
		e.emit(EventCacheStale, "addr", address, nil)
	default:
		e.log.Warn("cache read failed", zap.String("ip", address), zap.Error(err))
		e.emit(EventCacheReadError, "addr", address, err)
	}

	if e.origin == nil {
		e.emit(EventResolverEmpty, "addr", address, nil)
		return model.EmptyRecord(), nil
	}
	origin, err := e.origin.Origin(ctx, addr, fam)
	if err != nil {
		e.log.Warn("origin lookup failed", zap.String("ip", address), zap.Error(err))
		e.emit(EventResolverError, "addr", address, err)
		return model.EmptyRecord(), nil
	}
	if origin == nil || strings.TrimSpace(origin.ASNumber) == "" {
		e.log.Debug("no origin data", zap.String("ip", address))
		e.emit(EventResolverEmpty, "addr", address, nil)
		return model.EmptyRecord(), nil
	}

	rec = e.normalize(ctx, origin, addrBin, fam)
	if err := e.addrs.Append(fam, rec); err != nil {
		e.log.Warn("cache write failed", zap.String("ip", address), zap.Error(err))
		e.emit(EventCacheWriteError, "addr", address, err)
	}
	rec.Source = model.SourceTag
	return rec, nil
}

// normalize turns a resolver answer into a cache record
func (e *Engine) normalize(ctx context.Context, o *model.Origin, addrBin string, fam model.Family) *model.Record {
	rec := &model.Record{
		Timestamp:   e.now().Truncate(time.Second),
		ASNumber:    clean(o.ASNumber),
		Prefix:      clean(o.Prefix),
		CountryCode: clean(o.CountryCode),
		NIC:         normalizeNIC(o.Registry),
		Allocated:   clean(o.Allocated),
		ISP:         clean(o.ISP),
	}
	if rec.Allocated == "" {
		rec.Allocated = model.NotAvailable
	}

	rec.PrefixBin = addrBin
	switch {
	case rec.Prefix == "":
		rec.Prefix = model.NotAvailable
	case rec.Prefix == model.NotAvailable:
	default:
		bin, err := ipcodec.CIDRToBinaryPrefix(rec.Prefix, fam)
		switch {
		case err != nil:
			e.log.Debug("unusable prefix, caching the address only",
				zap.String("prefix", rec.Prefix), zap.Error(err))
		case !cache.Matches(addrBin, bin):
			e.log.Warn("prefix does not cover the address, caching the address only",
				zap.String("prefix", rec.Prefix))
		default:
			rec.PrefixBin = bin
		}
	}

	if rec.ISP == "" {
		if asn, err := strconv.Atoi(rec.FirstASN()); err == nil {
			rec.ISP = clean(e.AsnToDescription(ctx, asn))
		}
	}
	return rec
}

// normalizeNIC upper-cases the registry and drops a trailing "NCC" (RIPENCC -> RIPE)
func normalizeNIC(s string) string {
	s = strings.ToUpper(clean(s))
	return strings.TrimSpace(strings.TrimSuffix(s, "NCC"))
}

// clean trims s and replaces characters that would break a cache line
func clean(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch r {
		case '|', '\r', '\n':
			return ' '
		}
		return r
	}, s))
}

// AsnToDescription returns the organisation name of asn, or "" when unknown.
// Lookup failures are logged and reported to the observer.
func (e *Engine) AsnToDescription(ctx context.Context, asn int) string {
	if e.names == nil || asn <= 0 {
		return ""
	}
	name, err := e.names.Describe(ctx, asn)
	if err != nil {
		key := "AS" + strconv.Itoa(asn)
		e.log.Warn("describe failed", zap.Int("asn", asn), zap.Error(err))
		e.emit(EventResolverError, "describe", key, err)
		return ""
	}
	return name
}

// AsnToPrefixes returns the prefixes of family fam announced by asn in
// canonical order. A fresh cached set is returned without any query. An empty
// or failed registry answer yields an empty slice and is not cached.
func (e *Engine) AsnToPrefixes(ctx context.Context, asn int, fam model.Family) ([]string, error) {
	if !fam.Valid() {
		return nil, model.ErrUnsupportedFamily
	}
	if asn <= 0 {
		return nil, fmt.Errorf("%w: %d", model.ErrInvalidASN, asn)
	}
	key := "AS" + strconv.Itoa(asn)

	cached, err := e.prefixes.Read(asn, fam)
	switch {
	case err == nil:
		e.emit(EventCacheHit, "prefixes", key, nil)
		return cached, nil
	case errors.Is(err, model.ErrNotFound):
		e.emit(EventCacheMiss, "prefixes", key, nil)
	case errors.Is(err, model.ErrStale):
		e.emit(EventCacheStale, "prefixes", key, nil)
	default:
		e.log.Warn("prefix cache read failed", zap.Int("asn", asn), zap.Error(err))
		e.emit(EventCacheReadError, "prefixes", key, err)
	}

	if e.registry == nil {
		e.emit(EventResolverEmpty, "prefixes", key, nil)
		return []string{}, nil
	}
	lines, err := e.registry.AnnouncedPrefixes(ctx, asn, fam)
	if err != nil {
		e.log.Warn("registry lookup failed", zap.Int("asn", asn), zap.Stringer("family", fam), zap.Error(err))
		e.emit(EventResolverError, "prefixes", key, err)
		return []string{}, nil
	}

	prefixes := cidr.Normalize(cidr.Filter(lines, fam), fam)
	if len(prefixes) == 0 {
		e.emit(EventResolverEmpty, "prefixes", key, nil)
		return []string{}, nil
	}

	if err := e.prefixes.Write(asn, fam, prefixes); err != nil {
		e.log.Warn("prefix cache write failed", zap.Int("asn", asn), zap.Error(err))
		e.emit(EventCacheWriteError, "prefixes", key, err)
	}
	return prefixes, nil
}

// AsnsToPrefixes returns the deduplicated union of the prefixes of every AS in asns
func (e *Engine) AsnsToPrefixes(ctx context.Context, asns []int, fam model.Family) ([]string, error) {
	if !fam.Valid() {
		return nil, model.ErrUnsupportedFamily
	}
	for _, asn := range asns {
		if asn <= 0 {
			return nil, fmt.Errorf("%w: %d", model.ErrInvalidASN, asn)
		}
	}

	sets := make([][]string, len(asns))
	errs := workers.Each(ctx, workers.Config{Workers: e.concurrency}, len(asns), func(ctx context.Context, i int) error {
		var err error
		sets[i], err = e.AsnToPrefixes(ctx, asns[i], fam)
		return err
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var union []string
	for _, set := range sets {
		union = append(union, set...)
	}
	return cidr.Normalize(union, fam), nil
}

// LookupResult is one answer of LookupMany
type LookupResult struct {
	Address string
	Record  *model.Record
	Err     error
}

// LookupMany resolves every address through GetAsn with the configured
// concurrency. Results are in input order.
func (e *Engine) LookupMany(ctx context.Context, addresses []string) []LookupResult {
	results := make([]LookupResult, len(addresses))
	errs := workers.Each(ctx, workers.Config{Workers: e.concurrency}, len(addresses), func(ctx context.Context, i int) error {
		rec, err := e.GetAsn(ctx, addresses[i])
		results[i] = LookupResult{Address: addresses[i], Record: rec}
		return err
	})
	for i, err := range errs {
		results[i].Address = addresses[i]
		results[i].Err = err
	}
	return results
}
