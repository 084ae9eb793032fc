// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package ip2asn

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wingedpig/ip2asn/pkg/asnames"
	"github.com/wingedpig/ip2asn/pkg/cache"
	"github.com/wingedpig/ip2asn/pkg/config"
	"github.com/wingedpig/ip2asn/pkg/filestore"
	"github.com/wingedpig/ip2asn/pkg/sources/cymru"
	"github.com/wingedpig/ip2asn/pkg/sources/iptoasn"
	"github.com/wingedpig/ip2asn/pkg/sources/maxmind"
	"github.com/wingedpig/ip2asn/pkg/sources/radb"
	"github.com/wingedpig/ip2asn/pkg/sources/rdap"
	"github.com/wingedpig/ip2asn/pkg/sources/ripe"
	"github.com/wingedpig/ip2asn/pkg/util/workers"
)

// FromConfig wires an Engine and its resolvers from cfg. The returned close
// function releases databases opened for the engine and must be called once
// the engine is no longer used.
func FromConfig(cfg *config.Config, log *zap.Logger) (*Engine, func() error, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	store, err := filestore.Open(cfg.CacheDir, cfg.TTL)
	if err != nil {
		return nil, nil, err
	}
	policy, err := cache.ParseMatchPolicy(cfg.MatchPolicy)
	if err != nil {
		return nil, nil, err
	}

	var closers []func() error
	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	var cymruResolver *cymru.Resolver
	newCymru := func() *cymru.Resolver {
		if cymruResolver == nil {
			cymruResolver = cymru.New(cymru.Options{
				Server:    cfg.Origin.DNSServer,
				Timeout:   cfg.Origin.Timeout,
				RateLimit: cfg.Origin.RateLimit,
				Logger:    log,
			})
		}
		return cymruResolver
	}

	// one database serves both backends
	var offline *iptoasn.DB
	if cfg.Origin.Backend == config.BackendIPToASN || cfg.Registry.Backend == config.BackendIPToASN {
		offline, err = iptoasn.Open(cfg.IPToASN.Database)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, offline.Close)
	}

	opts := Options{
		Store:       store,
		MatchPolicy: policy,
		Logger:      log,
		Concurrency: cfg.Concurrency,
	}

	switch cfg.Origin.Backend {
	case config.BackendCymru:
		opts.Origin = newCymru()
	case config.BackendMaxMind:
		mm, err := maxmind.Open(cfg.Origin.MMDBASN, cfg.Origin.MMDBCountry)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to open maxmind databases: %w", err)
		}
		closers = append(closers, mm.Close)
		opts.Origin = mm
	case config.BackendIPToASN:
		opts.Origin = offline
	}

	retry := workers.DefaultRetryConfig()
	if cfg.Registry.Retries > 0 {
		retry.MaxAttempts = cfg.Registry.Retries
	}
	switch cfg.Registry.Backend {
	case config.BackendRADb:
		c, err := radb.New(radb.Options{
			Server:    cfg.Registry.WhoisServer,
			Proxy:     cfg.Registry.Proxy,
			Timeout:   cfg.Registry.Timeout,
			RateLimit: cfg.Registry.RateLimit,
			Retry:     retry,
			Logger:    log,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opts.Registry = c
	case config.BackendRIPE:
		opts.Registry = ripe.NewClient(ripe.Options{
			BaseURL:   cfg.Registry.RIPEBaseURL,
			UserAgent: cfg.Registry.UserAgent,
			RateLimit: cfg.Registry.RateLimit,
			Timeout:   cfg.Registry.Timeout,
			Retry:     retry,
			Logger:    log,
		})
	case config.BackendIPToASN:
		opts.Registry = offline
	}

	var chain asnames.Chain
	if cfg.NamesFile != "" {
		named := &asnames.Indexed{File: asnames.NewFile(cfg.NamesFile)}
		if cfg.NamesIndex != "" {
			idx, err := asnames.OpenIndex(cfg.NamesIndex)
			if err != nil {
				log.Warn("names index unavailable, scanning the file", zap.String("path", cfg.NamesIndex), zap.Error(err))
			} else {
				closers = append(closers, idx.Close)
				named.Index = idx
			}
		}
		chain = append(chain, named)
	}
	if offline != nil {
		chain = append(chain, offline)
	}
	if cfg.RDAP.Enabled {
		chain = append(chain, rdap.NewClient(rdap.Options{
			BaseURL:   cfg.RDAP.BaseURL,
			UserAgent: cfg.Registry.UserAgent,
			RateLimit: cfg.RDAP.RateLimit,
			Timeout:   cfg.RDAP.Timeout,
			Logger:    log,
		}))
	}
	if cfg.Origin.Backend == config.BackendCymru {
		chain = append(chain, newCymru())
	}
	if len(chain) > 0 {
		opts.Names = chain
	}

	engine, err := New(opts)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	log.Debug("engine ready",
		zap.String("cache_dir", store.Dir()),
		zap.Duration("ttl", store.TTL()),
		zap.Stringer("match_policy", policy),
		zap.String("origin", cfg.Origin.Backend),
		zap.String("registry", cfg.Registry.Backend),
		zap.Bool("rdap", cfg.RDAP.Enabled),
		zap.String("iptoasn", cfg.IPToASN.Database))
	return engine, closeAll, nil
}
