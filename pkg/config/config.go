// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// Package config loads the YAML configuration of the resolver
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wingedpig/ip2asn/pkg/cache"
	"github.com/wingedpig/ip2asn/pkg/filestore"
	"github.com/wingedpig/ip2asn/pkg/model"
)

// Backend names
const (
	BackendCymru   = "cymru"
	BackendMaxMind = "maxmind"
	BackendRADb    = "radb"
	BackendRIPE    = "ripestat"
	BackendIPToASN = "iptoasn"
	BackendNone    = "none"
)

// Config is the complete configuration
type Config struct {
	CacheDir    string        `yaml:"cache_dir"`
	TTL         time.Duration `yaml:"ttl"`
	MatchPolicy string        `yaml:"match_policy"`
	NamesFile   string        `yaml:"names_file"`
	NamesIndex  string        `yaml:"names_index"`
	NamesURL    string        `yaml:"names_url"`
	Concurrency int           `yaml:"concurrency"`
	Origin      Origin        `yaml:"origin"`
	Registry    Registry      `yaml:"registry"`
	RDAP        RDAP          `yaml:"rdap"`
	IPToASN     IPToASN       `yaml:"iptoasn"`
	Log         Log           `yaml:"log"`
}

// Origin selects and tunes the IP to AS resolver
type Origin struct {
	Backend     string        `yaml:"backend"`
	DNSServer   string        `yaml:"dns_server"`
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   float64       `yaml:"rate_limit"`
	MMDBASN     string        `yaml:"mmdb_asn"`
	MMDBCountry string        `yaml:"mmdb_country"`
}

// Registry selects and tunes the AS to prefixes resolver
type Registry struct {
	Backend     string        `yaml:"backend"`
	WhoisServer string        `yaml:"whois_server"`
	Proxy       string        `yaml:"proxy"`
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   float64       `yaml:"rate_limit"`
	Retries     int           `yaml:"retries"`
	RIPEBaseURL string        `yaml:"ripe_base_url"`
	UserAgent   string        `yaml:"user_agent"`
}

// RDAP enables AS descriptions from RDAP autnum objects. An empty BaseURL
// uses the rdap.org redirector.
type RDAP struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
}

// IPToASN locates the offline iptoasn.com database shared by the origin and
// registry backends. SourceFile is the downloaded TSV dump it is built from.
type IPToASN struct {
	Database   string `yaml:"database"`
	SourceFile string `yaml:"source_file"`
	URL        string `yaml:"url"`
}

// Log configures the logger
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		CacheDir:    defaultCacheDir(),
		TTL:         filestore.DefaultTTL,
		MatchPolicy: cache.MatchFirst.String(),
		Concurrency: 4,
		Origin: Origin{
			Backend:   BackendCymru,
			Timeout:   5 * time.Second,
			RateLimit: 20,
		},
		Registry: Registry{
			Backend:     BackendRADb,
			WhoisServer: "whois.radb.net:43",
			Timeout:     30 * time.Second,
			RateLimit:   2,
			Retries:     3,
		},
		RDAP: RDAP{
			Timeout:   10 * time.Second,
			RateLimit: 5,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ip2asn")
	}
	return filepath.Join(dir, "ip2asn")
}

// Load reads path on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: config file %s not found", model.ErrConfiguration, path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrConfiguration, path, err)
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("%w: cache_dir is required", model.ErrConfiguration)
	}
	if c.TTL < 0 {
		return fmt.Errorf("%w: ttl must not be negative", model.ErrConfiguration)
	}
	if _, err := cache.ParseMatchPolicy(c.MatchPolicy); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must not be negative", model.ErrConfiguration)
	}

	switch c.Origin.Backend {
	case BackendCymru, BackendNone:
	case BackendIPToASN:
		if c.IPToASN.Database == "" {
			return fmt.Errorf("%w: iptoasn.database is required for the iptoasn backend", model.ErrConfiguration)
		}
	case BackendMaxMind:
		if c.Origin.MMDBASN == "" {
			return fmt.Errorf("%w: origin.mmdb_asn is required for the maxmind backend", model.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown origin backend %q", model.ErrConfiguration, c.Origin.Backend)
	}

	switch c.Registry.Backend {
	case BackendRADb, BackendRIPE, BackendNone:
	case BackendIPToASN:
		if c.IPToASN.Database == "" {
			return fmt.Errorf("%w: iptoasn.database is required for the iptoasn backend", model.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown registry backend %q", model.ErrConfiguration, c.Registry.Backend)
	}
	if c.Registry.Retries < 0 {
		return fmt.Errorf("%w: registry.retries must not be negative", model.ErrConfiguration)
	}

	if c.RDAP.RateLimit < 0 || c.Registry.RateLimit < 0 || c.Origin.RateLimit < 0 {
		return fmt.Errorf("%w: rate limits must not be negative", model.ErrConfiguration)
	}

	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", model.ErrConfiguration, c.Log.Format)
	}
	return nil
}
