// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package cache

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wingedpig/ip2asn/pkg/filestore"
	"github.com/wingedpig/ip2asn/pkg/model"
)

// File names of the per-family record logs
const (
	FileIPv4 = "ASN4-CACHE.db"
	FileIPv6 = "ASN6-CACHE.db"
)

// RecordFile returns the record log name for a family
func RecordFile(fam model.Family) (string, error) {
	switch fam {
	case model.IPv4:
		return FileIPv4, nil
	case model.IPv6:
		return FileIPv6, nil
	}
	return "", model.ErrUnsupportedFamily
}

// AddrCache is the append-only log of IP to AS resolutions, one file per family
type AddrCache struct {
	store  *filestore.Store
	policy MatchPolicy
	log    *zap.Logger
}

// NewAddrCache creates an address cache on top of store
func NewAddrCache(store *filestore.Store, policy MatchPolicy, log *zap.Logger) *AddrCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &AddrCache{
		store:  store,
		policy: policy,
		log:    log,
	}
}

// ScanForCover returns the cached record whose prefix covers addrBin.
// It returns ErrNotFound when the file is absent or has no covering record,
// and ErrStale when the whole file has outlived the TTL.
func (c *AddrCache) ScanForCover(fam model.Family, addrBin string) (*model.Record, error) {
	name, err := RecordFile(fam)
	if err != nil {
		return nil, err
	}

	var found *model.Record
	lineNum := 0
	err = c.store.Scan(name, func(line string) bool {
		lineNum++
		rec, err := ParseLine(line)
		if err != nil {
			c.log.Warn("skipping malformed cache line",
				zap.String("file", name), zap.Int("line", lineNum), zap.Error(err))
			return true
		}
		if !Matches(addrBin, rec.PrefixBin) {
			return true
		}
		if c.policy == MatchFirst {
			found = rec
			return false
		}
		if found == nil || len(rec.PrefixBin) > len(found.PrefixBin) {
			found = rec
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, model.ErrNotFound
	}
	return found, nil
}

// Append writes rec at the end of the family's log
func (c *AddrCache) Append(fam model.Family, rec *model.Record) error {
	name, err := RecordFile(fam)
	if err != nil {
		return err
	}
	line, err := MarshalLine(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return c.store.Append(name, line)
}
