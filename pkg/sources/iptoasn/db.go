// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// Package iptoasn serves origin, registry and name queries offline from a
// LevelDB database built out of the iptoasn.com ip2asn TSV dump.
package iptoasn

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wingedpig/ip2asn/pkg/filestore"
	"github.com/wingedpig/ip2asn/pkg/model"
)

// DefaultURL is the combined IPv4 and IPv6 dump published by iptoasn.com
const DefaultURL = "https://iptoasn.com/data/ip2asn-combined.tsv.gz"

// Key prefixes
const (
	prefixV4   = "P4:" // P4:<start 4 bytes> -> entry
	prefixV6   = "P6:" // P6:<start 16 bytes> -> entry
	prefixASN  = "A:"  // A:<asn 4 bytes><family byte><start> -> CIDR
	prefixName = "N:"  // N:<asn 4 bytes> -> description
	prefixMeta = "M:"
)

// Metadata keys
const (
	metaKeySchema   = "schema"
	metaKeyBuiltAt  = "built_at"
	metaKeySource   = "source"
	metaKeyPrefixes = "prefixes"
	metaKeyASNs     = "asns"
)

const (
	schemaVersion = 1
	batchSize     = 10000
)

// entry is the stored value of a prefix key
type entry struct {
	Bits     int    `msgpack:"b"`
	ASN      int    `msgpack:"a"`
	Country  string `msgpack:"c,omitempty"`
	Registry string `msgpack:"r,omitempty"`
	Name     string `msgpack:"n,omitempty"`
}

// Stats describes a built database
type Stats struct {
	Prefixes int
	ASNs     int
	BuiltAt  time.Time
	Source   string
}

// DB is an iptoasn database. It implements the origin, registry and
// describer interfaces of the engine.
type DB struct {
	db     *leveldb.DB
	mu     sync.RWMutex
	path   string
	closed bool
}

// Open opens or creates the database at path
func Open(path string) (*DB, error) {
	opts := &opt.Options{
		Compression: opt.SnappyCompression,
	}

	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open iptoasn database: %w", err)
	}

	return &DB{
		db:   db,
		path: path,
	}, nil
}

// Close closes the database
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return model.ErrDatabaseClosed
	}

	d.closed = true
	return d.db.Close()
}

// Path returns the database directory
func (d *DB) Path() string {
	return d.path
}

func familyPrefix(addr netip.Addr) string {
	if addr.Is4() {
		return prefixV4
	}
	return prefixV6
}

func prefixKey(addr netip.Addr) []byte {
	return append([]byte(familyPrefix(addr)), addr.AsSlice()...)
}

func asnKey(asn int, fam model.Family) []byte {
	key := make([]byte, len(prefixASN)+5)
	copy(key, prefixASN)
	binary.BigEndian.PutUint32(key[len(prefixASN):], uint32(asn))
	key[len(key)-1] = byte(fam)
	return key
}

func nameKey(asn int) []byte {
	key := make([]byte, len(prefixName)+4)
	copy(key, prefixName)
	binary.BigEndian.PutUint32(key[len(prefixName):], uint32(asn))
	return key
}

func metaKey(name string) []byte {
	return []byte(prefixMeta + name)
}

func validASN(asn int) bool {
	return asn > 0 && asn <= int(^uint32(0))
}

// describe joins an AS name and its country the way the names file does
func describe(name, country string) string {
	if name == "" || country == "" {
		return name
	}
	return name + ", " + country
}

// Origin returns the prefix covering addr, or nil when the address is not routed
func (d *DB) Origin(ctx context.Context, addr netip.Addr, fam model.Family) (*model.Origin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ip := addr.Unmap()

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, model.ErrDatabaseClosed
	}

	key := prefixKey(ip)
	iter := d.db.NewIterator(util.BytesPrefix([]byte(familyPrefix(ip))), nil)
	defer iter.Release()

	// floor: the greatest start address not above ip
	var ok bool
	switch {
	case !iter.Seek(key):
		ok = iter.Last()
	case bytes.Equal(iter.Key(), key):
		ok = true
	default:
		ok = iter.Prev()
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iterate failed: %v", model.ErrResolverFailed, err)
	}
	if !ok {
		return nil, nil
	}

	start, valid := netip.AddrFromSlice(iter.Key()[len(prefixV4):])
	if !valid {
		return nil, fmt.Errorf("%w: corrupt prefix key", model.ErrResolverFailed)
	}
	var e entry
	if err := msgpack.Unmarshal(iter.Value(), &e); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal entry: %v", model.ErrResolverFailed, err)
	}
	pfx := netip.PrefixFrom(start, e.Bits)
	if !pfx.IsValid() || !pfx.Contains(ip) {
		return nil, nil
	}

	return &model.Origin{
		ASNumber:    strconv.Itoa(e.ASN),
		Prefix:      renderPrefix(pfx, fam),
		CountryCode: e.Country,
		Registry:    e.Registry,
		ISP:         describe(e.Name, e.Country),
	}, nil
}

// renderPrefix writes an IPv4 prefix in the IPv6 mapped form for IPv6 queries
func renderPrefix(pfx netip.Prefix, fam model.Family) string {
	if fam == model.IPv6 && pfx.Addr().Is4() {
		return netip.PrefixFrom(netip.AddrFrom16(pfx.Addr().As16()), pfx.Bits()+96).String()
	}
	return pfx.String()
}

// AnnouncedPrefixes lists the prefixes of asn in fam in address order
func (d *DB) AnnouncedPrefixes(ctx context.Context, asn int, fam model.Family) ([]string, error) {
	if !fam.Valid() {
		return nil, model.ErrUnsupportedFamily
	}
	if !validASN(asn) {
		return nil, fmt.Errorf("%w: %d", model.ErrInvalidASN, asn)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, model.ErrDatabaseClosed
	}

	var out []string
	iter := d.db.NewIterator(util.BytesPrefix(asnKey(asn, fam)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, string(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iterate failed: %v", model.ErrResolverFailed, err)
	}
	return out, nil
}

// Describe returns the name and country of asn, or "" when unknown
func (d *DB) Describe(ctx context.Context, asn int) (string, error) {
	if !validASN(asn) {
		return "", nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return "", model.ErrDatabaseClosed
	}

	data, err := d.db.Get(nameKey(asn), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get failed: %w", err)
	}
	return string(data), nil
}

// BuildFile rebuilds the database from a TSV file, decompressing .gz and
// .zst dumps, while holding a shared lock on the file.
func (d *DB) BuildFile(ctx context.Context, path string) (int, error) {
	var n int
	err := filestore.WithLock(path, os.O_RDONLY, false, func(f *os.File) error {
		r, release, err := filestore.Decompress(path, f)
		if err != nil {
			return err
		}
		defer release()
		n, err = d.Build(ctx, r, path)
		return err
	})
	return n, err
}

// Build replaces the content of the database with the rows read from r and
// returns the number of stored prefixes. Unrouted rows are skipped.
func (d *DB) Build(ctx context.Context, r io.Reader, source string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, model.ErrDatabaseClosed
	}

	if err := d.clear(); err != nil {
		return 0, err
	}

	parser := NewParser(r)
	batch := new(leveldb.Batch)
	names := make(map[int]struct{})
	count := 0

	flush := func() error {
		if batch.Len() < batchSize {
			return nil
		}
		if err := d.db.Write(batch, nil); err != nil {
			return fmt.Errorf("batch write failed: %w", err)
		}
		batch.Reset()
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		rows, err := parser.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		for _, row := range rows {
			if !validASN(row.ASN) {
				continue
			}
			data, err := msgpack.Marshal(entry{
				Bits:     row.Prefix.Bits(),
				ASN:      row.ASN,
				Country:  row.Country,
				Registry: row.Registry,
				Name:     row.ASName,
			})
			if err != nil {
				return 0, fmt.Errorf("failed to marshal entry: %w", err)
			}
			start := row.Prefix.Addr()
			fam := model.IPv4
			if !start.Is4() {
				fam = model.IPv6
			}
			batch.Put(prefixKey(start), data)
			batch.Put(append(asnKey(row.ASN, fam), start.AsSlice()...), []byte(row.Prefix.String()))
			if _, seen := names[row.ASN]; !seen && row.ASName != "" {
				names[row.ASN] = struct{}{}
				batch.Put(nameKey(row.ASN), []byte(describe(row.ASName, row.Country)))
			}
			count++
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}

	batch.Put(metaKey(metaKeySchema), []byte(strconv.Itoa(schemaVersion)))
	batch.Put(metaKey(metaKeyBuiltAt), []byte(time.Now().UTC().Format(time.RFC3339)))
	batch.Put(metaKey(metaKeySource), []byte(source))
	batch.Put(metaKey(metaKeyPrefixes), []byte(strconv.Itoa(count)))
	batch.Put(metaKey(metaKeyASNs), []byte(strconv.Itoa(len(names))))
	if err := d.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("batch write failed: %w", err)
	}
	return count, nil
}

// clear deletes every key. Callers hold the write lock.
func (d *DB) clear() error {
	batch := new(leveldb.Batch)
	for _, prefix := range []string{prefixV4, prefixV6, prefixASN, prefixName, prefixMeta} {
		iter := d.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		for iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return fmt.Errorf("iterate failed: %w", err)
		}
	}
	return d.db.Write(batch, nil)
}

func (d *DB) getMeta(name string) (string, error) {
	value, err := d.db.Get(metaKey(name), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// Stats returns the metadata recorded by the last Build
func (d *DB) Stats() (*Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, model.ErrDatabaseClosed
	}

	stats := &Stats{}
	builtAt, err := d.getMeta(metaKeyBuiltAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", metaKeyBuiltAt, err)
	}
	if builtAt != "" {
		if stats.BuiltAt, err = time.Parse(time.RFC3339, builtAt); err != nil {
			return nil, fmt.Errorf("invalid built_at: %w", err)
		}
	}
	if stats.Source, err = d.getMeta(metaKeySource); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", metaKeySource, err)
	}
	if v, _ := d.getMeta(metaKeyPrefixes); v != "" {
		stats.Prefixes, _ = strconv.Atoi(v)
	}
	if v, _ := d.getMeta(metaKeyASNs); v != "" {
		stats.ASNs, _ = strconv.Atoi(v)
	}
	return stats, nil
}
