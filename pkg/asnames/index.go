// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package asnames

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wingedpig/ip2asn/pkg/model"
)

// Key prefixes
const (
	prefixName = "N:"
	prefixMeta = "M:"
)

// Metadata keys
const (
	metaKeySchema      = "schema"
	metaKeyBuiltAt     = "built_at"
	metaKeySourcePath  = "source_path"
	metaKeySourceMTime = "source_mtime"
	metaKeyEntries     = "entries"
)

const (
	schemaVersion = 1
	batchSize     = 10000
)

// Index is a LevelDB index of a reference File keyed by AS number
type Index struct {
	db     *leveldb.DB
	mu     sync.RWMutex
	path   string
	closed bool
}

// entry is the stored value of a name key
type entry struct {
	Name   string
	Schema int
}

// IndexStats describes a built index
type IndexStats struct {
	Entries     int
	BuiltAt     time.Time
	SourcePath  string
	SourceMTime int64
}

// OpenIndex opens or creates a LevelDB index at path
func OpenIndex(path string) (*Index, error) {
	opts := &opt.Options{
		Compression: opt.SnappyCompression,
	}

	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	return &Index{
		db:   db,
		path: path,
	}, nil
}

// Close closes the index
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return model.ErrDatabaseClosed
	}

	x.closed = true
	return x.db.Close()
}

// Path returns the index directory
func (x *Index) Path() string {
	return x.path
}

func nameKey(asn uint32) []byte {
	key := make([]byte, len(prefixName)+4)
	copy(key, prefixName)
	binary.BigEndian.PutUint32(key[len(prefixName):], asn)
	return key
}

func metaKey(name string) []byte {
	return []byte(prefixMeta + name)
}

// Describe returns the indexed name of asn, or "" when absent
func (x *Index) Describe(ctx context.Context, asn int) (string, error) {
	if asn <= 0 || asn > int(^uint32(0)) {
		return "", nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return "", model.ErrDatabaseClosed
	}

	data, err := x.db.Get(nameKey(uint32(asn)), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get failed: %w", err)
	}

	var e entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return e.Name, nil
}

// Build replaces the indexed entries with the content of src
func (x *Index) Build(ctx context.Context, src *File) (int, error) {
	mtime, err := src.ModTime()
	if err != nil {
		return 0, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return 0, model.ErrDatabaseClosed
	}

	if err := x.clear(); err != nil {
		return 0, err
	}

	batch := new(leveldb.Batch)
	count := 0
	var encErr error
	err = src.Each(func(asn uint32, name string) bool {
		if ctx.Err() != nil {
			return false
		}
		data, err := msgpack.Marshal(entry{Name: name, Schema: schemaVersion})
		if err != nil {
			encErr = fmt.Errorf("failed to marshal entry: %w", err)
			return false
		}
		batch.Put(nameKey(asn), data)
		count++
		if batch.Len() >= batchSize {
			if err := x.db.Write(batch, nil); err != nil {
				encErr = fmt.Errorf("batch write failed: %w", err)
				return false
			}
			batch.Reset()
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if encErr != nil {
		return 0, encErr
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	batch.Put(metaKey(metaKeySchema), []byte(strconv.Itoa(schemaVersion)))
	batch.Put(metaKey(metaKeyBuiltAt), []byte(time.Now().UTC().Format(time.RFC3339)))
	batch.Put(metaKey(metaKeySourcePath), []byte(src.Path()))
	batch.Put(metaKey(metaKeySourceMTime), []byte(strconv.FormatInt(mtime, 10)))
	batch.Put(metaKey(metaKeyEntries), []byte(strconv.Itoa(count)))
	if err := x.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("batch write failed: %w", err)
	}

	return count, nil
}

// clear deletes every name and metadata key. Callers hold the write lock.
func (x *Index) clear() error {
	batch := new(leveldb.Batch)
	for _, prefix := range []string{prefixName, prefixMeta} {
		iter := x.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		for iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return fmt.Errorf("iterate failed: %w", err)
		}
	}
	return x.db.Write(batch, nil)
}

func (x *Index) getMeta(name string) (string, error) {
	value, err := x.db.Get(metaKey(name), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// Stats returns the metadata recorded by the last Build
func (x *Index) Stats() (*IndexStats, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, model.ErrDatabaseClosed
	}

	stats := &IndexStats{}
	values := make(map[string]string)
	for _, k := range []string{metaKeyBuiltAt, metaKeySourcePath, metaKeySourceMTime, metaKeyEntries} {
		v, err := x.getMeta(k)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", k, err)
		}
		values[k] = v
	}

	if v := values[metaKeyBuiltAt]; v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid built_at: %w", err)
		}
		stats.BuiltAt = t
	}
	stats.SourcePath = values[metaKeySourcePath]
	if v := values[metaKeySourceMTime]; v != "" {
		stats.SourceMTime, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := values[metaKeyEntries]; v != "" {
		stats.Entries, _ = strconv.Atoi(v)
	}
	return stats, nil
}

// Fresh reports whether the index was built from the current content of src
func (x *Index) Fresh(src *File) (bool, error) {
	stats, err := x.Stats()
	if err != nil {
		return false, err
	}
	if stats.BuiltAt.IsZero() {
		return false, nil
	}
	mtime, err := src.ModTime()
	if err != nil {
		return false, err
	}
	return stats.SourcePath == src.Path() && stats.SourceMTime == mtime, nil
}
