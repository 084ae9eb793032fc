// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// Package filestore provides lock-guarded access to the files of a cache
// directory shared by every process on the host.
package filestore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/wingedpig/ip2asn/pkg/model"
)

// DefaultTTL is the age after which a cache file is considered stale
const DefaultTTL = 604800 * time.Second

const filePerm = 0644

// Store is a directory of cache files with a common time-to-live.
// Every operation takes a lock on the file it touches and releases it before returning.
type Store struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// Open validates dir and returns a Store rooted at it
func Open(dir string, ttl time.Duration) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: cache directory not set", model.ErrConfiguration)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: cache directory: %v", model.ErrConfiguration, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", model.ErrConfiguration, dir)
	}

	// a read-only directory fails here rather than on the first append
	tmp, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("%w: cache directory not writable: %v", model.ErrConfiguration, err)
	}
	tmp.Close()
	os.Remove(tmp.Name())

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Store{
		dir: dir,
		ttl: ttl,
		now: time.Now,
	}, nil
}

// Dir returns the cache directory
func (s *Store) Dir() string {
	return s.dir
}

// TTL returns the configured time-to-live
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Path returns the absolute location of a named file in the store
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) stale(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	return s.now().Sub(info.ModTime()) > s.ttl, nil
}

// Scan calls fn for every non-empty line of the named file, oldest first,
// until fn returns false. It returns ErrNotFound when the file does not
// exist and ErrStale when it is older than the TTL.
func (s *Store) Scan(name string, fn func(line string) bool) error {
	err := WithLock(s.Path(name), os.O_RDONLY, true, func(f *os.File) error {
		stale, err := s.stale(f)
		if err != nil {
			return err
		}
		if stale {
			return model.ErrStale
		}

		scanner := bufio.NewScanner(f)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if !fn(line) {
				return nil
			}
		}
		return scanner.Err()
	})
	if errors.Is(err, fs.ErrNotExist) {
		return model.ErrNotFound
	}
	return err
}

// Append adds one line to the named file, creating it if needed.
// A stale file is truncated first so its records are not revived by the write.
func (s *Store) Append(name, line string) error {
	return WithLock(s.Path(name), os.O_WRONLY|os.O_APPEND|os.O_CREATE, true, func(f *os.File) error {
		stale, err := s.stale(f)
		if err != nil {
			return err
		}
		if stale {
			if err := f.Truncate(0); err != nil {
				return fmt.Errorf("failed to truncate stale file: %w", err)
			}
		}
		if _, err := io.WriteString(f, line+"\n"); err != nil {
			return fmt.Errorf("failed to append: %w", err)
		}
		return nil
	})
}

// ReadWhole returns the full content of the named file
func (s *Store) ReadWhole(name string) ([]byte, error) {
	var data []byte
	err := WithLock(s.Path(name), os.O_RDONLY, true, func(f *os.File) error {
		stale, err := s.stale(f)
		if err != nil {
			return err
		}
		if stale {
			return model.ErrStale
		}
		data, err = io.ReadAll(f)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteWhole replaces the content of the named file.
// Readers taking the lock never observe a partial write.
func (s *Store) WriteWhole(name string, data []byte) error {
	return WithLock(s.Path(name), os.O_RDWR|os.O_CREATE, true, func(f *os.File) error {
		return rewrite(f, data)
	})
}

func rewrite(f *os.File, data []byte) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return f.Sync()
}

// WithLock opens path with flag, holds a shared or exclusive lock on it
// while fn runs and releases it on every exit path.
func WithLock(path string, flag int, exclusive bool, fn func(f *os.File) error) (err error) {
	f, err := os.OpenFile(path, flag, filePerm)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lockFile(f, exclusive); err != nil {
		return fmt.Errorf("failed to lock %s: %w", path, err)
	}
	defer func() {
		if uerr := unlockFile(f); uerr != nil && err == nil {
			err = fmt.Errorf("failed to unlock %s: %w", path, uerr)
		}
	}()

	return fn(f)
}

// WriteFileLocked replaces the content of an arbitrary file under an exclusive lock
func WriteFileLocked(path string, data []byte) error {
	return WithLock(path, os.O_RDWR|os.O_CREATE, true, func(f *os.File) error {
		return rewrite(f, data)
	})
}
