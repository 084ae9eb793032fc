// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// Package asnames maps AS numbers to organisation names using a flat
// reference file, an optional LevelDB index built from it, and a downloader
// that keeps the file current.
package asnames

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/wingedpig/ip2asn/pkg/filestore"
	"github.com/wingedpig/ip2asn/pkg/model"
)

// File is a reference database with one "AS<number> <organisation>" entry per line.
// The "AS" prefix is optional. Files ending in .gz or .zst are decompressed on the fly.
type File struct {
	path string
}

// NewFile returns a File reading path. The file does not need to exist yet.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the location of the reference file
func (f *File) Path() string {
	return f.path
}

// ModTime returns the modification time of the reference file
func (f *File) ModTime() (int64, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, model.ErrNotFound
		}
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}

// Each calls fn for every well-formed entry until fn returns false.
// The file is held under a shared lock for the whole pass.
func (f *File) Each(fn func(asn uint32, name string) bool) error {
	err := filestore.WithLock(f.path, os.O_RDONLY, false, func(fh *os.File) error {
		r, closeFn, err := filestore.Decompress(f.path, fh)
		if err != nil {
			return err
		}
		defer closeFn()

		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			asn, name, ok := ParseLine(scanner.Text())
			if !ok {
				continue
			}
			if !fn(asn, name) {
				return nil
			}
		}
		return scanner.Err()
	})
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, f.path)
	}
	return err
}

// Describe scans the file for asn and returns its name, or "" when absent
func (f *File) Describe(ctx context.Context, asn int) (string, error) {
	if asn <= 0 {
		return "", nil
	}
	var found string
	err := f.Each(func(n uint32, name string) bool {
		if ctx.Err() != nil {
			return false
		}
		if int(n) == asn {
			found = name
			return false
		}
		return true
	})
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return found, nil
}

// ParseLine splits "AS15169 GOOGLE, US" or "15169 GOOGLE, US" into number and name
func ParseLine(line string) (uint32, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return 0, "", false
	}
	numPart, name, _ := strings.Cut(line, " ")
	numPart = strings.TrimPrefix(strings.TrimPrefix(numPart, "AS"), "as")
	n, err := strconv.ParseUint(numPart, 10, 32)
	if err != nil || n == 0 {
		return 0, "", false
	}
	return uint32(n), strings.TrimSpace(name), true
}

// ParseASN accepts "15169", "AS15169" or "as15169"
func ParseASN(s string) (int, error) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && strings.EqualFold(s[:2], "AS") {
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", model.ErrInvalidASN, s)
	}
	return int(n), nil
}
