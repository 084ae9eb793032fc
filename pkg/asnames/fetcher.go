// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package asnames

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wingedpig/ip2asn/pkg/filestore"
	"github.com/wingedpig/ip2asn/pkg/util/workers"
)

const (
	DefaultSourceURL = "https://ftp.ripe.net/ripe/asnames/asn.txt"
	DefaultUserAgent = "github.com/wingedpig/ip2asn"
	fetchTimeout     = 5 * time.Minute
)

// FetchMetadata records what was downloaded so the next fetch can be conditional
type FetchMetadata struct {
	SourceURL    string    `json:"source_url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	Path         string    `json:"path"`
	Bytes        int64     `json:"bytes"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Fetcher downloads the reference file with ETag/Last-Modified support
type Fetcher struct {
	client    *http.Client
	sourceURL string
	userAgent string
	retry     workers.RetryConfig
	log       *zap.Logger
}

// NewFetcher creates a new fetcher instance
func NewFetcher(sourceURL, userAgent string, log *zap.Logger) *Fetcher {
	if sourceURL == "" {
		sourceURL = DefaultSourceURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: fetchTimeout,
		},
		sourceURL: sourceURL,
		userAgent: userAgent,
		retry:     workers.DefaultRetryConfig(),
		log:       log.Named("asnames"),
	}
}

// MetadataPath returns where the metadata of dest is kept
func MetadataPath(dest string) string {
	return dest + ".meta.json"
}

// Fetch downloads the reference file into dest unless the server reports it
// unchanged. The file is replaced under an exclusive lock so concurrent
// readers see either the old or the new content. changed is false on 304.
func (f *Fetcher) Fetch(ctx context.Context, dest string) (meta *FetchMetadata, changed bool, err error) {
	metaPath := MetadataPath(dest)
	var existing FetchMetadata
	if data, err := os.ReadFile(metaPath); err == nil {
		_ = json.Unmarshal(data, &existing)
	}
	// Conditional headers are only safe while the file they describe is still there
	if _, err := os.Stat(dest); errors.Is(err, fs.ErrNotExist) || existing.SourceURL != f.sourceURL {
		existing = FetchMetadata{}
	}

	var body []byte
	var header http.Header
	notModified := false

	err = workers.Retry(ctx, f.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.sourceURL, nil)
		if err != nil {
			return workers.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("User-Agent", f.userAgent)
		if existing.ETag != "" {
			req.Header.Set("If-None-Match", existing.ETag)
		}
		if !existing.LastModified.IsZero() {
			req.Header.Set("If-Modified-Since", existing.LastModified.UTC().Format(http.TimeFormat))
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotModified:
			notModified = true
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return workers.Permanent(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to download: %w", err)
		}
		header = resp.Header
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if notModified {
		f.log.Info("reference data unchanged", zap.String("path", dest))
		return &existing, false, nil
	}

	if err := filestore.WriteFileLocked(dest, body); err != nil {
		return nil, false, fmt.Errorf("failed to write %s: %w", dest, err)
	}

	var lastModified time.Time
	if lm := header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			lastModified = t
		}
	}

	meta = &FetchMetadata{
		SourceURL:    f.sourceURL,
		ETag:         header.Get("ETag"),
		LastModified: lastModified,
		Path:         dest,
		Bytes:        int64(len(body)),
		FetchedAt:    time.Now().UTC(),
	}
	if data, err := json.MarshalIndent(meta, "", "  "); err == nil {
		if err := os.WriteFile(metaPath, data, 0644); err != nil {
			f.log.Warn("failed to save fetch metadata", zap.String("path", metaPath), zap.Error(err))
		}
	}

	f.log.Info("reference data downloaded",
		zap.String("path", dest),
		zap.Int64("bytes", meta.Bytes))
	return meta, true, nil
}
