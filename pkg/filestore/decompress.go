package filestore

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Decompress wraps r according to the extension of name: ".zst" and ".gz"
// streams are decoded, anything else is returned as is. The returned
// function releases the decoder.
func Decompress(name string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(name, ".zst"):
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open zstd stream %s: %w", name, err)
		}
		return dec, dec.Close, nil
	case strings.HasSuffix(name, ".gz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open gzip stream %s: %w", name, err)
		}
		return gz, func() { gz.Close() }, nil
	default:
		return r, func() {}, nil
	}
}
