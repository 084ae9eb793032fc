package cache

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/wingedpig/ip2asn/pkg/filestore"
	"github.com/wingedpig/ip2asn/pkg/model"
)

// PrefixCache stores the prefixes announced by one AS as a JSON array per family
type PrefixCache struct {
	store *filestore.Store
}

// NewPrefixCache creates a prefix cache on top of store
func NewPrefixCache(store *filestore.Store) *PrefixCache {
	return &PrefixCache{store: store}
}

// PrefixFile returns the file name holding the prefixes of asn for fam
func PrefixFile(asn int, fam model.Family) (string, error) {
	if !fam.Valid() {
		return "", model.ErrUnsupportedFamily
	}
	return fmt.Sprintf("AS%d-PREFIX%d.json", asn, int(fam)), nil
}

// Read returns the cached prefix set, or ErrNotFound / ErrStale
func (c *PrefixCache) Read(asn int, fam model.Family) ([]string, error) {
	name, err := PrefixFile(asn, fam)
	if err != nil {
		return nil, err
	}
	data, err := c.store.ReadWhole(name)
	if err != nil {
		return nil, err
	}
	var prefixes []string
	if err := json.Unmarshal(data, &prefixes); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	if prefixes == nil {
		prefixes = []string{}
	}
	return prefixes, nil
}

// Write replaces the cached prefix set
func (c *PrefixCache) Write(asn int, fam model.Family, prefixes []string) error {
	name, err := PrefixFile(asn, fam)
	if err != nil {
		return err
	}
	if prefixes == nil {
		prefixes = []string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(prefixes); err != nil {
		return fmt.Errorf("failed to encode prefixes: %w", err)
	}
	return c.store.WriteWhole(name, buf.Bytes())
}
