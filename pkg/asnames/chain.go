package asnames

import (
	"context"
	"errors"
)

// Describer resolves an AS number to its organisation name
type Describer interface {
	Describe(ctx context.Context, asn int) (string, error)
}

// Chain asks each describer in turn and returns the first non-empty name.
// Errors are returned only when no describer produced a name.
type Chain []Describer

// Describe implements Describer
func (c Chain) Describe(ctx context.Context, asn int) (string, error) {
	var errs []error
	for _, d := range c {
		if d == nil {
			continue
		}
		name, err := d.Describe(ctx, asn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if name != "" {
			return name, nil
		}
	}
	return "", errors.Join(errs...)
}

// Indexed answers from Index while it matches the current File and scans the
// File otherwise
type Indexed struct {
	File  *File
	Index *Index
}

// Describe implements Describer
func (d *Indexed) Describe(ctx context.Context, asn int) (string, error) {
	if d.Index != nil {
		if fresh, err := d.Index.Fresh(d.File); err == nil && fresh {
			return d.Index.Describe(ctx, asn)
		}
	}
	return d.File.Describe(ctx, asn)
}
