// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wingedpig/ip2asn/pkg/model"
)

const (
	fieldSep    = "|"
	fieldCount  = 8
	badFieldSet = "|\r\n"
)

// MarshalLine serializes a record as one '|' separated cache line:
// timestamp, prefix bits, prefix, country, ASN, ISP, NIC, allocation date.
// The transient Source field is not written.
func MarshalLine(rec *model.Record) (string, error) {
	fields := []string{
		strconv.FormatInt(rec.Timestamp.Unix(), 10),
		rec.PrefixBin,
		rec.Prefix,
		rec.CountryCode,
		rec.ASNumber,
		rec.ISP,
		rec.NIC,
		rec.Allocated,
	}
	for _, f := range fields[1:] {
		if strings.ContainsAny(f, badFieldSet) {
			return "", fmt.Errorf("field %q contains a reserved character", f)
		}
	}
	return strings.Join(fields, fieldSep), nil
}

// ParseLine parses a cache line written by MarshalLine
func ParseLine(line string) (*model.Record, error) {
	fields := strings.Split(strings.TrimSpace(line), fieldSep)
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("expected %d fields, got %d", fieldCount, len(fields))
	}

	epoch, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}

	return &model.Record{
		Timestamp:   time.Unix(epoch, 0),
		PrefixBin:   fields[1],
		Prefix:      fields[2],
		CountryCode: fields[3],
		ASNumber:    fields[4],
		ISP:         fields[5],
		NIC:         fields[6],
		Allocated:   fields[7],
	}, nil
}
