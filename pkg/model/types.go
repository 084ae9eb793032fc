// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package model

import (
	"strings"
	"time"
)

// SourceTag identifies this engine as the origin of an answer
const SourceTag = "ip2asn"

// NotAvailable is the placeholder used by upstream data for missing values
const NotAvailable = "NA"

// Family is an IP address family
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// Bits returns the address width of the family
func (f Family) Bits() int {
	switch f {
	case IPv4:
		return 32
	case IPv6:
		return 128
	}
	return 0
}

// Valid reports whether f is IPv4 or IPv6
func (f Family) Valid() bool {
	return f == IPv4 || f == IPv6
}

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	}
	return "unknown"
}

// ParseFamily converts 4 or 6 into a Family
func ParseFamily(v int) (Family, error) {
	f := Family(v)
	if !f.Valid() {
		return 0, ErrUnsupportedFamily
	}
	return f, nil
}

// Record is a single cached IP to AS resolution
type Record struct {
	Timestamp   time.Time `json:"-"`               // When the record was created
	ASNumber    string    `json:"as_number"`       // Origin ASN, space separated when several ASes announce the prefix
	Prefix      string    `json:"as_prefix"`       // Announced prefix (CIDR notation) or NA
	PrefixBin   string    `json:"as_prefix_bin"`   // Significant bits of Prefix as '0'/'1' text
	CountryCode string    `json:"as_country_code"` // ISO 3166-1 alpha-2 country code
	ISP         string    `json:"as_isp"`          // Organization name of the AS
	NIC         string    `json:"as_nic"`          // Regional Internet Registry (ARIN/RIPE/APNIC/LACNIC/AFRINIC)
	Allocated   string    `json:"as_alloc"`        // Allocation date or NA
	Source      string    `json:"source"`          // Always SourceTag, never persisted
}

// FirstASN returns the first AS number of a multi-origin record
func (r *Record) FirstASN() string {
	fields := strings.Fields(r.ASNumber)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// IsEmpty reports whether the record carries no resolution data
func (r *Record) IsEmpty() bool {
	return r.ASNumber == "" && r.Prefix == "" && r.PrefixBin == ""
}

// EmptyRecord is returned when no resolver knows the address
func EmptyRecord() *Record {
	return &Record{Source: SourceTag}
}

// Origin is the answer of an origin ASN resolver before normalization
type Origin struct {
	ASNumber    string
	Prefix      string // CIDR, NA or empty
	CountryCode string
	Registry    string
	Allocated   string
	ISP         string // Optional, filled by backends that know the AS name
}

// Error types
type Error string

const (
	ErrInvalidAddress    Error = "invalid IP address"
	ErrInvalidCIDR       Error = "invalid CIDR prefix"
	ErrInvalidASN        Error = "invalid AS number"
	ErrUnsupportedFamily Error = "unsupported address family"
	ErrConfiguration     Error = "configuration error"
	ErrNotFound          Error = "not found in cache"
	ErrStale             Error = "cache file is stale"
	ErrResolverFailed    Error = "external resolver failed"
	ErrDatabaseClosed    Error = "database is closed"
)

func (e Error) Error() string {
	return string(e)
}
