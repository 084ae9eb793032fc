// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// Package cidr validates, filters and orders CIDR prefix lists
package cidr

import (
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/maruel/natural"

	"github.com/wingedpig/ip2asn/pkg/model"
)

// IsValidIPv4 reports whether s is exactly "a.b.c.d/n" with octets 0-255 and n 0-32
func IsValidIPv4(s string) bool {
	addr, bits, ok := strings.Cut(s, "/")
	if !ok || !validDecimal(bits, 32) {
		return false
	}
	octets := strings.Split(addr, ".")
	if len(octets) != 4 {
		return false
	}
	for _, o := range octets {
		if !validDecimal(o, 255) {
			return false
		}
	}
	return true
}

// IsValidIPv6 reports whether s is an IPv6 address followed by /0 to /128
func IsValidIPv6(s string) bool {
	addrPart, bits, ok := strings.Cut(s, "/")
	if !ok || !validDecimal(bits, 128) {
		return false
	}
	if !strings.Contains(addrPart, ":") || strings.Contains(addrPart, "%") {
		return false
	}
	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return false
	}
	return addr.Is6()
}

// Valid checks s against the rules of fam
func Valid(s string, fam model.Family) bool {
	switch fam {
	case model.IPv4:
		return IsValidIPv4(s)
	case model.IPv6:
		return IsValidIPv6(s)
	}
	return false
}

// validDecimal accepts 1-3 digits without a leading zero, up to max
func validDecimal(s string, max int) bool {
	if s == "" || len(s) > 3 {
		return false
	}
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(s)
	return err == nil && n <= max
}

// Filter splits raw resolver output on whitespace and keeps the tokens that
// are valid prefixes of fam. Everything else is dropped silently.
func Filter(lines []string, fam model.Family) []string {
	var out []string
	for _, line := range lines {
		for _, tok := range strings.Fields(line) {
			if fam == model.IPv6 {
				tok = strings.ToLower(tok)
			}
			if Valid(tok, fam) {
				out = append(out, tok)
			}
		}
	}
	return out
}

// Dedupe removes duplicate prefixes keeping the first spelling.
// IPv6 prefixes are compared by value so "2001:db8::/32" and
// "2001:0db8:0000::/32" are the same entry.
func Dedupe(prefixes []string, fam model.Family) []string {
	seen := make(map[string]struct{}, len(prefixes))
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		key := dedupeKey(p, fam)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func dedupeKey(p string, fam model.Family) string {
	if fam != model.IPv6 {
		return p
	}
	prefix, err := netip.ParsePrefix(p)
	if err != nil {
		return p
	}
	raw := prefix.Addr().As16()
	return string(raw[:]) + "/" + strconv.Itoa(prefix.Bits())
}

// CanonicalSort returns prefixes in canonical order without modifying the input.
// IPv4 uses natural ordering of the text. IPv6 is ordered by the binary value
// of the address, then by prefix length, because text order is not numeric for IPv6.
func CanonicalSort(prefixes []string, fam model.Family) []string {
	out := make([]string, len(prefixes))
	copy(out, prefixes)

	if fam != model.IPv6 {
		sort.SliceStable(out, func(i, j int) bool {
			return natural.Less(out[i], out[j])
		})
		return out
	}

	type entry struct {
		text   string
		prefix netip.Prefix
		ok     bool
	}
	entries := make([]entry, len(out))
	for i, p := range out {
		pfx, err := netip.ParsePrefix(p)
		entries[i] = entry{text: p, prefix: pfx, ok: err == nil}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.ok != b.ok {
			return a.ok
		}
		if !a.ok {
			return a.text < b.text
		}
		if c := a.prefix.Addr().Compare(b.prefix.Addr()); c != 0 {
			return c < 0
		}
		return a.prefix.Bits() < b.prefix.Bits()
	})
	for i, e := range entries {
		out[i] = e.text
	}
	return out
}

// Normalize dedupes and sorts prefixes
func Normalize(prefixes []string, fam model.Family) []string {
	return CanonicalSort(Dedupe(prefixes, fam), fam)
}
