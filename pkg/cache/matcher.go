package cache

import (
	"fmt"
	"strings"
)

// Matches reports whether prefixBin is a leading substring of addrBin.
// The empty prefix matches every address.
func Matches(addrBin, prefixBin string) bool {
	return strings.HasPrefix(addrBin, prefixBin)
}

// MatchPolicy selects which covering record a scan returns
type MatchPolicy int

const (
	// MatchFirst returns the first covering record in file order.
	// A more specific record appended later is shadowed by an older, broader one.
	MatchFirst MatchPolicy = iota
	// MatchLongest returns the covering record with the most prefix bits
	MatchLongest
)

// ParseMatchPolicy converts "first" or "longest" into a MatchPolicy
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return MatchFirst, nil
	case "longest":
		return MatchLongest, nil
	}
	return MatchFirst, fmt.Errorf("unknown match policy %q", s)
}

func (p MatchPolicy) String() string {
	if p == MatchLongest {
		return "longest"
	}
	return "first"
}
