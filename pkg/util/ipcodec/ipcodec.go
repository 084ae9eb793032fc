package ipcodec

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"

	"github.com/wingedpig/ip2asn/pkg/model"
)

// ipv6ExpandedLen is the length of a fully expanded IPv6 address (8 groups of 4 hex digits)
const ipv6ExpandedLen = 39

// Classify determines the address family of s by the presence of a colon.
// No validation is performed.
func Classify(s string) model.Family {
	if strings.Contains(s, ":") {
		return model.IPv6
	}
	return model.IPv4
}

// ParseAddr strictly parses an IP address and returns its family
func ParseAddr(s string) (netip.Addr, model.Family, error) {
	s = strings.TrimSpace(s)
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("%w: %v", model.ErrInvalidAddress, err)
	}
	if addr.Zone() != "" {
		return netip.Addr{}, 0, fmt.Errorf("%w: zoned address %q", model.ErrInvalidAddress, s)
	}
	fam := Classify(s)
	if (fam == model.IPv4) != addr.Is4() {
		return netip.Addr{}, 0, fmt.Errorf("%w: %q", model.ErrInvalidAddress, s)
	}
	return addr, fam, nil
}

// ToBinary converts an address to its fixed-width '0'/'1' representation.
// IPv4 yields 32 characters, IPv6 yields 128, most significant byte first.
func ToBinary(s string, fam model.Family) (string, error) {
	if !fam.Valid() {
		return "", model.ErrUnsupportedFamily
	}
	addr, parsedFam, err := ParseAddr(s)
	if err != nil {
		return "", err
	}
	if parsedFam != fam {
		return "", fmt.Errorf("%w: %q is not %s", model.ErrInvalidAddress, s, fam)
	}
	return AddrToBinary(addr), nil
}

// AddrToBinary renders a parsed address as a bit string.
// IPv4-mapped IPv6 addresses keep their 128-bit form.
func AddrToBinary(addr netip.Addr) string {
	var b strings.Builder
	raw := addr.AsSlice()
	b.Grow(len(raw) * 8)
	for _, octet := range raw {
		fmt.Fprintf(&b, "%08b", octet)
	}
	return b.String()
}

// FromBinary converts a 32 or 128 character bit string back to an address
func FromBinary(bin string) (netip.Addr, error) {
	if len(bin) != 32 && len(bin) != 128 {
		return netip.Addr{}, fmt.Errorf("%w: binary length %d", model.ErrInvalidAddress, len(bin))
	}
	raw := make([]byte, len(bin)/8)
	for i := range raw {
		v, err := strconv.ParseUint(bin[i*8:i*8+8], 2, 8)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: %v", model.ErrInvalidAddress, err)
		}
		raw[i] = byte(v)
	}
	addr, ok := netip.AddrFromSlice(raw)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: invalid bytes", model.ErrInvalidAddress)
	}
	return addr, nil
}

// CIDRToBinaryPrefix converts "address/length" into the significant bits of the prefix
func CIDRToBinaryPrefix(cidr string, fam model.Family) (string, error) {
	if !fam.Valid() {
		return "", model.ErrUnsupportedFamily
	}
	addrPart, maskPart, ok := strings.Cut(strings.TrimSpace(cidr), "/")
	if !ok {
		return "", fmt.Errorf("%w: missing mask in %q", model.ErrInvalidCIDR, cidr)
	}
	if !isMask(maskPart) {
		return "", fmt.Errorf("%w: mask %q is not numeric", model.ErrInvalidCIDR, maskPart)
	}
	mask, err := strconv.Atoi(maskPart)
	if err != nil {
		return "", fmt.Errorf("%w: mask %q is not numeric", model.ErrInvalidCIDR, maskPart)
	}
	if mask < 0 || mask > fam.Bits() {
		return "", fmt.Errorf("%w: mask /%d out of range for %s", model.ErrInvalidCIDR, mask, fam)
	}
	bin, err := ToBinary(addrPart, fam)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidCIDR, err)
	}
	return bin[:mask], nil
}

// isMask accepts 1-3 decimal digits without sign or leading zero
func isMask(s string) bool {
	if s == "" || len(s) > 3 || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ExpandIPv6 expands the "::" shorthand into eight four-digit groups.
// The result must be exactly 39 characters long, otherwise ok is false.
// This is a structural check only, hex digits are not validated.
func ExpandIPv6(s string) (expanded string, ok bool) {
	var groups []string
	if head, tail, found := strings.Cut(s, "::"); found {
		left := splitGroups(head)
		right := splitGroups(tail)
		missing := 8 - len(left) - len(right)
		if missing < 0 {
			return "", false
		}
		groups = append(groups, left...)
		for i := 0; i < missing; i++ {
			groups = append(groups, "0000")
		}
		groups = append(groups, right...)
	} else {
		groups = strings.Split(s, ":")
	}

	for i, g := range groups {
		if len(g) < 4 {
			groups[i] = strings.Repeat("0", 4-len(g)) + g
		}
	}

	expanded = strings.Join(groups, ":")
	if len(expanded) != ipv6ExpandedLen {
		return "", false
	}
	return expanded, true
}

func splitGroups(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ":")
}

// CIDRToRange converts a CIDR string to start and end IP addresses
func CIDRToRange(cidr string) (start, end netip.Addr, err error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("invalid CIDR: %w", err)
	}
	prefix = prefix.Masked()
	return prefix.Addr(), netipx.PrefixLastIP(prefix), nil
}

// NormalizePrefix normalizes a CIDR prefix string
func NormalizePrefix(cidr string) (string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", err
	}
	return prefix.Masked().String(), nil
}
