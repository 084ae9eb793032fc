// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package iptoasn

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"
)

// Row is one prefix of the iptoasn dataset. A TSV range that is not a single
// CIDR block expands to several rows sharing the same attributes.
type Row struct {
	Prefix   netip.Prefix
	Start    netip.Addr // inclusive
	End      netip.Addr // inclusive
	ASN      int        // 0 means not routed
	Country  string     // empty when unknown
	Registry string     // only present in the six column layout
	ASName   string
}

// Parser reads the iptoasn TSV format. Two layouts are accepted:
//
//	start end asn country description           (iptoasn.com ip2asn-*.tsv)
//	start end asn country registry description  (extended)
type Parser struct {
	scanner *bufio.Scanner
	lineNum int
}

// NewParser creates a new parser for the given reader
func NewParser(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return &Parser{scanner: scanner}
}

// ParseAll parses all rows from the input
func (p *Parser) ParseAll() ([]Row, error) {
	var rows []Row
	for {
		set, err := p.ParseNext()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, set...)
	}
}

// ParseNext parses the next line. Empty and comment lines return nil rows
// and a nil error; the end of input returns io.EOF.
func (p *Parser) ParseNext() ([]Row, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return nil, fmt.Errorf("scanner error at line %d: %w", p.lineNum, err)
		}
		return nil, io.EOF
	}

	p.lineNum++
	line := strings.TrimSpace(p.scanner.Text())
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}

	fields := strings.Split(line, "\t")
	if len(fields) < 5 {
		return nil, fmt.Errorf("line %d: expected at least 5 fields, got %d", p.lineNum, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	start, err := netip.ParseAddr(fields[0])
	if err != nil {
		return nil, fmt.Errorf("line %d: invalid start IP: %w", p.lineNum, err)
	}
	end, err := netip.ParseAddr(fields[1])
	if err != nil {
		return nil, fmt.Errorf("line %d: invalid end IP: %w", p.lineNum, err)
	}
	start, end = start.Unmap(), end.Unmap()
	if start.Is4() != end.Is4() {
		return nil, fmt.Errorf("line %d: start and end IPs have different families", p.lineNum)
	}

	asn, err := strconv.Atoi(fields[2])
	if err != nil || asn < 0 {
		return nil, fmt.Errorf("line %d: invalid ASN %q", p.lineNum, fields[2])
	}

	row := Row{
		ASN:     asn,
		Country: normalizeCountry(fields[3]),
		ASName:  fields[4],
	}
	if len(fields) > 5 {
		row.Registry = fields[4]
		row.ASName = fields[5]
	}
	if row.ASName == "Not routed" || row.ASName == "None" {
		row.ASName = ""
	}

	prefixes, err := rangeToPrefixes(start, end)
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", p.lineNum, err)
	}

	rows := make([]Row, 0, len(prefixes))
	for _, pfx := range prefixes {
		r := row
		r.Prefix = pfx
		r.Start = pfx.Addr()
		r.End = netipx.PrefixLastIP(pfx)
		rows = append(rows, r)
	}
	return rows, nil
}

// rangeToPrefixes returns the minimal list of CIDR blocks covering start-end
func rangeToPrefixes(start, end netip.Addr) ([]netip.Prefix, error) {
	r := netipx.IPRangeFrom(start, end)
	if !r.IsValid() {
		return nil, fmt.Errorf("invalid range %s-%s", start, end)
	}
	return r.Prefixes(), nil
}

// normalizeCountry upper-cases two letter codes and drops placeholders
func normalizeCountry(cc string) string {
	cc = strings.ToUpper(cc)
	if len(cc) != 2 || cc == "ZZ" {
		return ""
	}
	return cc
}
