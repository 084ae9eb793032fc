// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package iptoasn

import (
	"io"
	"net/netip"
	"strings"
	"testing"
)

func TestParser_ParseNext(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantCIDR     string
		wantASN      int
		wantCountry  string
		wantRegistry string
		wantName     string
		wantErr      bool
	}{
		{
			name:         "six column line",
			input:        "1.0.0.0\t1.0.0.255\t13335\tUS\tarinic\tCloudflare",
			wantCIDR:     "1.0.0.0/24",
			wantASN:      13335,
			wantCountry:  "US",
			wantRegistry: "arinic",
			wantName:     "Cloudflare",
		},
		{
			name:        "five column line",
			input:       "8.8.8.0\t8.8.8.255\t15169\tUS\tGOOGLE",
			wantCIDR:    "8.8.8.0/24",
			wantASN:     15169,
			wantCountry: "US",
			wantName:    "GOOGLE",
		},
		{
			name:     "unrouted range",
			input:    "0.0.0.0\t0.255.255.255\t0\tNone\tNot routed",
			wantCIDR: "0.0.0.0/8",
		},
		{
			name:        "lowercase country",
			input:       "2001:200::\t2001:200:ffff:ffff:ffff:ffff:ffff:ffff\t2500\tjp\tWIDE-BB",
			wantCIDR:    "2001:200::/32",
			wantASN:     2500,
			wantCountry: "JP",
			wantName:    "WIDE-BB",
		},
		{
			name:    "empty line returns EOF",
			input:   "",
			wantErr: true, // EOF is expected for empty input
		},
		{
			name:  "comment line",
			input: "# This is a comment",
		},
		{
			name:    "invalid ASN",
			input:   "1.0.0.0\t1.0.0.255\tabc\tUS\tarin",
			wantErr: true,
		},
		{
			name:    "invalid IP",
			input:   "999.999.999.999\t1.0.0.255\t13335\tUS\tarin",
			wantErr: true,
		},
		{
			name:    "mixed families",
			input:   "1.0.0.0\t2001:db8::1\t13335\tUS\tarin",
			wantErr: true,
		},
		{
			name:    "reversed range",
			input:   "1.0.1.0\t1.0.0.0\t13335\tUS\tarin",
			wantErr: true,
		},
		{
			name:    "too few fields",
			input:   "1.0.0.0\t1.0.0.255\t13335",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := NewParser(strings.NewReader(tt.input))
			rows, err := parser.ParseNext()

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			// Nil result for empty/comment lines
			if tt.wantCIDR == "" {
				if rows != nil {
					t.Errorf("expected nil rows for empty/comment line, got %+v", rows)
				}
				return
			}

			if len(rows) == 0 {
				t.Fatalf("expected at least one row, got nil or empty")
			}

			row := rows[0]
			if row.Prefix.String() != tt.wantCIDR {
				t.Errorf("CIDR = %s, want %s", row.Prefix.String(), tt.wantCIDR)
			}
			if row.ASN != tt.wantASN {
				t.Errorf("ASN = %d, want %d", row.ASN, tt.wantASN)
			}
			if row.Country != tt.wantCountry {
				t.Errorf("Country = %s, want %s", row.Country, tt.wantCountry)
			}
			if row.Registry != tt.wantRegistry {
				t.Errorf("Registry = %s, want %s", row.Registry, tt.wantRegistry)
			}
			if row.ASName != tt.wantName {
				t.Errorf("ASName = %s, want %s", row.ASName, tt.wantName)
			}
		})
	}
}

func TestParseAll(t *testing.T) {
	input := "# ip2asn\n1.0.0.0\t1.0.0.255\t13335\tUS\tCLOUDFLARENET\n\n8.8.8.0\t8.8.8.255\t15169\tUS\tGOOGLE\n"
	rows, err := NewParser(strings.NewReader(input)).ParseAll()
	if err != nil {
		t.Fatalf("ParseAll failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[1].ASName != "GOOGLE" {
		t.Errorf("rows[1] ASName = %s, want GOOGLE", rows[1].ASName)
	}

	_, err = NewParser(strings.NewReader("1.0.0.0\t1.0.0.255\t13335\tUS\tX\nbroken\n")).ParseAll()
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected line 2 error, got %v", err)
	}
}

func TestParseNextEOF(t *testing.T) {
	parser := NewParser(strings.NewReader("8.8.8.0\t8.8.8.255\t15169\tUS\tGOOGLE"))
	if _, err := parser.ParseNext(); err != nil {
		t.Fatalf("ParseNext failed: %v", err)
	}
	if _, err := parser.ParseNext(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestRangeToPrefixes(t *testing.T) {
	tests := []struct {
		name      string
		startIP   string
		endIP     string
		wantCIDRs []string
		wantErr   bool
	}{
		{
			name:      "single /24",
			startIP:   "1.0.0.0",
			endIP:     "1.0.0.255",
			wantCIDRs: []string{"1.0.0.0/24"},
		},
		{
			name:      "single /16",
			startIP:   "1.0.0.0",
			endIP:     "1.0.255.255",
			wantCIDRs: []string{"1.0.0.0/16"},
		},
		{
			name:      "single IP",
			startIP:   "8.8.8.8",
			endIP:     "8.8.8.8",
			wantCIDRs: []string{"8.8.8.8/32"},
		},
		{
			name:      "aligned pair of /24",
			startIP:   "1.0.0.0",
			endIP:     "1.0.1.255",
			wantCIDRs: []string{"1.0.0.0/23"},
		},
		{
			name:      "unaligned range",
			startIP:   "10.0.0.1",
			endIP:     "10.0.0.6",
			wantCIDRs: []string{"10.0.0.1/32", "10.0.0.2/31", "10.0.0.4/31", "10.0.0.6/32"},
		},
		{
			name:      "IPv6 range",
			startIP:   "2001:db8::",
			endIP:     "2001:db8:1:ffff:ffff:ffff:ffff:ffff",
			wantCIDRs: []string{"2001:db8::/47"},
		},
		{
			name:    "end before start",
			startIP: "1.0.0.255",
			endIP:   "1.0.0.0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := mustParseAddr(t, tt.startIP)
			end := mustParseAddr(t, tt.endIP)

			cidrs, err := rangeToPrefixes(start, end)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(cidrs) != len(tt.wantCIDRs) {
				t.Errorf("got %d CIDRs, want %d", len(cidrs), len(tt.wantCIDRs))
				for i, cidr := range cidrs {
					t.Logf("  [%d] %s", i, cidr.String())
				}
				return
			}

			for i, cidr := range cidrs {
				if cidr.String() != tt.wantCIDRs[i] {
					t.Errorf("CIDR[%d] = %s, want %s", i, cidr.String(), tt.wantCIDRs[i])
				}
			}
		})
	}
}

func mustParseAddr(t *testing.T, s string) netip.Addr {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("failed to parse IP %s: %v", s, err)
	}
	return addr
}

// TestMultiCIDRRange checks that a TSV line spanning several CIDR blocks
// expands into one row per block
func TestMultiCIDRRange(t *testing.T) {
	input := "204.110.219.0\t204.110.221.255\t16509\tUS\tARIN\tAMAZON-02"

	parser := NewParser(strings.NewReader(input))
	rows, err := parser.ParseNext()
	if err != nil {
		t.Fatalf("ParseNext failed: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("expected 2 rows (2 CIDRs), got %d", len(rows))
	}

	want := []struct{ cidr, start, end string }{
		{"204.110.219.0/24", "204.110.219.0", "204.110.219.255"},
		{"204.110.220.0/23", "204.110.220.0", "204.110.221.255"},
	}
	for i, w := range want {
		if rows[i].Prefix.String() != w.cidr {
			t.Errorf("rows[%d] CIDR = %s, want %s", i, rows[i].Prefix.String(), w.cidr)
		}
		if rows[i].Start.String() != w.start {
			t.Errorf("rows[%d] Start = %s, want %s", i, rows[i].Start.String(), w.start)
		}
		if rows[i].End.String() != w.end {
			t.Errorf("rows[%d] End = %s, want %s", i, rows[i].End.String(), w.end)
		}
	}

	for i, row := range rows {
		if row.ASN != 16509 {
			t.Errorf("rows[%d] ASN = %d, want 16509", i, row.ASN)
		}
		if row.Country != "US" {
			t.Errorf("rows[%d] Country = %s, want US", i, row.Country)
		}
		if row.Registry != "ARIN" {
			t.Errorf("rows[%d] Registry = %s, want ARIN", i, row.Registry)
		}
		if row.ASName != "AMAZON-02" {
			t.Errorf("rows[%d] ASName = %s, want AMAZON-02", i, row.ASName)
		}
	}
}
