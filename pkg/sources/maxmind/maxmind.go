// Package maxmind resolves origin ASNs offline from GeoLite2 ASN and Country databases
package maxmind

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"

	"github.com/wingedpig/ip2asn/pkg/model"
)

// asnRecord is the record layout of GeoLite2-ASN
type asnRecord struct {
	AutonomousSystemNumber       uint32 `maxminddb:"autonomous_system_number"`
	AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
}

// Resolver answers origin queries from local MaxMind databases
type Resolver struct {
	asn     *maxminddb.Reader
	country *geoip2.Reader
}

// Open opens the ASN database and, when countryPath is not empty, the Country database
func Open(asnPath, countryPath string) (*Resolver, error) {
	asnDB, err := maxminddb.Open(asnPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ASN database: %w", err)
	}
	r := &Resolver{asn: asnDB}

	if countryPath != "" {
		countryDB, err := geoip2.Open(countryPath)
		if err != nil {
			asnDB.Close()
			return nil, fmt.Errorf("failed to open Country database: %w", err)
		}
		r.country = countryDB
	}
	return r, nil
}

// Close closes both database readers
func (r *Resolver) Close() error {
	var err error
	if r.asn != nil {
		if e := r.asn.Close(); e != nil {
			err = e
		}
	}
	if r.country != nil {
		if e := r.country.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Origin returns the ASN record covering addr, or nil when the database has none
func (r *Resolver) Origin(ctx context.Context, addr netip.Addr, fam model.Family) (*model.Origin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ip := net.IP(addr.Unmap().AsSlice())

	var rec asnRecord
	network, ok, err := r.asn.LookupNetwork(ip, &rec)
	if err != nil {
		return nil, fmt.Errorf("%w: ASN lookup failed: %v", model.ErrResolverFailed, err)
	}
	if !ok {
		return nil, nil
	}

	var cc string
	if r.country != nil {
		record, err := r.country.Country(ip)
		if err == nil {
			cc = record.Country.IsoCode
		}
	}
	return toOrigin(rec, network, cc, fam), nil
}

// toOrigin converts a database hit into an Origin. The network is rendered in
// the family of the query so IPv4-mapped lookups keep an IPv6 prefix.
func toOrigin(rec asnRecord, network *net.IPNet, cc string, fam model.Family) *model.Origin {
	if rec.AutonomousSystemNumber == 0 {
		return nil
	}
	o := &model.Origin{
		ASNumber:    strconv.FormatUint(uint64(rec.AutonomousSystemNumber), 10),
		Prefix:      model.NotAvailable,
		CountryCode: cc,
		ISP:         rec.AutonomousSystemOrganization,
	}
	if network == nil {
		return o
	}

	ones, _ := network.Mask.Size()
	addr, ok := netip.AddrFromSlice(network.IP)
	if !ok {
		return o
	}
	if fam == model.IPv4 {
		addr = addr.Unmap()
		if !addr.Is4() {
			return o
		}
		if ones > 32 {
			ones -= 96
		}
	} else if addr.Is4() {
		addr = netip.AddrFrom16(addr.As16())
		ones += 96
	}
	if p := netip.PrefixFrom(addr, ones); p.IsValid() {
		o.Prefix = p.Masked().String()
	}
	return o
}
