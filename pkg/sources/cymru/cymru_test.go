package cymru

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/ip2asn/pkg/model"
	"github.com/wingedpig/ip2asn/pkg/util/workers"
)

// startServer runs a DNS server on UDP loopback answering TXT queries from records
func startServer(t *testing.T, records map[string][]string, rcode int) (string, *int32) {
	t.Helper()
	var queries int32

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		atomic.AddInt32(&queries, 1)
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		txts, ok := records[strings.ToLower(q.Name)]
		switch {
		case rcode != dns.RcodeSuccess:
			m.Rcode = rcode
		case !ok:
			m.Rcode = dns.RcodeNameError
		default:
			for _, txt := range txts {
				m.Answer = append(m.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
					Txt: []string{txt},
				})
			}
		}
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String(), &queries
}

func newTestResolver(server string) *Resolver {
	return New(Options{
		Server:  server,
		Timeout: time.Second,
		Retry:   workers.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
}

func TestOriginQueryName(t *testing.T) {
	name, err := originQueryName(netip.MustParseAddr("8.8.4.1"), model.IPv4)
	require.NoError(t, err)
	assert.Equal(t, "1.4.8.8.origin.asn.cymru.com.", name)

	name, err = originQueryName(netip.MustParseAddr("2001:4860:4860::8888"), model.IPv6)
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.6.8.4.0.6.8.4.1.0.0.2.origin6.asn.cymru.com.", name)

	_, err = originQueryName(netip.MustParseAddr("8.8.8.8"), model.IPv6)
	assert.ErrorIs(t, err, model.ErrInvalidAddress)

	_, err = originQueryName(netip.MustParseAddr("8.8.8.8"), model.Family(0))
	assert.ErrorIs(t, err, model.ErrUnsupportedFamily)
}

func TestParseOrigin(t *testing.T) {
	o := parseOrigin("15169 | 8.8.8.0/24 | US | arin | 1992-12-01")
	require.NotNil(t, o)
	assert.Equal(t, &model.Origin{
		ASNumber:    "15169",
		Prefix:      "8.8.8.0/24",
		CountryCode: "US",
		Registry:    "arin",
		Allocated:   "1992-12-01",
	}, o)

	o = parseOrigin("3356 1299 | 4.0.0.0/9 | US | arin |")
	require.NotNil(t, o)
	assert.Equal(t, "3356 1299", o.ASNumber)
	assert.Equal(t, "", o.Allocated)

	assert.Nil(t, parseOrigin(""))
	assert.Nil(t, parseOrigin("NA | NA | | |"))
}

func TestParseDescription(t *testing.T) {
	assert.Equal(t, "GOOGLE, US", parseDescription("15169 | US | arin | 2000-03-30 | GOOGLE, US"))
	assert.Equal(t, "", parseDescription("15169 | US"))
}

func TestOriginAgainstServer(t *testing.T) {
	addr, _ := startServer(t, map[string][]string{
		"8.8.8.8.origin.asn.cymru.com.": {
			"15169 | 8.8.8.0/24 | US | arin | 1992-12-01",
			"15169 | 8.0.0.0/9 | US | arin | 1992-12-01",
		},
		"as15169.asn.cymru.com.": {"15169 | US | arin | 2000-03-30 | GOOGLE, US"},
	}, dns.RcodeSuccess)
	r := newTestResolver(addr)
	ctx := context.Background()

	o, err := r.Origin(ctx, netip.MustParseAddr("8.8.8.8"), model.IPv4)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "15169", o.ASNumber)
	assert.Equal(t, "8.8.8.0/24", o.Prefix)

	o, err = r.Origin(ctx, netip.MustParseAddr("192.0.2.1"), model.IPv4)
	require.NoError(t, err)
	assert.Nil(t, o)

	name, err := r.Describe(ctx, 15169)
	require.NoError(t, err)
	assert.Equal(t, "GOOGLE, US", name)

	name, err = r.Describe(ctx, 64512)
	require.NoError(t, err)
	assert.Equal(t, "", name)
}

func TestOriginServerFailure(t *testing.T) {
	addr, queries := startServer(t, nil, dns.RcodeServerFailure)
	r := newTestResolver(addr)

	_, err := r.Origin(context.Background(), netip.MustParseAddr("8.8.8.8"), model.IPv4)
	assert.ErrorIs(t, err, model.ErrResolverFailed)
	assert.Equal(t, int32(2), atomic.LoadInt32(queries))
}

func TestOriginRefusedIsNotRetried(t *testing.T) {
	addr, queries := startServer(t, nil, dns.RcodeRefused)
	r := newTestResolver(addr)

	_, err := r.Origin(context.Background(), netip.MustParseAddr("8.8.8.8"), model.IPv4)
	assert.ErrorIs(t, err, model.ErrResolverFailed)
	assert.Equal(t, int32(1), atomic.LoadInt32(queries))
}
