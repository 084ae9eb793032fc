package ip2asn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/ip2asn/pkg/cache"
	"github.com/wingedpig/ip2asn/pkg/config"
	"github.com/wingedpig/ip2asn/pkg/filestore"
	"github.com/wingedpig/ip2asn/pkg/model"
	"github.com/wingedpig/ip2asn/pkg/sources/iptoasn"
)

type fakeOrigin struct {
	mu      sync.Mutex
	answers map[string]*model.Origin
	err     error
	calls   int
}

func (f *fakeOrigin) Origin(ctx context.Context, addr netip.Addr, fam model.Family) (*model.Origin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	o, ok := f.answers[addr.String()]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrigin) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRegistry struct {
	mu    sync.Mutex
	lines map[int][]string
	err   error
	calls int
}

func (f *fakeRegistry) AnnouncedPrefixes(ctx context.Context, asn int, fam model.Family) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.lines[asn], nil
}

type fakeNames map[int]string

func (f fakeNames) Describe(ctx context.Context, asn int) (string, error) {
	return f[asn], nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func newStore(t *testing.T) *filestore.Store {
	t.Helper()
	s, err := filestore.Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	return s
}

func cacheLines(t *testing.T, s *filestore.Store, name string) []string {
	t.Helper()
	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func googleOrigin() *fakeOrigin {
	return &fakeOrigin{answers: map[string]*model.Origin{
		"8.8.8.8": {ASNumber: "15169", Prefix: "8.8.8.0/24", CountryCode: "US", Registry: "arin", Allocated: "1992-12-01"},
	}}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestGetAsnResolvesAndCaches(t *testing.T) {
	store := newStore(t)
	origin := googleOrigin()
	obs := &recorder{}
	e, err := New(Options{Store: store, Origin: origin, Names: fakeNames{15169: "GOOGLE, US"}, Observer: obs})
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := e.GetAsn(ctx, " 8.8.8.8 ")
	require.NoError(t, err)
	first := *rec
	assert.Equal(t, "15169", rec.ASNumber)
	assert.Equal(t, "8.8.8.0/24", rec.Prefix)
	assert.Equal(t, "000010000000100000001000", rec.PrefixBin)
	assert.Equal(t, "US", rec.CountryCode)
	assert.Equal(t, "ARIN", rec.NIC)
	assert.Equal(t, "1992-12-01", rec.Allocated)
	assert.Equal(t, "GOOGLE, US", rec.ISP)
	assert.Equal(t, model.SourceTag, rec.Source)

	lines := cacheLines(t, store, cache.FileIPv4)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], "|000010000000100000001000|8.8.8.0/24|US|15169|GOOGLE, US|ARIN|1992-12-01"), lines[0])

	// Another address of the same prefix is served from the cache, field for field
	rec, err = e.GetAsn(ctx, "8.8.8.200")
	require.NoError(t, err)
	assert.Equal(t, first, *rec)
	assert.Zero(t, first.Timestamp.Nanosecond())
	assert.Equal(t, "15169", rec.ASNumber)
	assert.Equal(t, "GOOGLE, US", rec.ISP)
	assert.Equal(t, model.SourceTag, rec.Source)
	assert.Equal(t, 1, origin.Calls())
	assert.Len(t, cacheLines(t, store, cache.FileIPv4), 1)

	assert.Equal(t, []EventKind{EventCacheMiss, EventCacheHit}, obs.kinds())
}

func TestGetAsnNoData(t *testing.T) {
	store := newStore(t)
	origin := &fakeOrigin{}
	obs := &recorder{}
	e, err := New(Options{Store: store, Origin: origin, Observer: obs})
	require.NoError(t, err)

	rec, err := e.GetAsn(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.True(t, rec.IsEmpty())
	assert.Equal(t, model.SourceTag, rec.Source)
	assert.Nil(t, cacheLines(t, store, cache.FileIPv4))
	assert.Equal(t, []EventKind{EventCacheMiss, EventResolverEmpty}, obs.kinds())
}

func TestGetAsnResolverErrorIsSilent(t *testing.T) {
	store := newStore(t)
	boom := errors.New("boom")
	obs := &recorder{}
	e, err := New(Options{Store: store, Origin: &fakeOrigin{err: boom}, Observer: obs})
	require.NoError(t, err)

	rec, err := e.GetAsn(context.Background(), "2001:db8::1")
	require.NoError(t, err)
	assert.True(t, rec.IsEmpty())
	assert.Nil(t, cacheLines(t, store, cache.FileIPv6))

	require.Len(t, obs.events, 2)
	assert.Equal(t, EventResolverError, obs.events[1].Kind)
	assert.ErrorIs(t, obs.events[1].Err, boom)
}

func TestGetAsnWithoutOriginResolver(t *testing.T) {
	e, err := New(Options{Store: newStore(t)})
	require.NoError(t, err)

	rec, err := e.GetAsn(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.True(t, rec.IsEmpty())
}

func TestGetAsnInvalidAddress(t *testing.T) {
	e, err := New(Options{Store: newStore(t), Origin: googleOrigin()})
	require.NoError(t, err)

	for _, in := range []string{"", "8.8.8", "not-an-ip", "fe80::1%eth0"} {
		_, err := e.GetAsn(context.Background(), in)
		assert.ErrorIs(t, err, model.ErrInvalidAddress, in)
	}
}

func TestGetAsnUnknownPrefixCachesAddressOnly(t *testing.T) {
	store := newStore(t)
	origin := &fakeOrigin{answers: map[string]*model.Origin{
		"193.0.6.139":  {ASNumber: "3333", Prefix: "NA", CountryCode: "NL", Registry: "ripencc", ISP: "RIPE-NCC-AS"},
		"193.0.6.140":  {ASNumber: "3333", Prefix: "", Registry: "RIPENCC"},
		"203.0.113.10": {ASNumber: "64500", Prefix: "198.51.100.0/24"},
	}}
	e, err := New(Options{Store: store, Origin: origin})
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := e.GetAsn(ctx, "193.0.6.139")
	require.NoError(t, err)
	assert.Equal(t, "NA", rec.Prefix)
	assert.Len(t, rec.PrefixBin, 32)
	assert.Equal(t, "RIPE", rec.NIC)
	assert.Equal(t, "NA", rec.Allocated)
	assert.Equal(t, "RIPE-NCC-AS", rec.ISP)

	// Same address is a hit, its neighbour is not
	_, err = e.GetAsn(ctx, "193.0.6.139")
	require.NoError(t, err)
	assert.Equal(t, 1, origin.Calls())

	rec, err = e.GetAsn(ctx, "193.0.6.140")
	require.NoError(t, err)
	assert.Equal(t, "NA", rec.Prefix)
	assert.Equal(t, 2, origin.Calls())

	// A prefix that does not cover the address is not trusted
	rec, err = e.GetAsn(ctx, "203.0.113.10")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.0/24", rec.Prefix)
	assert.Len(t, rec.PrefixBin, 32)

	assert.Len(t, cacheLines(t, store, cache.FileIPv4), 3)
}

func TestGetAsnSanitizesFields(t *testing.T) {
	store := newStore(t)
	origin := &fakeOrigin{answers: map[string]*model.Origin{
		"8.8.8.8": {ASNumber: "15169", Prefix: "8.8.8.0/24", ISP: "EVIL|NAME\n"},
	}}
	e, err := New(Options{Store: store, Origin: origin})
	require.NoError(t, err)

	rec, err := e.GetAsn(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "EVIL NAME", rec.ISP)

	rec, err = e.GetAsn(context.Background(), "8.8.8.9")
	require.NoError(t, err)
	assert.Equal(t, "EVIL NAME", rec.ISP)
	assert.Equal(t, 1, origin.Calls())
}

func TestGetAsnIPv6(t *testing.T) {
	store := newStore(t)
	origin := &fakeOrigin{answers: map[string]*model.Origin{
		"2001:4860:4860::8888": {ASNumber: "15169", Prefix: "2001:4860::/32", CountryCode: "US", Registry: "arin"},
	}}
	e, err := New(Options{Store: store, Origin: origin})
	require.NoError(t, err)

	rec, err := e.GetAsn(context.Background(), "2001:4860:4860::8888")
	require.NoError(t, err)
	assert.Equal(t, "00100000000000010100100001100000", rec.PrefixBin)

	rec, err = e.GetAsn(context.Background(), "2001:4860:0:1::1")
	require.NoError(t, err)
	assert.Equal(t, "15169", rec.ASNumber)
	assert.Equal(t, 1, origin.Calls())
	assert.Nil(t, cacheLines(t, store, cache.FileIPv4))
}

func TestAsnToPrefixes(t *testing.T) {
	store := newStore(t)
	registry := &fakeRegistry{lines: map[int][]string{
		15169: {"8.8.8.0/24 35.190.0.0/17 8.8.4.0/24", "junk 8.8.8.0/24 1.2.3", "10.0.0.0/33"},
	}}
	obs := &recorder{}
	e, err := New(Options{Store: store, Registry: registry, Observer: obs})
	require.NoError(t, err)
	ctx := context.Background()

	got, err := e.AsnToPrefixes(ctx, 15169, model.IPv4)
	require.NoError(t, err)
	want := []string{"8.8.4.0/24", "8.8.8.0/24", "35.190.0.0/17"}
	assert.Equal(t, want, got)

	data, err := os.ReadFile(store.Path("AS15169-PREFIX4.json"))
	require.NoError(t, err)
	assert.Equal(t, "[\n  \"8.8.4.0/24\",\n  \"8.8.8.0/24\",\n  \"35.190.0.0/17\"\n]\n", string(data))

	got, err = e.AsnToPrefixes(ctx, 15169, model.IPv4)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, registry.calls)
	assert.Equal(t, []EventKind{EventCacheMiss, EventCacheHit}, obs.kinds())
}

func TestAsnToPrefixesEmptyIsNotCached(t *testing.T) {
	store := newStore(t)
	registry := &fakeRegistry{lines: map[int][]string{64512: {"no prefixes here"}}}
	e, err := New(Options{Store: store, Registry: registry})
	require.NoError(t, err)

	got, err := e.AsnToPrefixes(context.Background(), 64512, model.IPv4)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	_, err = os.Stat(store.Path("AS64512-PREFIX4.json"))
	assert.True(t, os.IsNotExist(err))

	_, err = e.AsnToPrefixes(context.Background(), 64512, model.IPv4)
	require.NoError(t, err)
	assert.Equal(t, 2, registry.calls)
}

func TestAsnToPrefixesRegistryError(t *testing.T) {
	obs := &recorder{}
	e, err := New(Options{Store: newStore(t), Registry: &fakeRegistry{err: errors.New("timeout")}, Observer: obs})
	require.NoError(t, err)

	got, err := e.AsnToPrefixes(context.Background(), 1, model.IPv6)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Contains(t, obs.kinds(), EventResolverError)
}

func TestAsnToPrefixesStaleRefreshes(t *testing.T) {
	store := newStore(t)
	registry := &fakeRegistry{lines: map[int][]string{1: {"1.0.0.0/24"}}}
	e, err := New(Options{Store: store, Registry: registry})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.AsnToPrefixes(ctx, 1, model.IPv4)
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(store.Path("AS1-PREFIX4.json"), past, past))
	registry.lines[1] = []string{"1.0.0.0/24 1.0.1.0/24"}

	got, err := e.AsnToPrefixes(ctx, 1, model.IPv4)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0.0/24", "1.0.1.0/24"}, got)
	assert.Equal(t, 2, registry.calls)
}

func TestAsnToPrefixesErrors(t *testing.T) {
	e, err := New(Options{Store: newStore(t)})
	require.NoError(t, err)

	_, err = e.AsnToPrefixes(context.Background(), 1, model.Family(5))
	assert.ErrorIs(t, err, model.ErrUnsupportedFamily)

	_, err = e.AsnToPrefixes(context.Background(), 0, model.IPv4)
	assert.ErrorIs(t, err, model.ErrInvalidASN)

	got, err := e.AsnToPrefixes(context.Background(), 1, model.IPv4)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAsnsToPrefixesUnion(t *testing.T) {
	registry := &fakeRegistry{lines: map[int][]string{
		1: {"2001:db8::/32 2000::/3"},
		2: {"2001:0db8:0000:0000:0000:0000:0000:0000/32 2a00::/12"},
	}}
	e, err := New(Options{Store: newStore(t), Registry: registry, Concurrency: 2})
	require.NoError(t, err)

	got, err := e.AsnsToPrefixes(context.Background(), []int{1, 2}, model.IPv6)
	require.NoError(t, err)
	assert.Equal(t, []string{"2000::/3", "2001:db8::/32", "2a00::/12"}, got)

	_, err = e.AsnsToPrefixes(context.Background(), []int{1, -1}, model.IPv6)
	assert.ErrorIs(t, err, model.ErrInvalidASN)
}

func TestAsnToDescription(t *testing.T) {
	e, err := New(Options{Store: newStore(t), Names: fakeNames{15169: "GOOGLE, US"}})
	require.NoError(t, err)

	assert.Equal(t, "GOOGLE, US", e.AsnToDescription(context.Background(), 15169))
	assert.Equal(t, "", e.AsnToDescription(context.Background(), 64512))

	bare, err := New(Options{Store: newStore(t)})
	require.NoError(t, err)
	assert.Equal(t, "", bare.AsnToDescription(context.Background(), 15169))
}

func TestLookupManyKeepsOrder(t *testing.T) {
	e, err := New(Options{Store: newStore(t), Origin: googleOrigin(), Concurrency: 3})
	require.NoError(t, err)

	in := []string{"8.8.8.8", "bogus", "192.0.2.1", "8.8.8.8"}
	results := e.LookupMany(context.Background(), in)
	require.Len(t, results, 4)

	for i, r := range results {
		assert.Equal(t, in[i], r.Address)
	}
	assert.Equal(t, "15169", results[0].Record.ASNumber)
	assert.ErrorIs(t, results[1].Err, model.ErrInvalidAddress)
	assert.True(t, results[2].Record.IsEmpty())
	assert.Equal(t, "15169", results[3].Record.ASNumber)
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	names := filepath.Join(dir, "asn.txt")
	require.NoError(t, os.WriteFile(names, []byte("AS15169 GOOGLE, US\n"), 0644))

	cfg := config.Default()
	cfg.CacheDir = dir
	cfg.NamesFile = names
	cfg.NamesIndex = filepath.Join(dir, "asn.idx")
	cfg.Origin.Backend = config.BackendNone
	cfg.Registry.Backend = config.BackendNone

	e, closeFn, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	defer closeFn()

	assert.Equal(t, dir, e.Store().Dir())
	assert.Equal(t, "GOOGLE, US", e.AsnToDescription(context.Background(), 15169))

	cfg.CacheDir = filepath.Join(dir, "missing")
	_, _, err = FromConfig(cfg, nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestFromConfigRDAPFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/autnum/13335" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"name": "CLOUDFLARENET", "country": "US"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	names := filepath.Join(dir, "asn.txt")
	require.NoError(t, os.WriteFile(names, []byte("AS15169 GOOGLE, US\n"), 0644))

	cfg := config.Default()
	cfg.CacheDir = dir
	cfg.NamesFile = names
	cfg.Origin.Backend = config.BackendNone
	cfg.Registry.Backend = config.BackendNone
	cfg.RDAP.Enabled = true
	cfg.RDAP.BaseURL = srv.URL
	cfg.RDAP.RateLimit = 0

	e, closeFn, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	defer closeFn()

	ctx := context.Background()
	assert.Equal(t, "GOOGLE, US", e.AsnToDescription(ctx, 15169))
	assert.Equal(t, "CLOUDFLARENET, US", e.AsnToDescription(ctx, 13335))
	assert.Empty(t, e.AsnToDescription(ctx, 64512))
}

func TestFromConfigIPToASN(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "iptoasn.db")

	db, err := iptoasn.Open(dbPath)
	require.NoError(t, err)
	_, err = db.Build(context.Background(), strings.NewReader(
		"1.0.0.0\t1.0.0.255\t13335\tUS\tCLOUDFLARENET\n"+
			"8.8.4.0\t8.8.4.255\t15169\tUS\tGOOGLE\n"+
			"8.8.8.0\t8.8.8.255\t15169\tUS\tGOOGLE\n"), "test")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := config.Default()
	cfg.CacheDir = dir
	cfg.Origin.Backend = config.BackendIPToASN
	cfg.Registry.Backend = config.BackendIPToASN
	cfg.IPToASN.Database = dbPath

	e, closeFn, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	defer closeFn()

	ctx := context.Background()
	rec, err := e.GetAsn(ctx, "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "15169", rec.ASNumber)
	assert.Equal(t, "8.8.8.0/24", rec.Prefix)
	assert.Equal(t, "US", rec.CountryCode)
	assert.Equal(t, "GOOGLE, US", rec.ISP)
	assert.Equal(t, model.NotAvailable, rec.Allocated)

	prefixes, err := e.AsnToPrefixes(ctx, 15169, model.IPv4)
	require.NoError(t, err)
	assert.Equal(t, []string{"8.8.4.0/24", "8.8.8.0/24"}, prefixes)

	assert.Equal(t, "CLOUDFLARENET, US", e.AsnToDescription(ctx, 13335))

	rec, err = e.GetAsn(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.True(t, rec.IsEmpty())
}
