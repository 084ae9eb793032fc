package ip2asn

// EventKind classifies what happened during a lookup
type EventKind int

const (
	EventCacheHit EventKind = iota
	EventCacheMiss
	EventCacheStale
	EventCacheReadError
	EventCacheWriteError
	EventResolverEmpty
	EventResolverError
)

func (k EventKind) String() string {
	switch k {
	case EventCacheHit:
		return "cache_hit"
	case EventCacheMiss:
		return "cache_miss"
	case EventCacheStale:
		return "cache_stale"
	case EventCacheReadError:
		return "cache_read_error"
	case EventCacheWriteError:
		return "cache_write_error"
	case EventResolverEmpty:
		return "resolver_empty"
	case EventResolverError:
		return "resolver_error"
	}
	return "unknown"
}

// Event is reported to the Observer. Op is "addr", "prefixes" or "describe",
// Key is the address or AS number the event concerns.
type Event struct {
	Kind EventKind
	Op   string
	Key  string
	Err  error
}

// Observer receives engine events. Implementations must be safe for concurrent use.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// Observe implements Observer
func (f ObserverFunc) Observe(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
