package sip

import (
	"log/slog"
	"regexp"
	"sync"
)

const (
	dedupCapacity = 200
	dedupRetain   = 99
)

// numberPattern extracts the digits of a caller's number from a From
// header's sip: URI, e.g. "<sip:+441234567890@host>" -> "441234567890".
var numberPattern = regexp.MustCompile(`sip:\+*(\d+)@`)

// DedupCache remembers recently seen dialog keys (the From header, which
// carries the per-call tag) so a retransmitted INVITE isn't recorded
// twice. Capacity 200: when full, the oldest 101 entries are discarded,
// retaining the newest 99 plus the entry being inserted.
type DedupCache struct {
	mu    sync.Mutex
	order []string
	seen  map[string]struct{}
}

// NewDedupCache returns an empty DedupCache.
func NewDedupCache() *DedupCache {
	return &DedupCache{seen: make(map[string]struct{})}
}

// CheckAndInsert reports whether key was already present, inserting it if
// not.
func (d *DedupCache) CheckAndInsert(key string) (existing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}

	if len(d.order) >= dedupCapacity {
		cut := len(d.order) - dedupRetain
		evicted := d.order[:cut]
		d.order = append([]string(nil), d.order[cut:]...)
		for _, k := range evicted {
			delete(d.seen, k)
		}
	}

	d.order = append(d.order, key)
	d.seen[key] = struct{}{}
	return false
}

// Len reports the number of entries currently retained.
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// Observer handles inbound requests arriving on the registration client's
// socket: INVITEs are deduplicated and handed to a CallSink, everything
// else is logged and ignored (component F).
type Observer struct {
	cache  *DedupCache
	sink   CallSink
	logger *slog.Logger
}

// NewObserver returns an Observer recording to sink.
func NewObserver(sink CallSink, logger *slog.Logger) *Observer {
	return &Observer{
		cache:  NewDedupCache(),
		sink:   sink,
		logger: logger.With("subsystem", "sip.observer"),
	}
}

// HandleRequest dispatches an inbound request by method.
func (o *Observer) HandleRequest(req *Request) {
	switch req.Method {
	case "INVITE":
		o.handleInvite(req)
	case "OPTIONS":
		// Keep-alive / health probes from the registrar; nothing to record.
	default:
		o.logger.Debug("ignoring request", "method", req.Method)
	}
}

func (o *Observer) handleInvite(req *Request) {
	from, _ := req.Hdrs.Get("From")
	if o.cache.CheckAndInsert(from) {
		o.logger.Debug("duplicate invite dropped", "from", from)
		return
	}

	number := ExtractCallerNumber(from)
	if number == "" {
		o.logger.Warn("unable to extract caller number from From header", "from", from)
		number = "unknown"
	}
	brand := ExtractBrand(req.Hdrs)

	o.sink.RecordCall(number, brand)
}

// ExtractCallerNumber returns the digits of the caller's number embedded
// in a From header value, or "" if none is found. Shared with the UDP
// relay (component H), which performs the same extraction without the
// dedup cache.
func ExtractCallerNumber(from string) string {
	m := numberPattern.FindStringSubmatch(from)
	if m == nil {
		return ""
	}
	return m[1]
}

// ExtractBrand returns the X-Brand header value, if present.
func ExtractBrand(hdrs *Headers) *string {
	v, ok := hdrs.Get("X-Brand")
	if !ok {
		return nil
	}
	return &v
}
