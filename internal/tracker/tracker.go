// Package tracker maintains the most recently observed external endpoint
// of the registered service, as reported by its keepalive datagrams.
package tracker

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultWindow is how long an observation stays usable. A NAT mapping
// refreshed every 60 seconds is assumed gone once the refresh stops.
const DefaultWindow = 60 * time.Second

// Endpoint is an observed external address and port.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// String formats the endpoint as address:port.
func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// Tracker holds one endpoint record and its observation time. Updates
// arrive from the datagram loop while reads come from session
// goroutines, so access is mutex-guarded.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	window   time.Duration
	endpoint Endpoint
	observed time.Time
	seen     bool
}

// New creates a tracker with the given freshness window. A zero window
// means DefaultWindow.
func New(window time.Duration) *Tracker {
	return NewWithClock(window, clock.New())
}

// NewWithClock creates a tracker on an injected clock.
func NewWithClock(window time.Duration, clk clock.Clock) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		clock:  clk,
		window: window,
	}
}

// Update unconditionally overwrites the record with the sender's
// endpoint and the current time. Sender identity is not validated;
// whoever sent the last keepalive is the service.
func (t *Tracker) Update(addr netip.Addr, port uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.endpoint = Endpoint{Addr: addr, Port: port}
	t.observed = t.clock.Now()
	t.seen = true
}

// Read returns the tracked endpoint and whether it is fresh. Fresh
// means an observation exists and is at most the window old, boundary
// inclusive. A tracker that has never seen a keepalive is stale.
func (t *Tracker) Read() (Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen {
		return Endpoint{}, false
	}
	if t.clock.Now().Sub(t.observed) > t.window {
		return t.endpoint, false
	}
	return t.endpoint, true
}

// Age returns how long ago the last keepalive was observed. ok is
// false if none has ever arrived.
func (t *Tracker) Age() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen {
		return 0, false
	}
	return t.clock.Now().Sub(t.observed), true
}

// Window returns the configured freshness window.
func (t *Tracker) Window() time.Duration {
	return t.window
}
