// Package flowwatch discovers the local port of an outbound UDP flow.
//
// The client agent hands out the service's external endpoint and then
// has to learn which local port the user's own program picked when it
// started talking to that endpoint. That port is the one the punch has
// to be aimed at, so flowwatch polls the host's UDP flow table until a
// flow towards the endpoint shows up.
package flowwatch

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

// DefaultInterval is how often the flow table is polled. Reading the
// procfs socket tables is cheap, so once a second costs nothing.
const DefaultInterval = time.Second

// ErrUnsupported is returned by NewSource on platforms without a flow
// table reader.
var ErrUnsupported = errors.New("flow watching is only supported on Linux")

// Flow is one UDP flow as reported by the host.
type Flow struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// Source returns a snapshot of the host's current UDP flows.
type Source interface {
	Flows() ([]Flow, error)
}

// WaitForFlow polls src until a flow towards remote appears and returns
// that flow's local port. The table is scanned once immediately and
// then on every interval tick until ctx is cancelled. An interval of
// zero or less means DefaultInterval.
func WaitForFlow(ctx context.Context, src Source, remote netip.AddrPort, interval time.Duration) (uint16, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		flows, err := src.Flows()
		if err != nil {
			return 0, err
		}
		if port, ok := matchFlow(flows, remote); ok {
			return port, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// matchFlow compares unmapped addresses: a dual-stack socket reports a
// v4 peer as v4-mapped in the udp6 table.
func matchFlow(flows []Flow, remote netip.AddrPort) (uint16, bool) {
	for _, f := range flows {
		if f.Remote.Addr().Unmap() == remote.Addr().Unmap() && f.Remote.Port() == remote.Port() {
			return f.Local.Port(), true
		}
	}
	return 0, false
}
