// Package punch fires single UDP datagrams from a port that is
// usually already owned by another socket. NAT mappings are keyed on
// the source port, so a keepalive or punch datagram only refreshes or
// opens the right mapping if it leaves from the service's own port.
package punch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/postalsys/pinhole/internal/reuseport"
)

// ErrPortHeld reports that the local port is exclusively bound, so no
// second socket can share it. The fix is on the holder's side: it has
// to set SO_REUSEPORT when it binds.
var ErrPortHeld = errors.New("port exclusively held")

// Send transmits one datagram to remote from the given local port. The
// socket is reuse-bound on the wildcard address, lives for exactly one
// send and is closed before Send returns: a socket left open on the
// shared port would steal inbound traffic from the service.
//
// Binding fails when the port's current holder did not set
// SO_REUSEPORT. Callers treat that as the port being exclusively held,
// not as a transient error.
func Send(localPort uint16, remote netip.AddrPort, payload []byte) error {
	conn, err := reuseport.ListenUDP("udp", fmt.Sprintf(":%d", localPort))
	if err != nil {
		return fmt.Errorf("%w: reuse-bind port %d: %v", ErrPortHeld, localPort, err)
	}
	defer conn.Close()

	if _, err := conn.WriteToUDPAddrPort(payload, remote); err != nil {
		return fmt.Errorf("send to %s: %w", remote, err)
	}
	return nil
}

// ResolveEndpoint turns a broker hostname or IP literal plus port into
// a concrete datagram target. DNS names resolve through the system
// resolver; the first returned address wins. IPv4-mapped IPv6 forms are
// unmapped so endpoints compare equal regardless of socket family.
func ResolveEndpoint(ctx context.Context, host string, port uint16) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), port), nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: no addresses", host)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), port), nil
}
