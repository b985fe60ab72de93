//go:build unix

package reuseport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// SetReusePort sets SO_REUSEPORT on a raw fd before bind.
func SetReusePort(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// ListenUDP creates a UDP socket with SO_REUSEPORT set, so it can bind
// to a port another socket already holds. The kernel load-balances
// inbound packets across the sockets on the shared port; callers that
// only send should close the socket as soon as they are done, or it
// keeps stealing a share of the service's traffic.
func ListenUDP(network, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var err error
			c.Control(func(fd uintptr) {
				err = SetReusePort(fd)
			})
			return err
		},
	}
	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
