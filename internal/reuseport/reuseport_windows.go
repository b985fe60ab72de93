//go:build windows

package reuseport

import (
	"errors"
	"net"
)

// SetReusePort is unavailable on Windows; SO_REUSEADDR has different
// semantics and does not provide the shared-port sending this package
// is for.
func SetReusePort(_ uintptr) error {
	return errors.New("SO_REUSEPORT not supported on Windows")
}

// ListenUDP falls back to a plain bind. Check will fail on Windows, so
// agents refuse to start rather than break mid-punch.
func ListenUDP(network, addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP(network, udpAddr)
}
