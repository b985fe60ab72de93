// Package reuseport binds UDP sockets to addresses that are already in
// use. Keepalives and punch datagrams must leave from the service's own
// bound port so the NAT reuses its mapping, which requires a second
// socket on an occupied port.
package reuseport

import "fmt"

// Check probes whether reuse-binding works on this system by binding
// two sockets to the same loopback port. Agents call it at startup so
// an unsupported platform fails with one clear error instead of a
// confusing bind failure mid-punch.
func Check() error {
	first, err := ListenUDP("udp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("reuse-bind probe failed: %w", err)
	}
	defer first.Close()

	second, err := ListenUDP("udp", first.LocalAddr().String())
	if err != nil {
		return fmt.Errorf("reuse-bind unavailable on this system: %w", err)
	}
	return second.Close()
}
