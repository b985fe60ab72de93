package flowwatch

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

const (
	procNetUDP  = "/proc/net/udp"
	procNetUDP6 = "/proc/net/udp6"
)

// procNetSource reads the kernel's UDP socket tables. The parser is
// kept separate from the file handling so it can run against captured
// table contents on any platform.
type procNetSource struct {
	paths []string
}

func (s *procNetSource) Flows() ([]Flow, error) {
	var all []Flow
	for _, path := range s.paths {
		f, err := os.Open(path)
		if err != nil {
			// udp6 is absent when IPv6 is disabled.
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		flows, perr := parseProcNet(f)
		f.Close()
		if perr != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, perr)
		}
		all = append(all, flows...)
	}
	return all, nil
}

// parseProcNet reads one /proc/net/udp style table: a header row, then
// one row per socket with hex local and remote endpoints in the second
// and third columns.
func parseProcNet(r io.Reader) ([]Flow, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		// No header means an empty table.
		return nil, sc.Err()
	}

	var flows []Flow
	for sc.Scan() {
		words := strings.Fields(sc.Text())
		if len(words) < 3 {
			continue
		}
		local, err := parseHexAddrPort(words[1])
		if err != nil {
			return nil, fmt.Errorf("local address %q: %w", words[1], err)
		}
		remote, err := parseHexAddrPort(words[2])
		if err != nil {
			return nil, fmt.Errorf("remote address %q: %w", words[2], err)
		}
		flows = append(flows, Flow{Local: local, Remote: remote})
	}
	return flows, sc.Err()
}

// parseHexAddrPort decodes the kernel's ADDR:PORT socket table form.
// The port is plain hex; the address is printed as 32-bit words that
// come out byte-swapped on little-endian hosts.
func parseHexAddrPort(s string) (netip.AddrPort, error) {
	addrHex, portHex, ok := strings.Cut(s, ":")
	if !ok {
		return netip.AddrPort{}, errors.New("missing port separator")
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("port: %w", err)
	}
	raw, err := hex.DecodeString(addrHex)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("address: %w", err)
	}

	var addr netip.Addr
	switch len(raw) {
	case 4:
		addr = netip.AddrFrom4([4]byte{raw[3], raw[2], raw[1], raw[0]})
	case 16:
		var b [16]byte
		for w := 0; w < 4; w++ {
			b[w*4+0] = raw[w*4+3]
			b[w*4+1] = raw[w*4+2]
			b[w*4+2] = raw[w*4+1]
			b[w*4+3] = raw[w*4+0]
		}
		addr = netip.AddrFrom16(b)
	default:
		return netip.AddrPort{}, fmt.Errorf("address length %d", len(raw))
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}
