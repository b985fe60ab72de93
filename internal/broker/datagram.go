package broker

import (
	"errors"
	"net"
	"net/netip"

	"github.com/postalsys/pinhole/internal/logging"
	"github.com/postalsys/pinhole/internal/protocol"
	"github.com/postalsys/pinhole/internal/recovery"
)

// maxDatagramSize comfortably covers both recognized payloads; anything
// longer is junk by definition but still read fully off the socket.
const maxDatagramSize = 2048

// datagramLoop reads the punch port until the socket closes. Keepalives
// update the tracker inline; punch requests get their own goroutine so
// a slow punch never blocks the next read.
func (b *Broker) datagramLoop() {
	defer b.wg.Done()
	defer recovery.RecoverWithLog(b.logger, "datagramLoop")

	buf := make([]byte, maxDatagramSize)
	for {
		n, sender, err := b.udpConn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-b.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Debug("datagram read error", logging.KeyError, err)
			continue
		}
		b.handleDatagram(buf[:n], sender)
	}
}

func (b *Broker) handleDatagram(payload []byte, sender netip.AddrPort) {
	// The dual-stack socket reports v4 senders as v4-mapped; unmap so
	// the address round-trips cleanly through info responses and punch
	// instructions.
	sender = netip.AddrPortFrom(sender.Addr().Unmap(), sender.Port())

	dg, ok := protocol.ParseDatagram(payload)
	b.metrics.RecordDatagram(dg.Kind.String())
	if !ok {
		if b.ignoredLog.Allow() {
			b.logger.Debug("ignoring datagram",
				logging.KeyRemoteAddr, sender.String(),
				"size", len(payload))
		}
		return
	}

	switch dg.Kind {
	case protocol.DatagramKeepalive:
		b.tracker.Update(sender.Addr(), sender.Port())
		b.logger.Debug("keepalive observed", logging.KeyEndpoint, sender.String())
	case protocol.DatagramPunchMe:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer recovery.RecoverWithCallback(b.logger, "requestPunch", func(any) {
				b.metrics.RecordPanic()
			})
			b.coord.RequestPunch(b.baseCtx, dg.ReplyID, sender)
		}()
	}
}
