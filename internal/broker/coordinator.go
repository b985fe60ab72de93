package broker

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/postalsys/pinhole/internal/config"
	"github.com/postalsys/pinhole/internal/logging"
	"github.com/postalsys/pinhole/internal/metrics"
	"github.com/postalsys/pinhole/internal/protocol"
	"github.com/postalsys/pinhole/internal/recovery"
	"github.com/postalsys/pinhole/internal/registry"
)

// coordinator turns punch-request datagrams into punch instructions for
// server agents and relays their replies back to the requesting client.
type coordinator struct {
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	policy   string
}

// RequestPunch fans a punch instruction out to the registered servers
// on behalf of the client identified by replyID. The client endpoint is
// the punchme datagram's observed source, never anything the client
// claimed in-band.
//
// An unknown replyID aborts before any server contact: the datagram may
// be stale, forged, or from a client that already disconnected.
func (c *coordinator) RequestPunch(ctx context.Context, replyID uint64, client netip.AddrPort) {
	if _, ok := c.registry.Client(replyID); !ok {
		c.logger.Debug("punch request for unknown client",
			logging.KeySessionID, replyID)
		return
	}
	c.metrics.RecordPunchRequest()

	servers := c.registry.Servers()
	if len(servers) == 0 {
		c.logger.Debug("punch request with no servers registered",
			logging.KeySessionID, replyID)
		return
	}

	instruction := protocol.PunchInstruction(client.Addr().String(), client.Port()).Encode()
	c.logger.Info("dispatching punch",
		logging.KeySessionID, replyID,
		logging.KeyEndpoint, client.String(),
		logging.KeyCount, len(servers))

	switch c.policy {
	case config.PolicyFirstReply:
		c.dispatchFirstReply(ctx, replyID, servers, instruction)
	default:
		c.dispatchBroadcast(ctx, replyID, servers, instruction)
	}
}

// dispatchBroadcast sends the instruction to every server and forwards
// every reply in arrival order.
func (c *coordinator) dispatchBroadcast(ctx context.Context, replyID uint64, servers []*registry.ServerSession, instruction []byte) {
	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *registry.ServerSession) {
			defer wg.Done()
			defer recovery.RecoverWithLog(c.logger, "punchDispatch")

			reply, ok := c.dispatch(ctx, srv, instruction)
			if !ok {
				return
			}
			c.forward(ctx, replyID, reply)
		}(srv)
	}
	wg.Wait()
}

// dispatchFirstReply sends the instruction to every server but forwards
// only the reply that arrives first. Extra punches are harmless; extra
// replies would only confuse a client that stops listening after one.
func (c *coordinator) dispatchFirstReply(ctx context.Context, replyID uint64, servers []*registry.ServerSession, instruction []byte) {
	var wg sync.WaitGroup
	var first sync.Once
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *registry.ServerSession) {
			defer wg.Done()
			defer recovery.RecoverWithLog(c.logger, "punchDispatch")

			reply, ok := c.dispatch(ctx, srv, instruction)
			if !ok {
				return
			}
			won := false
			first.Do(func() { won = true })
			if !won {
				c.metrics.RecordPunchReply("suppressed")
				return
			}
			c.forward(ctx, replyID, reply)
		}(srv)
	}
	wg.Wait()
}

// dispatch sends one punch instruction and waits for the matching
// reply. There is no timeout: the waiter completes when the server
// answers or its session tears down, whichever comes first.
func (c *coordinator) dispatch(ctx context.Context, srv *registry.ServerSession, instruction []byte) ([]byte, bool) {
	waiter := srv.EnqueueWaiter()
	if waiter == nil {
		// Session tore down between snapshot and dispatch.
		return nil, false
	}
	c.metrics.RecordPunchDispatch()

	if err := srv.Channel.Send(ctx, instruction); err != nil {
		// A channel that cannot carry an instruction is useless, and
		// leaving it up would let a later reply complete this waiter.
		// Closing it fails every pending waiter in one stroke.
		c.logger.Debug("punch dispatch failed",
			logging.KeyEndpoint, srv.Key,
			logging.KeyError, err)
		_ = srv.Channel.Close()
	}

	select {
	case reply, ok := <-waiter:
		if !ok {
			c.logger.Debug("server session closed before reply",
				logging.KeyEndpoint, srv.Key)
			return nil, false
		}
		return reply, true
	case <-ctx.Done():
		return nil, false
	}
}

// forward relays a server's reply to the requesting client, byte for
// byte. The client is re-checked because the punch took real time and
// the client may have given up and disconnected.
func (c *coordinator) forward(ctx context.Context, replyID uint64, reply []byte) {
	sess, ok := c.registry.Client(replyID)
	if !ok {
		c.metrics.RecordPunchReply("client_gone")
		c.logger.Debug("dropping punch reply for vanished client",
			logging.KeySessionID, replyID)
		return
	}

	if err := sess.Channel.Send(ctx, reply); err != nil {
		c.metrics.RecordPunchReply("forward_failed")
		c.logger.Debug("punch reply forward failed",
			logging.KeySessionID, replyID,
			logging.KeyError, err)
		return
	}
	c.metrics.RecordPunchReply("forwarded")
}
