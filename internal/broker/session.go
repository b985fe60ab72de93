package broker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/postalsys/pinhole/internal/logging"
	"github.com/postalsys/pinhole/internal/msgchan"
	"github.com/postalsys/pinhole/internal/protocol"
	"github.com/postalsys/pinhole/internal/recovery"
)

// anonSessionSeq feeds fallback registry keys for transports that
// cannot report a remote address.
var anonSessionSeq atomic.Uint64

// handleSession owns one control connection from accept to close. The
// first message declares the role; everything after is role-specific.
func (b *Broker) handleSession(ch msgchan.Channel) {
	defer b.wg.Done()
	defer recovery.RecoverWithCallback(b.logger, "session", func(any) {
		b.metrics.RecordPanic()
	})
	defer ch.Close()

	ctx := b.baseCtx

	data, err := ch.Receive(ctx)
	if err != nil {
		b.logger.Debug("connection closed before hello",
			logging.KeyRemoteAddr, remoteAddr(ch),
			logging.KeyError, err)
		return
	}

	hello, err := protocol.ParseHello(data)
	if err != nil {
		b.logger.Debug("unparseable hello",
			logging.KeyRemoteAddr, remoteAddr(ch),
			logging.KeyError, err)
		b.metrics.RecordSessionError("bad_hello")
		return
	}

	switch hello.New {
	case protocol.RoleClient:
		b.runClientSession(ctx, ch)
	case protocol.RoleServer:
		b.runServerSession(ctx, ch)
	default:
		b.logger.Debug("unknown connection type",
			logging.KeyRemoteAddr, remoteAddr(ch),
			logging.KeyRole, hello.New)
		b.metrics.RecordSessionError("unknown_role")
		_ = ch.Send(ctx, protocol.ErrorResult(protocol.ReasonUnknownConnectionType).Encode())
	}
}

// runClientSession registers the client, acks with its id, then serves
// info requests until the connection dies or the client sends something
// it should not.
func (b *Broker) runClientSession(ctx context.Context, ch msgchan.Channel) {
	sess := b.registry.AddClient(ch)
	b.metrics.RecordClientConnect()
	defer func() {
		b.registry.RemoveClient(sess.ID)
		b.metrics.RecordClientDisconnect()
		b.logger.Info("client unregistered", logging.KeySessionID, sess.ID)
	}()

	b.logger.Info("client registered",
		logging.KeySessionID, sess.ID,
		logging.KeyRemoteAddr, remoteAddr(ch))

	if err := ch.Send(ctx, protocol.ClientHelloAck(sess.ID).Encode()); err != nil {
		return
	}

	for {
		data, err := ch.Receive(ctx)
		if err != nil {
			return
		}

		req, err := protocol.ParseRequest(data)
		if err != nil || req.Request != protocol.RequestInfo {
			// Anything but an info request ends the session.
			b.metrics.RecordSessionError("unknown_request")
			_ = ch.Send(ctx, protocol.ErrorResult(protocol.ReasonUnknownRequest).Encode())
			return
		}

		if !b.sendInfo(ctx, ch, sess.ID) {
			return
		}
	}
}

// sendInfo answers one info request. A stale or missing endpoint is an
// error response but not a session error; the client may ask again.
func (b *Broker) sendInfo(ctx context.Context, ch msgchan.Channel, sessionID uint64) bool {
	endpoint, fresh := b.tracker.Read()
	if !fresh {
		b.metrics.RecordInfoRequest("no_servers")
		b.logger.Debug("info request without fresh endpoint",
			logging.KeySessionID, sessionID)
		return ch.Send(ctx, protocol.ErrorResult(protocol.ReasonNoServers).Encode()) == nil
	}

	b.metrics.RecordInfoRequest("ok")
	info := &protocol.Info{
		Result:  protocol.ResultOK,
		Address: endpoint.Addr.String(),
		Port:    endpoint.Port,
	}
	return ch.Send(ctx, info.Encode()) == nil
}

// runServerSession registers the server keyed by its observed remote
// address, acks, then treats every inbound message as the reply to the
// oldest outstanding punch dispatch.
func (b *Broker) runServerSession(ctx context.Context, ch msgchan.Channel) {
	key := serverKey(ch)
	sess := b.registry.AddServer(key, ch)
	b.metrics.RecordServerConnect()
	defer func() {
		sess.CloseWaiters()
		b.registry.RemoveServer(sess)
		b.metrics.RecordServerDisconnect()
		b.logger.Info("server unregistered", logging.KeyEndpoint, key)
	}()

	b.logger.Info("server registered", logging.KeyEndpoint, key)

	if err := ch.Send(ctx, protocol.ServerHelloAck().Encode()); err != nil {
		return
	}

	for {
		data, err := ch.Receive(ctx)
		if err != nil {
			return
		}

		if !sess.CompleteNext(data) {
			// A reply nobody is waiting for means the server has lost
			// the plot; drop the session rather than guess.
			b.metrics.RecordSessionError("unsolicited_reply")
			b.logger.Warn("unsolicited message from server",
				logging.KeyEndpoint, key)
			_ = ch.Send(ctx, protocol.ErrorResult("").Encode())
			return
		}
	}
}

// remoteAddr formats a channel's remote address for logging.
func remoteAddr(ch msgchan.Channel) string {
	if addr := ch.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// serverKey derives the registry key for a server session. Transports
// without an observable remote address get a unique fallback so two
// such sessions never silently replace each other.
func serverKey(ch msgchan.Channel) string {
	if addr := ch.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return fmt.Sprintf("anon-%d", anonSessionSeq.Add(1))
}
