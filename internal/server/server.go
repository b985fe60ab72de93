// Package server implements the server-side pinhole agent.
//
// The agent runs next to a UDP service behind NAT. It keeps the
// broker's view of the service fresh by sending keepalive datagrams
// from the service's own port, and holds a control channel open to
// receive punch instructions. A punch is one datagram fired at a
// client's observed endpoint; the NAT mapping it creates lets the
// client's traffic in.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/pinhole/internal/backoff"
	"github.com/postalsys/pinhole/internal/certutil"
	"github.com/postalsys/pinhole/internal/config"
	"github.com/postalsys/pinhole/internal/logging"
	"github.com/postalsys/pinhole/internal/msgchan"
	"github.com/postalsys/pinhole/internal/protocol"
	"github.com/postalsys/pinhole/internal/punch"
	"github.com/postalsys/pinhole/internal/recovery"
	"github.com/postalsys/pinhole/internal/reuseport"
)

// connectPause spreads reconnecting agents out so a freshly restarted
// broker is not hit by every hello at once.
const connectPause = 100 * time.Millisecond

// DialFunc opens a control channel to the broker.
type DialFunc func(ctx context.Context) (msgchan.Channel, error)

// Agent is the server-side agent.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	transport  msgchan.Transport
	brokerAddr string

	dial         DialFunc
	sendDatagram func(localPort uint16, remote netip.AddrPort, payload []byte) error

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a server agent from configuration. Nothing connects or
// binds until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Server.BrokerAddress == "" {
		return nil, fmt.Errorf("server.broker_address is required")
	}
	if cfg.Server.ServicePort == 0 {
		return nil, fmt.Errorf("server.service_port is required")
	}

	transportType, err := msgchan.ParseType(cfg.Transport.Type)
	if err != nil {
		return nil, err
	}
	tp, err := msgchan.New(transportType)
	if err != nil {
		return nil, err
	}

	tlsConf, err := dialTLSConfig(cfg.Transport)
	if err != nil {
		return nil, err
	}
	opts := msgchan.DefaultDialOptions()
	opts.Path = cfg.Transport.Path
	opts.TLSConfig = tlsConf

	a := &Agent{
		cfg:          cfg,
		logger:       logger.With(logging.KeyComponent, "server"),
		transport:    tp,
		brokerAddr:   net.JoinHostPort(cfg.Server.BrokerAddress, strconv.Itoa(int(cfg.Server.BrokerPort))),
		sendDatagram: punch.Send,
	}
	a.dial = func(ctx context.Context) (msgchan.Channel, error) {
		return tp.Dial(ctx, a.brokerAddr, opts)
	}

	return a, nil
}

// Run starts the keepalive and control loops and blocks until ctx is
// cancelled or the reconnect budget is spent.
func (a *Agent) Run(ctx context.Context) error {
	if a.running.Swap(true) {
		return fmt.Errorf("agent already running")
	}
	defer a.running.Store(false)

	// Fail with one clear error if the platform cannot share ports,
	// instead of a confusing bind failure on the first keepalive.
	if err := reuseport.Check(); err != nil {
		return err
	}

	a.logger.Info("server agent starting",
		"service_port", a.cfg.Server.ServicePort,
		"broker", a.brokerAddr,
		logging.KeyTransport, a.cfg.Transport.Type)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.wg.Add(1)
	go a.keepaliveLoop(ctx)

	err := a.controlLoop(ctx)
	cancel()
	a.wg.Wait()
	a.transport.Close()
	return err
}

// IsRunning returns true while Run is active.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// keepaliveLoop sends a keepalive datagram immediately and then on
// every interval tick. The first one matters most: the broker knows
// nothing about the service until it arrives.
func (a *Agent) keepaliveLoop(ctx context.Context) {
	defer a.wg.Done()
	defer recovery.RecoverWithLog(a.logger, "keepaliveLoop")

	ticker := time.NewTicker(a.cfg.Server.KeepaliveInterval)
	defer ticker.Stop()

	a.sendKeepalive(ctx)
	for {
		select {
		case <-ticker.C:
			a.sendKeepalive(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sendKeepalive fires one keepalive datagram from the service port.
// The broker address is resolved per send so a DNS change is picked up
// without restarting the agent. Failures are logged and left to the
// next tick; losing one keepalive costs nothing while the freshness
// window is several intervals wide.
func (a *Agent) sendKeepalive(ctx context.Context) {
	broker, err := punch.ResolveEndpoint(ctx, a.cfg.Server.BrokerAddress, a.cfg.Server.DatagramPort())
	if err != nil {
		a.logger.Warn("keepalive skipped", logging.KeyError, err)
		return
	}

	if err := a.sendDatagram(a.cfg.Server.ServicePort, broker, protocol.KeepaliveDatagram()); err != nil {
		a.logger.Warn("keepalive send failed",
			logging.KeyEndpoint, broker.String(),
			logging.KeyError, err)
		return
	}
	a.logger.Debug("keepalive sent", logging.KeyEndpoint, broker.String())
}

// controlLoop keeps a control connection to the broker alive. Failures
// to even register back off exponentially and count against the retry
// budget; once a session registered, the next attempt starts fresh.
func (a *Agent) controlLoop(ctx context.Context) error {
	sched := backoff.Schedule{
		Initial:    a.cfg.Server.Reconnect.InitialDelay,
		Max:        a.cfg.Server.Reconnect.MaxDelay,
		Multiplier: a.cfg.Server.Reconnect.Multiplier,
		Jitter:     a.cfg.Server.Reconnect.Jitter,
	}

	failures := 0
	for {
		registered, err := a.serveOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if registered {
			failures = 0
		} else {
			failures++
			if max := a.cfg.Server.Reconnect.MaxRetries; max > 0 && failures >= max {
				return fmt.Errorf("giving up after %d failed connection attempts: %w", failures, err)
			}
		}

		delay := sched.Delay(failures - 1)
		a.logger.Warn("control connection lost, reconnecting",
			logging.KeyError, err,
			logging.KeyAttempt, failures,
			logging.KeyDuration, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serveOnce runs one control session: dial, register, then execute
// punch instructions until the channel dies. registered reports whether
// the broker accepted the hello, which is what resets the reconnect
// backoff.
func (a *Agent) serveOnce(ctx context.Context) (bool, error) {
	ch, err := a.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial broker: %w", err)
	}
	defer ch.Close()

	select {
	case <-time.After(connectPause):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	hello := protocol.Hello{New: protocol.RoleServer}
	if err := ch.Send(ctx, hello.Encode()); err != nil {
		return false, fmt.Errorf("send hello: %w", err)
	}

	reply, err := ch.Receive(ctx)
	if err != nil {
		return false, fmt.Errorf("await hello ack: %w", err)
	}
	ack, err := protocol.ParseHelloAck(reply)
	if err != nil {
		return false, err
	}
	if ack.Result != protocol.ResultOK {
		return false, fmt.Errorf("broker rejected registration: %s", ack.Why)
	}

	a.logger.Info("registered with broker", logging.KeyAddress, a.brokerAddr)

	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("control channel lost: %w", err)
		}

		req, err := protocol.ParseRequest(msg)
		if err != nil || req.Request != protocol.RequestPunch {
			// An unrecognized instruction means the two sides disagree
			// about the protocol. Report it and reconnect from a clean
			// slate.
			ch.Send(ctx, protocol.ErrorResult("").Encode())
			if err != nil {
				return true, fmt.Errorf("unparseable request: %w", err)
			}
			return true, fmt.Errorf("unexpected request %q", req.Request)
		}

		if err := a.handlePunch(ctx, ch, req); err != nil {
			return true, fmt.Errorf("send punch result: %w", err)
		}
	}
}

// handlePunch executes one punch instruction and reports the outcome.
// A malformed target or a failed send is reported as an error result
// but does not cost the control connection.
func (a *Agent) handlePunch(ctx context.Context, ch msgchan.Channel, req *protocol.Request) error {
	target, err := punchTarget(req)
	if err != nil {
		a.logger.Warn("punch instruction rejected", logging.KeyError, err)
		return ch.Send(ctx, protocol.ErrorResult("bad client endpoint").Encode())
	}

	if err := a.sendDatagram(a.cfg.Server.ServicePort, target, []byte(protocol.PunchPayload)); err != nil {
		a.logger.Warn("punch failed",
			logging.KeyEndpoint, target.String(),
			logging.KeyError, err)
		return ch.Send(ctx, protocol.ErrorResult("punch failed").Encode())
	}

	a.logger.Info("punched hole", logging.KeyEndpoint, target.String())
	return ch.Send(ctx, protocol.OKResult().Encode())
}

// punchTarget extracts the client endpoint from a punch instruction.
func punchTarget(req *protocol.Request) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(req.ClientAddress)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad client address %q: %w", req.ClientAddress, err)
	}
	if req.ClientPort == 0 {
		return netip.AddrPort{}, fmt.Errorf("bad client port 0")
	}
	return netip.AddrPortFrom(addr.Unmap(), req.ClientPort), nil
}

// dialTLSConfig builds the dial-side TLS configuration, or nil for
// plaintext ws.
func dialTLSConfig(t config.TransportConfig) (*tls.Config, error) {
	if t.Type == "ws" && t.Plaintext {
		return nil, nil
	}
	return certutil.ClientTLSConfig(t.TLS.CA, t.TLS.Fingerprint, t.TLS.InsecureSkipVerify)
}
