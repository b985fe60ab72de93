// Package client implements the client-side pinhole agent.
//
// The agent registers with the broker, learns the service's external
// endpoint, waits for a local program to start sending towards it, and
// then races hole punches until one lands: a punchme datagram tells the
// broker where this NAT maps the flow's port, the service side fires a
// datagram back at that mapping, and the broker forwards the server's
// confirmation. Once a punch is confirmed both NATs hold a mapping and
// traffic flows directly.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/postalsys/pinhole/internal/backoff"
	"github.com/postalsys/pinhole/internal/certutil"
	"github.com/postalsys/pinhole/internal/config"
	"github.com/postalsys/pinhole/internal/flowwatch"
	"github.com/postalsys/pinhole/internal/logging"
	"github.com/postalsys/pinhole/internal/msgchan"
	"github.com/postalsys/pinhole/internal/protocol"
	"github.com/postalsys/pinhole/internal/punch"
	"github.com/postalsys/pinhole/internal/reuseport"
)

// ErrNoServers means the broker has not heard a keepalive recently
// enough to know where the service is. Usually the server agent is not
// running.
var ErrNoServers = errors.New("no servers available")

// errConfirmTimeout signals that no reply arrived within the
// confirmation window; the race just tries again.
var errConfirmTimeout = errors.New("confirmation window elapsed")

// State identifies where the agent is in its run.
type State int32

const (
	StateConnecting State = iota
	StateRegistered
	StateQuerying
	StateWaitingFlow
	StateRacing
	StateSucceeded
	StateFailed
)

// String returns a short lowercase name for the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateQuerying:
		return "querying"
	case StateWaitingFlow:
		return "waiting-flow"
	case StateRacing:
		return "racing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DialFunc opens a control channel to the broker.
type DialFunc func(ctx context.Context) (msgchan.Channel, error)

// Agent is the client-side agent. A run is one shot: it either reports
// a confirmed punch and returns nil, or fails with the reason.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	transport  msgchan.Transport
	brokerAddr string

	dial         DialFunc
	sendDatagram func(localPort uint16, remote netip.AddrPort, payload []byte) error
	flows        flowwatch.Source

	// OnState is called on every state change, if set.
	OnState func(State)

	// OnEndpoint is called once with the service's external endpoint,
	// before the agent starts waiting for a local flow towards it.
	OnEndpoint func(netip.AddrPort)

	state   atomic.Int32
	running atomic.Bool
}

// New creates a client agent from configuration. Nothing connects or
// binds until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Client.BrokerAddress == "" {
		return nil, fmt.Errorf("client.broker_address is required")
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
		logger:       logger.With(logging.KeyComponent, "client"),
		transport:    tp,
		brokerAddr:   net.JoinHostPort(cfg.Client.BrokerAddress, strconv.Itoa(int(cfg.Client.BrokerPort))),
		sendDatagram: punch.Send,
	}
	a.dial = func(ctx context.Context) (msgchan.Channel, error) {
		return tp.Dial(ctx, a.brokerAddr, opts)
	}

	return a, nil
}

// State returns the agent's current state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// Run walks the agent through registration, endpoint discovery, flow
// detection and the punch race. It returns nil once a punch is
// confirmed.
func (a *Agent) Run(ctx context.Context) error {
	if a.running.Swap(true) {
		return fmt.Errorf("agent already running")
	}
	defer a.running.Store(false)

	if err := reuseport.Check(); err != nil {
		return a.fail(err)
	}
	if a.flows == nil {
		src, err := flowwatch.NewSource()
		if err != nil {
			return a.fail(err)
		}
		a.flows = src
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.transport.Close()

	a.setState(StateConnecting)
	ch, err := a.dial(ctx)
	if err != nil {
		return a.fail(fmt.Errorf("dial broker: %w", err))
	}
	defer ch.Close()

	pump := startPump(ctx, ch)

	id, err := a.register(ctx, ch, pump)
	if err != nil {
		return a.fail(err)
	}
	a.setState(StateRegistered)
	a.logger.Info("registered with broker",
		logging.KeyAddress, a.brokerAddr,
		logging.KeySessionID, id)

	a.setState(StateQuerying)
	service, err := a.queryEndpoint(ctx, ch, pump)
	if err != nil {
		return a.fail(err)
	}
	a.logger.Info("service endpoint learned", logging.KeyEndpoint, service.String())
	if a.OnEndpoint != nil {
		a.OnEndpoint(service)
	}

	a.setState(StateWaitingFlow)
	localPort, err := flowwatch.WaitForFlow(ctx, a.flows, service, a.cfg.Client.PollInterval)
	if err != nil {
		return a.fail(fmt.Errorf("watch for outbound flow: %w", err))
	}
	a.logger.Info("outbound flow detected", "local_port", localPort)

	a.setState(StateRacing)
	if err := a.race(ctx, pump, id, localPort); err != nil {
		return a.fail(err)
	}
	a.setState(StateSucceeded)
	a.logger.Info("punch confirmed, traffic may flow",
		logging.KeyEndpoint, service.String(),
		"local_port", localPort)
	return nil
}

func (a *Agent) fail(err error) error {
	a.setState(StateFailed)
	return err
}

func (a *Agent) setState(s State) {
	old := State(a.state.Swap(int32(s)))
	if old == s {
		return
	}
	a.logger.Debug("state change", "from", old.String(), "to", s.String())
	if a.OnState != nil {
		a.OnState(s)
	}
}

// register declares the client role and returns the assigned session id.
func (a *Agent) register(ctx context.Context, ch msgchan.Channel, pump <-chan recvResult) (uint64, error) {
	hello := protocol.Hello{New: protocol.RoleClient}
	if err := ch.Send(ctx, hello.Encode()); err != nil {
		return 0, fmt.Errorf("send hello: %w", err)
	}

	reply, err := nextMessage(ctx, pump, 0)
	if err != nil {
		return 0, fmt.Errorf("await hello ack: %w", err)
	}
	ack, err := protocol.ParseHelloAck(reply)
	if err != nil {
		return 0, err
	}
	if ack.Result != protocol.ResultOK {
		return 0, fmt.Errorf("broker rejected registration: %s", ack.Why)
	}
	if ack.ID == nil {
		return 0, fmt.Errorf("hello ack missing client id")
	}
	return *ack.ID, nil
}

// queryEndpoint asks the broker for the service's external endpoint.
// The answer is only as good as the broker's last keepalive; a stale or
// absent one is ErrNoServers and ends the run, because punching a hole
// towards a dead mapping cannot work.
func (a *Agent) queryEndpoint(ctx context.Context, ch msgchan.Channel, pump <-chan recvResult) (netip.AddrPort, error) {
	req := protocol.Request{Request: protocol.RequestInfo}
	if err := ch.Send(ctx, req.Encode()); err != nil {
		return netip.AddrPort{}, fmt.Errorf("send info request: %w", err)
	}

	reply, err := nextMessage(ctx, pump, 0)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("await info: %w", err)
	}
	res, err := protocol.ParseResult(reply)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if res.Result != protocol.ResultOK {
		if res.Why == protocol.ReasonNoServers {
			return netip.AddrPort{}, ErrNoServers
		}
		return netip.AddrPort{}, fmt.Errorf("info request failed: %s", res.Why)
	}

	info, err := protocol.ParseInfo(reply)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr, err := netip.ParseAddr(info.Address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad service address %q: %w", info.Address, err)
	}
	return netip.AddrPortFrom(addr.Unmap(), info.Port), nil
}

// race sends punchme datagrams from the flow's local port and waits for
// a forwarded confirmation after each one. A reported failure backs off
// before the next attempt; silence just tries again, since the
// confirmation window already paced the attempt. The race ends on the
// first ok, on the attempt budget, or when the control channel dies.
func (a *Agent) race(ctx context.Context, pump <-chan recvResult, id uint64, localPort uint16) error {
	broker, err := punch.ResolveEndpoint(ctx, a.cfg.Client.BrokerAddress, a.cfg.Client.DatagramPort())
	if err != nil {
		return err
	}

	sched := backoff.Schedule{
		Initial:    a.cfg.Client.Retry.InitialDelay,
		Max:        a.cfg.Client.Retry.MaxDelay,
		Multiplier: a.cfg.Client.Retry.Multiplier,
	}

	payload := protocol.PunchMeDatagram(id)
	attempt := 0
	errorReplies := 0
	for {
		attempt++
		if err := a.sendDatagram(localPort, broker, payload); err != nil {
			// Almost always punch.ErrPortHeld: the local program bound
			// its socket without SO_REUSEPORT, so nothing can share the
			// port the NAT mapping hangs off.
			return fmt.Errorf("send punchme: %w", err)
		}

		reply, err := nextMessage(ctx, pump, a.cfg.Client.ConfirmTimeout)
		var delay time.Duration
		switch {
		case err == nil:
			res, perr := protocol.ParseResult(reply)
			if perr != nil {
				return fmt.Errorf("parse punch reply: %w", perr)
			}
			if res.Result == protocol.ResultOK {
				a.logger.Info("punch confirmed", logging.KeyAttempt, attempt)
				return nil
			}
			errorReplies++
			delay = sched.Delay(errorReplies - 1)
			a.logger.Warn("punch reported failed",
				logging.KeyAttempt, attempt,
				"why", res.Why,
				logging.KeyDuration, delay)
		case errors.Is(err, errConfirmTimeout):
			a.logger.Debug("no confirmation in window", logging.KeyAttempt, attempt)
		default:
			return fmt.Errorf("await punch confirmation: %w", err)
		}

		if max := a.cfg.Client.Retry.MaxAttempts; max > 0 && attempt >= max {
			return fmt.Errorf("no confirmed punch after %d attempts", attempt)
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

type recvResult struct {
	msg []byte
	err error
}

// startPump moves Receive results onto a channel so callers can apply
// per-message deadlines without tearing the control channel down. The
// pump exits when the channel dies or ctx is cancelled.
func startPump(ctx context.Context, ch msgchan.Channel) <-chan recvResult {
	out := make(chan recvResult, 8)
	go func() {
		defer close(out)
		for {
			msg, err := ch.Receive(ctx)
			if err != nil {
				select {
				case out <- recvResult{err: err}:
				default:
				}
				return
			}
			select {
			case out <- recvResult{msg: msg}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// nextMessage returns the next pumped message. A timeout of zero waits
// until the message arrives, the channel dies or ctx is cancelled.
func nextMessage(ctx context.Context, pump <-chan recvResult, timeout time.Duration) ([]byte, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r, ok := <-pump:
		if !ok {
			return nil, net.ErrClosed
		}
		return r.msg, r.err
	case <-timer:
		return nil, errConfirmTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dialTLSConfig builds the dial-side TLS configuration, or nil for
// plaintext ws.
func dialTLSConfig(t config.TransportConfig) (*tls.Config, error) {
	if t.Type == "ws" && t.Plaintext {
		return nil, nil
	}
	return certutil.ClientTLSConfig(t.TLS.CA, t.TLS.Fingerprint, t.TLS.InsecureSkipVerify)
}
