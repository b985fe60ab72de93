// Package broker implements the publicly reachable rendezvous point.
//
// The broker never punches anything itself. It watches keepalive
// datagrams to learn the service's external endpoint, hands that
// endpoint to clients over control channels, and relays punch
// instructions to server agents when a client asks for a hole. Every
// address it works with is an address it observed, never one a peer
// claimed.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/pinhole/internal/certutil"
	"github.com/postalsys/pinhole/internal/config"
	"github.com/postalsys/pinhole/internal/health"
	"github.com/postalsys/pinhole/internal/logging"
	"github.com/postalsys/pinhole/internal/metrics"
	"github.com/postalsys/pinhole/internal/msgchan"
	"github.com/postalsys/pinhole/internal/recovery"
	"github.com/postalsys/pinhole/internal/registry"
	"github.com/postalsys/pinhole/internal/reuseport"
	"github.com/postalsys/pinhole/internal/tracker"
)

const acceptTimeout = 30 * time.Second

// Broker is the rendezvous service: control-channel listener, punch
// datagram socket, endpoint tracker and session registry.
type Broker struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	tracker  *tracker.Tracker
	registry *registry.Registry
	coord    *coordinator

	transport msgchan.Transport
	listener  msgchan.Listener
	udpConn   *net.UDPConn
	healthSrv *health.Server

	// ignoredLog throttles complaints about junk datagrams; a public
	// UDP port attracts plenty.
	ignoredLog *rate.Limiter

	baseCtx    context.Context
	baseCancel context.CancelFunc

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a broker from configuration. Nothing is bound until
// Start.
func New(cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	transportType, err := msgchan.ParseType(cfg.Transport.Type)
	if err != nil {
		return nil, err
	}
	tp, err := msgchan.New(transportType)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:        cfg,
		logger:     logger.With(logging.KeyComponent, "broker"),
		metrics:    metrics.Default(),
		tracker:    tracker.New(cfg.Broker.FreshnessWindow),
		registry:   registry.New(),
		transport:  tp,
		ignoredLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
		stopCh:     make(chan struct{}),
	}
	b.coord = &coordinator{
		registry: b.registry,
		logger:   b.logger,
		metrics:  b.metrics,
		policy:   cfg.Broker.PunchPolicy,
	}

	if cfg.Broker.Health.Enabled {
		b.healthSrv = health.New(health.Options{
			Address:      cfg.Broker.Health.Address,
			ReadTimeout:  cfg.Broker.Health.ReadTimeout,
			WriteTimeout: cfg.Broker.Health.WriteTimeout,
			Logger:       b.logger,
			Status:       b.statusSnapshot,
		})
	}

	return b, nil
}

// Start binds the control listener and the punch datagram socket and
// spawns the accept and datagram loops.
func (b *Broker) Start() error {
	if b.running.Load() {
		return fmt.Errorf("broker already running")
	}
	b.running.Store(true)
	b.baseCtx, b.baseCancel = context.WithCancel(context.Background())

	tlsConf, err := b.listenTLSConfig()
	if err != nil {
		b.running.Store(false)
		return err
	}

	controlAddr := fmt.Sprintf(":%d", b.cfg.Broker.ListenPort)
	listener, err := b.transport.Listen(controlAddr, msgchan.ListenOptions{
		TLSConfig: tlsConf,
		Path:      b.cfg.Transport.Path,
	})
	if err != nil {
		b.running.Store(false)
		return fmt.Errorf("listen control %s: %w", controlAddr, err)
	}
	b.listener = listener

	// Reuse-bound like the original, so a colocated service can share
	// the port if it needs to.
	datagramAddr := fmt.Sprintf(":%d", b.cfg.Broker.DatagramPort())
	udpConn, err := reuseport.ListenUDP("udp", datagramAddr)
	if err != nil {
		listener.Close()
		b.running.Store(false)
		return fmt.Errorf("bind datagram port %s: %w", datagramAddr, err)
	}
	b.udpConn = udpConn

	if b.healthSrv != nil {
		if err := b.healthSrv.Start(); err != nil {
			udpConn.Close()
			listener.Close()
			b.running.Store(false)
			return fmt.Errorf("start health server: %w", err)
		}
		b.logger.Info("health server started",
			logging.KeyAddress, b.healthSrv.Address())
	}

	b.wg.Add(1)
	go b.acceptLoop()
	b.wg.Add(1)
	go b.datagramLoop()

	b.logger.Info("broker started",
		logging.KeyTransport, b.cfg.Transport.Type,
		logging.KeyAddress, listener.Addr().String(),
		"datagram_addr", udpConn.LocalAddr().String(),
		"punch_policy", b.cfg.Broker.PunchPolicy)
	return nil
}

// Stop tears the broker down: sessions are cancelled, the listener and
// datagram socket closed, and all loops joined.
func (b *Broker) Stop() error {
	b.stopOnce.Do(func() {
		b.logger.Info("stopping broker")
		b.running.Store(false)
		close(b.stopCh)
		if b.baseCancel != nil {
			b.baseCancel()
		}

		if b.healthSrv != nil {
			b.healthSrv.Stop()
		}
		if b.listener != nil {
			b.listener.Close()
		}
		if b.udpConn != nil {
			b.udpConn.Close()
		}
		b.transport.Close()

		b.wg.Wait()
		b.logger.Info("broker stopped")
	})
	return nil
}

// StopWithContext stops with a timeout.
func (b *Broker) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- b.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the broker is running.
func (b *Broker) IsRunning() bool {
	return b.running.Load()
}

// ControlAddr returns the bound control listener address, or nil before
// Start.
func (b *Broker) ControlAddr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// DatagramAddr returns the bound punch datagram address, or nil before
// Start.
func (b *Broker) DatagramAddr() net.Addr {
	if b.udpConn == nil {
		return nil
	}
	return b.udpConn.LocalAddr()
}

// HealthAddr returns the health server's bound address, or empty when
// the health server is disabled.
func (b *Broker) HealthAddr() string {
	if b.healthSrv == nil {
		return ""
	}
	return b.healthSrv.Address()
}

// acceptLoop accepts incoming control connections.
func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	defer recovery.RecoverWithLog(b.logger, "acceptLoop")

	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(b.baseCtx, acceptTimeout)
		ch, err := b.listener.Accept(ctx)
		cancel()

		if err != nil {
			select {
			case <-b.stopCh:
				return
			default:
				b.logger.Debug("accept error",
					logging.KeyLocalAddr, b.listener.Addr(),
					logging.KeyError, err)
				continue
			}
		}

		b.wg.Add(1)
		go b.handleSession(ch)
	}
}

// listenTLSConfig builds the listener TLS configuration, or nil for
// plaintext ws.
func (b *Broker) listenTLSConfig() (*tls.Config, error) {
	t := b.cfg.Transport
	if t.Type == "ws" && t.Plaintext {
		return nil, nil
	}
	if t.TLS.Cert == "" || t.TLS.Key == "" {
		return nil, fmt.Errorf("transport %s requires tls cert and key (or plaintext ws)", t.Type)
	}
	cert, err := certutil.LoadCert(t.TLS.Cert, t.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("load tls material: %w", err)
	}
	return cert.ServerTLSConfig()
}

// statusSnapshot feeds the health server's /status endpoint.
func (b *Broker) statusSnapshot() health.Status {
	st := health.Status{
		Running:     b.running.Load(),
		Clients:     b.registry.ClientCount(),
		Servers:     b.registry.ServerCount(),
		PunchPolicy: b.cfg.Broker.PunchPolicy,
	}
	if endpoint, fresh := b.tracker.Read(); fresh {
		st.ServiceEndpoint = endpoint.String()
	}
	if age, ok := b.tracker.Age(); ok {
		st.KeepaliveAge = age
		st.KeepaliveSeen = true
	}
	return st
}
