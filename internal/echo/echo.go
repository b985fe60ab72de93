// Package echo provides a throwaway UDP request/reply pair for
// checking a punched path end to end. The server answers every
// datagram with a fixed reply; the client sends a few requests and
// reports whether anything came back. Neither side knows about the
// rendezvous protocol, which is the point: they stand in for the real
// application on either side of the hole.
package echo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/pinhole/internal/logging"
	"github.com/postalsys/pinhole/internal/punch"
	"github.com/postalsys/pinhole/internal/reuseport"
)

const (
	// RequestPayload is what the client sends.
	RequestPayload = "Hello, server!"
	// ReplyPayload is what the server answers with.
	ReplyPayload = "Hello, client!"
)

const (
	DefaultAttempts = 4
	DefaultTimeout  = 400 * time.Millisecond
)

const maxDatagram = 1024

// Server answers every datagram on Port with ReplyPayload.
type Server struct {
	// Port to bind. Zero picks an ephemeral port, mostly useful in
	// tests.
	Port uint16

	// ReuseBind binds with SO_REUSEPORT so the punch machinery can
	// share the port. Without it the server agent's one-shot sender
	// cannot bind the service port and punches fail with a held-port
	// error.
	ReuseBind bool

	Logger *slog.Logger

	port atomic.Uint32
}

// LocalPort returns the bound port, or zero until Run has started
// listening. Tests bind port zero and read the real port back here.
func (s *Server) LocalPort() uint16 {
	return uint16(s.port.Load())
}

// Run listens and echoes until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	addr := fmt.Sprintf(":%d", s.Port)
	var conn *net.UDPConn
	var err error
	if s.ReuseBind {
		conn, err = reuseport.ListenUDP("udp", addr)
	} else {
		udpAddr, rerr := net.ResolveUDPAddr("udp", addr)
		if rerr != nil {
			return rerr
		}
		conn, err = net.ListenUDP("udp", udpAddr)
	}
	if err != nil {
		return fmt.Errorf("bind echo port: %w", err)
	}
	s.port.Store(uint32(conn.LocalAddr().(*net.UDPAddr).Port))
	defer conn.Close()

	logger.Info("echo server listening",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		"reuse_bind", s.ReuseBind)

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopped:
		}
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, remote, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		logger.Info("datagram received",
			logging.KeyRemoteAddr, remote.String(),
			logging.KeyCount, n)
		if _, err := conn.WriteToUDPAddrPort([]byte(ReplyPayload), remote); err != nil {
			logger.Warn("reply failed",
				logging.KeyRemoteAddr, remote.String(),
				logging.KeyError, err)
		}
	}
}

// Client sends RequestPayload at the target until a reply arrives.
type Client struct {
	// Address and Port of the peer, usually the service endpoint the
	// client agent printed.
	Address string
	Port    uint16

	// Attempts before giving up. Zero means DefaultAttempts.
	Attempts int

	// Timeout per attempt. Zero means DefaultTimeout.
	Timeout time.Duration

	// FreshSocket rebinds between attempts, discarding the source
	// port. This is how a punched path breaks: the NAT mapping belongs
	// to the old port, so replies stop coming. Kept as an option
	// precisely to demonstrate that failure mode.
	FreshSocket bool

	// ReuseBind binds the local socket with SO_REUSEPORT so the punch
	// machinery can share its port while this client is running.
	ReuseBind bool

	Logger *slog.Logger
}

// Run sends requests until one draws a reply. It returns nil on the
// first reply and an error when every attempt times out.
func (c *Client) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	target, err := punch.ResolveEndpoint(ctx, c.Address, c.Port)
	if err != nil {
		return err
	}

	conn, err := c.bind()
	if err != nil {
		return fmt.Errorf("bind local socket: %w", err)
	}
	defer func() { conn.Close() }()

	logger.Info("probing peer",
		logging.KeyEndpoint, target.String(),
		logging.KeyLocalAddr, conn.LocalAddr().String())

	buf := make([]byte, maxDatagram)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := conn.WriteToUDPAddrPort([]byte(RequestPayload), target); err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(timeout))
		n, remote, err := conn.ReadFromUDPAddrPort(buf)
		if err == nil {
			logger.Info("reply received",
				logging.KeyRemoteAddr, remote.String(),
				logging.KeyCount, n,
				logging.KeyAttempt, attempt)
			return nil
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("await reply: %w", err)
		}
		logger.Warn("no reply", logging.KeyAttempt, attempt)

		if attempt >= attempts {
			return fmt.Errorf("no reply from %s after %d attempts", target, attempts)
		}
		if c.FreshSocket {
			fresh, err := c.bind()
			if err != nil {
				return fmt.Errorf("rebind local socket: %w", err)
			}
			conn.Close()
			conn = fresh
			logger.Info("rebound to fresh socket",
				logging.KeyLocalAddr, conn.LocalAddr().String())
		}
	}
}

func (c *Client) bind() (*net.UDPConn, error) {
	if c.ReuseBind {
		return reuseport.ListenUDP("udp", ":0")
	}
	return net.ListenUDP("udp", nil)
}
