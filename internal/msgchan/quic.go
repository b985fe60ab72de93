package msgchan

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Default QUIC configuration values
const (
	quicMaxIdleTimeout  = 90 * time.Second
	quicKeepAlivePeriod = 30 * time.Second
)

// QUICTransport implements Transport using QUIC. A connection carries
// one bidirectional stream; messages are length-prefixed on it.
type QUICTransport struct {
	mu        sync.Mutex
	listeners []*QUICListener
	closed    bool
}

// NewQUICTransport creates a new QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

// Type returns the transport type.
func (t *QUICTransport) Type() Type {
	return TypeQUIC
}

// Dial connects to a remote listener using QUIC and opens the channel
// stream.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Channel, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		if !opts.Insecure {
			return nil, fmt.Errorf("TLS config required; set insecure for development only")
		}
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS13,
		}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        quicMaxIdleTimeout,
		KeepAlivePeriod:       quicKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quic dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("quic open stream failed: %w", err)
	}

	return &quicChannel{conn: conn, stream: stream}, nil
}

// Listen creates a QUIC listener.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        quicMaxIdleTimeout,
		KeepAlivePeriod:       quicKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quic listen failed: %w", err)
	}

	ql := &QUICListener{listener: listener}
	t.listeners = append(t.listeners, ql)

	return ql, nil
}

// Close shuts down the transport and all listeners.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil

	return lastErr
}

// QUICListener implements Listener for QUIC.
type QUICListener struct {
	listener *quic.Listener
	mu       sync.Mutex
	closed   bool
}

// Accept waits for the next connection and its channel stream. The
// dialer speaks first, so the stream becomes visible with its opening
// message.
func (l *QUICListener) Accept(ctx context.Context) (Channel, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, fmt.Errorf("quic accept stream failed: %w", err)
	}

	return &quicChannel{conn: conn, stream: stream}, nil
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	return l.listener.Close()
}

// quicChannel implements Channel over a single QUIC stream.
type quicChannel struct {
	conn   quic.Connection
	stream quic.Stream
	sendMu sync.Mutex
}

// Send delivers one length-prefixed message.
func (c *quicChannel) Send(ctx context.Context, msg []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		c.stream.SetWriteDeadline(d)
		defer c.stream.SetWriteDeadline(time.Time{})
	}
	return writeMessage(c.stream, msg)
}

// Receive blocks for the next length-prefixed message. Cancelling ctx
// aborts the stream.
func (c *quicChannel) Receive(ctx context.Context) ([]byte, error) {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			c.stream.CancelRead(0)
		})
		defer stop()
	}
	return readMessage(c.stream)
}

// RemoteAddr returns the peer's address.
func (c *quicChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close terminates the channel and its connection.
func (c *quicChannel) Close() error {
	c.stream.CancelRead(0)
	c.stream.Close()
	return c.conn.CloseWithError(0, "channel closed")
}
