// Package msgchan provides message-oriented control channels for Pinhole.
//
// The rendezvous protocol is a conversation of small discrete messages, so
// the abstraction here is a message pipe rather than a byte stream: Send
// delivers one message, Receive returns the next one whole. WebSocket
// carries messages natively; QUIC and HTTP/2 carry them over a single
// byte stream with a length prefix.
package msgchan

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Type identifies the channel transport protocol.
type Type string

const (
	TypeWebSocket Type = "ws"
	TypeQUIC      Type = "quic"
	TypeHTTP2     Type = "h2"
)

// ALPNProtocol is the protocol identifier offered during TLS negotiation.
const ALPNProtocol = "pinhole/1"

// Channel is a bidirectional pipe of discrete messages.
type Channel interface {
	// Send delivers one message. Messages arrive whole and in order.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks for the next message. It returns the exact bytes
	// the peer sent, with no reframing or normalization. Cancelling ctx
	// tears the channel down; callers that need a per-message timeout
	// should pump Receive from a dedicated goroutine and select on the
	// result.
	Receive(ctx context.Context) ([]byte, error)

	// RemoteAddr returns the peer's network address, or nil if the
	// transport does not expose one.
	RemoteAddr() net.Addr

	// Close terminates the channel.
	Close() error
}

// Transport creates and accepts channels.
type Transport interface {
	// Dial connects to a remote listener.
	Dial(ctx context.Context, addr string, opts DialOptions) (Channel, error)

	// Listen creates a listener for incoming channels.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport type identifier.
	Type() Type

	// Close shuts down the transport and its listeners.
	Close() error
}

// Listener accepts incoming channels.
type Listener interface {
	// Accept waits for and returns the next channel.
	Accept(ctx context.Context) (Channel, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// DialOptions contains options for dialing a listener.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection.
	// Required for QUIC and HTTP/2 unless Insecure is set.
	TLSConfig *tls.Config

	// Insecure skips certificate verification on TLS transports.
	// Prefer certutil fingerprint pinning over this.
	Insecure bool

	// Timeout is the connection timeout.
	Timeout time.Duration

	// Path is the HTTP path for WebSocket and HTTP/2 transports.
	// Ignored when addr is a full URL.
	Path string
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener.
	// Required for QUIC and HTTP/2; optional for WebSocket, which
	// accepts plaintext connections without it.
	TLSConfig *tls.Config

	// Path is the HTTP path for WebSocket and HTTP/2 transports.
	Path string
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 30 * time.Second,
	}
}

// New creates a transport of the given type.
func New(t Type) (Transport, error) {
	switch t {
	case TypeWebSocket:
		return NewWSTransport(), nil
	case TypeQUIC:
		return NewQUICTransport(), nil
	case TypeHTTP2:
		return NewH2Transport(), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %q", t)
	}
}

// ParseType validates a transport type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeWebSocket, TypeQUIC, TypeHTTP2:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unknown transport type: %q (want ws, quic or h2)", s)
	}
}
