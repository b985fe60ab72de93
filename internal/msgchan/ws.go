package msgchan

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const wsDefaultPath = "/rendezvous"

// WSTransport implements Transport using WebSocket. Each WebSocket
// message carries exactly one control message, so no extra framing is
// needed. Listeners accept plaintext connections by default; the
// control protocol carries no secrets.
type WSTransport struct {
	mu        sync.Mutex
	listeners []*WSListener
	closed    bool
}

// NewWSTransport creates a new WebSocket transport.
func NewWSTransport() *WSTransport {
	return &WSTransport{}
}

// Type returns the transport type.
func (t *WSTransport) Type() Type {
	return TypeWebSocket
}

// Dial connects to a remote listener using WebSocket.
func (t *WSTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Channel, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	wsURL := wsEndpointURL(addr, opts)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{ALPNProtocol},
	}
	if strings.HasPrefix(wsURL, "wss://") {
		tlsConfig := opts.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{InsecureSkipVerify: opts.Insecure}
		}
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
			Timeout:   opts.Timeout,
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(MaxMessageSize)

	return &wsChannel{conn: conn}, nil
}

// Listen creates a WebSocket listener. A nil TLS config serves
// plaintext ws.
func (t *WSTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	listener := &WSListener{
		addr:      addr,
		path:      path,
		tlsConfig: opts.TLSConfig,
		connCh:    make(chan *wsChannel, 16),
		closeCh:   make(chan struct{}),
	}

	if err := listener.start(); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, listener)
	return listener, nil
}

// Close shuts down the transport and all listeners.
func (t *WSTransport) Close() error {
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

// WSListener implements Listener for WebSocket.
type WSListener struct {
	addr      string
	path      string
	tlsConfig *tls.Config
	server    *http.Server
	netLn     net.Listener
	connCh    chan *wsChannel
	closeCh   chan struct{}
	closed    atomic.Bool
}

// start initializes the HTTP server.
func (l *WSListener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleUpgrade)

	l.server = &http.Server{
		Addr:      l.addr,
		Handler:   mux,
		TLSConfig: l.tlsConfig,
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go func() {
		if l.tlsConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	return nil
}

// handleUpgrade handles incoming WebSocket upgrade requests.
func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	// Capture the peer address before the upgrade; servers are keyed
	// by it in the registry.
	var remote net.Addr
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		remote = net.TCPAddrFromAddrPort(ap)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(MaxMessageSize)

	ch := &wsChannel{conn: conn, remote: remote}

	select {
	case l.connCh <- ch:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for and returns the next WebSocket channel.
func (l *WSListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.connCh:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

// Addr returns the listener's address.
func (l *WSListener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Close stops the listener.
func (l *WSListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}

// wsChannel implements Channel over a WebSocket connection.
type wsChannel struct {
	conn   *websocket.Conn
	remote net.Addr
	closed atomic.Bool
}

// Send delivers one message as a WebSocket text frame. The control
// protocol is JSON, which is valid UTF-8 by construction.
func (c *wsChannel) Send(ctx context.Context, msg []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("channel closed")
	}
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

// Receive blocks for the next message. Frame type is not checked; the
// payload is handed up untouched either way.
func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// RemoteAddr returns the peer address captured at accept time, or nil
// on the dialing side.
func (c *wsChannel) RemoteAddr() net.Addr {
	return c.remote
}

// Close terminates the channel.
func (c *wsChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, "channel closed")
}

// wsEndpointURL turns an address into a WebSocket URL. Full ws:// and
// wss:// URLs pass through; a bare host:port gets the default path and
// a scheme chosen by whether TLS is configured.
func wsEndpointURL(addr string, opts DialOptions) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}
	scheme := "ws"
	if opts.TLSConfig != nil || opts.Insecure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}
