package msgchan

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

const (
	h2DefaultPath     = "/rendezvous"
	h2ProtocolHeader  = "X-Pinhole-Protocol"
	h2ContentType     = "application/octet-stream"
	h2ShutdownTimeout = 5 * time.Second
)

// H2Transport implements Transport using HTTP/2 streaming. A channel is
// a single POST request with streaming bodies in both directions;
// messages are length-prefixed on them.
type H2Transport struct {
	mu        sync.Mutex
	listeners []*H2Listener
	closed    bool
}

// NewH2Transport creates a new HTTP/2 transport.
func NewH2Transport() *H2Transport {
	return &H2Transport{}
}

// Type returns the transport type.
func (t *H2Transport) Type() Type {
	return TypeHTTP2
}

// Dial connects to a remote listener using an HTTP/2 streaming POST.
func (t *H2Transport) Dial(ctx context.Context, addr string, opts DialOptions) (Channel, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	baseURL, path := h2EndpointURL(addr, opts)

	// The request context outlives the dial call; it is cancelled on
	// Close. The dial timeout is tracked separately.
	connCtx, connCancel := context.WithCancel(context.Background())

	var dialCtx context.Context
	var dialCancel context.CancelFunc
	if opts.Timeout > 0 {
		dialCtx, dialCancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		dialCtx, dialCancel = context.WithCancel(ctx)
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		if !opts.Insecure {
			connCancel()
			dialCancel()
			return nil, fmt.Errorf("TLS config required; set insecure for development only")
		}
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{"h2"},
		}
	} else {
		tlsConfig = ensureH2Proto(tlsConfig)
	}

	h2t := &http2.Transport{
		TLSClientConfig: tlsConfig,
	}

	// The dialer writes request-body bytes through this pipe.
	pipeReader, pipeWriter := io.Pipe()

	req, err := http.NewRequestWithContext(connCtx, "POST", baseURL+path, pipeReader)
	if err != nil {
		dialCancel()
		connCancel()
		pipeWriter.Close()
		pipeReader.Close()
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", h2ContentType)
	req.Header.Set(h2ProtocolHeader, ALPNProtocol)

	type roundTripResult struct {
		resp *http.Response
		err  error
	}
	resultCh := make(chan roundTripResult, 1)

	go func() {
		resp, err := h2t.RoundTrip(req)
		resultCh <- roundTripResult{resp, err}
	}()

	var resp *http.Response
	select {
	case result := <-resultCh:
		dialCancel()
		if result.err != nil {
			connCancel()
			pipeWriter.Close()
			pipeReader.Close()
			return nil, fmt.Errorf("h2 dial failed: %w", result.err)
		}
		resp = result.resp
	case <-dialCtx.Done():
		connCancel()
		dialCancel()
		pipeWriter.Close()
		pipeReader.Close()
		return nil, fmt.Errorf("h2 dial timeout: %w", dialCtx.Err())
	}

	if resp.StatusCode != http.StatusOK {
		connCancel()
		resp.Body.Close()
		pipeWriter.Close()
		pipeReader.Close()
		return nil, fmt.Errorf("h2 dial failed: status %d", resp.StatusCode)
	}

	return &h2Channel{
		reader:     resp.Body,
		writer:     pipeWriter,
		cancelConn: connCancel,
	}, nil
}

// Listen creates an HTTP/2 listener.
func (t *H2Transport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for HTTP/2 listener")
	}
	tlsConfig = ensureH2Proto(tlsConfig)

	path := opts.Path
	if path == "" {
		path = h2DefaultPath
	}

	listener := &H2Listener{
		addr:      addr,
		path:      path,
		tlsConfig: tlsConfig,
		connCh:    make(chan *h2Channel, 16),
		closeCh:   make(chan struct{}),
	}

	if err := listener.start(); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, listener)
	return listener, nil
}

// Close shuts down the transport and all listeners.
func (t *H2Transport) Close() error {
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

// H2Listener implements Listener for HTTP/2.
type H2Listener struct {
	addr      string
	path      string
	tlsConfig *tls.Config
	server    *http.Server
	netLn     net.Listener
	connCh    chan *h2Channel
	closeCh   chan struct{}
	closed    atomic.Bool
}

// start initializes the HTTP/2 server.
func (l *H2Listener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleStream)

	l.server = &http.Server{
		Addr:      l.addr,
		Handler:   mux,
		TLSConfig: l.tlsConfig,
	}

	http2.ConfigureServer(l.server, &http2.Server{})

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go func() {
		tlsLn := tls.NewListener(ln, l.tlsConfig)
		l.server.Serve(tlsLn)
	}()

	return nil
}

// handleStream handles incoming streaming POST requests. The handler
// blocks until the channel is closed; returning earlier would tear
// down the response stream under the peer.
func (l *H2Listener) handleStream(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	if r.Method != "POST" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if proto := r.Header.Get(h2ProtocolHeader); proto != "" && proto != ALPNProtocol {
		http.Error(w, "unsupported protocol", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var remote net.Addr
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		remote = net.TCPAddrFromAddrPort(ap)
	}

	w.Header().Set("Content-Type", h2ContentType)
	w.Header().Set(h2ProtocolHeader, ALPNProtocol)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Sends go through this pipe and are pumped to the response here,
	// so no write can race the handler's return.
	pipeReader, pipeWriter := io.Pipe()
	pumpDone := make(chan struct{})

	ch := &h2Channel{
		reader: r.Body,
		writer: pipeWriter,
		remote: remote,
		doneCh: make(chan struct{}),
	}

	go func() {
		defer close(pumpDone)
		defer pipeReader.Close()
		buf := make([]byte, 32768)
		for {
			n, err := pipeReader.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				if _, err := w.Write(buf[:n]); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}()

	select {
	case l.connCh <- ch:
		<-ch.doneCh
		pipeWriter.Close()
		<-pumpDone
	case <-l.closeCh:
		pipeWriter.Close()
		<-pumpDone
	}
}

// Accept waits for and returns the next HTTP/2 channel.
func (l *H2Listener) Accept(ctx context.Context) (Channel, error) {
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
func (l *H2Listener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Close stops the listener.
func (l *H2Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), h2ShutdownTimeout)
	defer cancel()

	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}

// h2Channel implements Channel over an HTTP/2 request/response pair.
type h2Channel struct {
	reader     io.ReadCloser
	writer     io.WriteCloser
	remote     net.Addr
	sendMu     sync.Mutex
	closed     atomic.Bool
	doneCh     chan struct{}      // accept side: releases the handler
	cancelConn context.CancelFunc // dial side: aborts the request
}

// Send delivers one length-prefixed message.
func (c *h2Channel) Send(ctx context.Context, msg []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("channel closed")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return writeMessage(c.writer, msg)
}

// Receive blocks for the next length-prefixed message.
func (c *h2Channel) Receive(ctx context.Context) ([]byte, error) {
	return readMessage(c.reader)
}

// RemoteAddr returns the peer address captured at accept time, or nil
// on the dialing side.
func (c *h2Channel) RemoteAddr() net.Addr {
	return c.remote
}

// Close terminates the channel.
func (c *h2Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	if c.doneCh != nil {
		close(c.doneCh)
	}
	if c.cancelConn != nil {
		c.cancelConn()
	}

	var err error
	if c.writer != nil {
		if closeErr := c.writer.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.reader != nil {
		if closeErr := c.reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// ensureH2Proto clones the config and guarantees "h2" is offered.
func ensureH2Proto(c *tls.Config) *tls.Config {
	c = c.Clone()
	for _, proto := range c.NextProtos {
		if proto == "h2" {
			return c
		}
	}
	c.NextProtos = append([]string{"h2"}, c.NextProtos...)
	return c
}

// h2EndpointURL splits an address into base URL and path. Full
// https:// URLs pass through; a bare host:port gets the default path.
func h2EndpointURL(addr string, opts DialOptions) (baseURL, path string) {
	if strings.HasPrefix(addr, "https://") {
		if i := strings.IndexByte(addr[len("https://"):], '/'); i >= 0 {
			i += len("https://")
			return addr[:i], addr[i:]
		}
		return addr, defaultedPath(opts.Path)
	}
	return "https://" + addr, defaultedPath(opts.Path)
}

func defaultedPath(p string) string {
	if p == "" {
		return h2DefaultPath
	}
	return p
}
