package msgchan

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/pinhole/internal/certutil"
)

func quicTestListener(t *testing.T) (Transport, Listener, DialOptions) {
	t.Helper()

	cert, err := certutil.GenerateBrokerCert("localhost", 0)
	if err != nil {
		t.Fatalf("GenerateBrokerCert failed: %v", err)
	}
	serverTLS, err := cert.ServerTLSConfig()
	if err != nil {
		t.Fatalf("ServerTLSConfig failed: %v", err)
	}

	tr := NewQUICTransport()
	t.Cleanup(func() { tr.Close() })

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	dialOpts := DialOptions{
		TLSConfig: certutil.PinnedTLSConfig(cert.Fingerprint()),
		Timeout:   5 * time.Second,
	}
	return tr, listener, dialOpts
}

func TestQUICTransport_Exchange(t *testing.T) {
	tr, listener, dialOpts := quicTestListener(t)

	var serverCh Channel
	var acceptErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		serverCh, acceptErr = listener.Accept(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientCh, err := tr.Dial(ctx, listener.Addr().String(), dialOpts)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientCh.Close()

	// The accepted channel surfaces only once the dialer's first
	// message opens the stream.
	hello := []byte(`{"new": "server"}`)
	if err := clientCh.Send(ctx, hello); err != nil {
		t.Fatalf("client Send() error = %v", err)
	}

	wg.Wait()
	if acceptErr != nil {
		t.Fatalf("Accept() error = %v", acceptErr)
	}
	defer serverCh.Close()

	if serverCh.RemoteAddr() == nil {
		t.Error("server-side RemoteAddr() = nil")
	}
	if _, ok := serverCh.RemoteAddr().(*net.UDPAddr); !ok {
		t.Errorf("RemoteAddr() type = %T, want *net.UDPAddr", serverCh.RemoteAddr())
	}

	got, err := serverCh.Receive(ctx)
	if err != nil {
		t.Fatalf("server Receive() error = %v", err)
	}
	if !bytes.Equal(got, hello) {
		t.Errorf("server received %q, want %q", got, hello)
	}

	reply := []byte(`{"result": "ok"}`)
	if err := serverCh.Send(ctx, reply); err != nil {
		t.Fatalf("server Send() error = %v", err)
	}

	got, err = clientCh.Receive(ctx)
	if err != nil {
		t.Fatalf("client Receive() error = %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Errorf("client received %q, want %q", got, reply)
	}
}

func TestQUICTransport_FingerprintMismatchRejected(t *testing.T) {
	tr, listener, _ := quicTestListener(t)

	other, err := certutil.GenerateBrokerCert("impostor.local", 0)
	if err != nil {
		t.Fatalf("GenerateBrokerCert failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = tr.Dial(ctx, listener.Addr().String(), DialOptions{
		TLSConfig: certutil.PinnedTLSConfig(other.Fingerprint()),
		Timeout:   3 * time.Second,
	})
	if err == nil {
		t.Error("Dial() should fail when the pinned fingerprint does not match")
	}
}

func TestQUICTransport_ListenRequiresTLS(t *testing.T) {
	tr := NewQUICTransport()
	defer tr.Close()

	if _, err := tr.Listen("127.0.0.1:0", ListenOptions{}); err == nil {
		t.Error("Listen() should fail without TLS config")
	}
}

func TestQUICTransport_DialRequiresTLSOrInsecure(t *testing.T) {
	tr := NewQUICTransport()
	defer tr.Close()

	_, err := tr.Dial(context.Background(), "127.0.0.1:1", DialOptions{Timeout: 100 * time.Millisecond})
	if err == nil {
		t.Error("Dial() without TLS config and without insecure should fail")
	}
}

func TestQUICTransport_DialClosed(t *testing.T) {
	tr := NewQUICTransport()
	tr.Close()

	_, err := tr.Dial(context.Background(), "127.0.0.1:1", DialOptions{Insecure: true})
	if err == nil {
		t.Error("Dial() on closed transport should fail")
	}
}

func TestQUICListener_Addr(t *testing.T) {
	_, listener, _ := quicTestListener(t)

	addr := listener.Addr()
	if addr == nil {
		t.Fatal("Addr() = nil")
	}
	if _, ok := addr.(*net.UDPAddr); !ok {
		t.Errorf("Addr() type = %T, want *net.UDPAddr", addr)
	}
}
