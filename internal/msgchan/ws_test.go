package msgchan

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

func TestWSTransport_PlaintextExchange(t *testing.T) {
	tr := NewWSTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

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

	clientCh, err := tr.Dial(ctx, listener.Addr().String(), DialOptions{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientCh.Close()

	wg.Wait()
	if acceptErr != nil {
		t.Fatalf("Accept() error = %v", acceptErr)
	}
	defer serverCh.Close()

	// Accepted side must expose the peer address; the registry keys
	// servers by it.
	if serverCh.RemoteAddr() == nil {
		t.Error("server-side RemoteAddr() = nil")
	}

	// Client speaks first, as in the rendezvous protocol.
	hello := []byte(`{"new": "client"}`)
	if err := clientCh.Send(ctx, hello); err != nil {
		t.Fatalf("client Send() error = %v", err)
	}

	got, err := serverCh.Receive(ctx)
	if err != nil {
		t.Fatalf("server Receive() error = %v", err)
	}
	if !bytes.Equal(got, hello) {
		t.Errorf("server received %q, want %q", got, hello)
	}

	// Reply travels back byte-exact, including non-canonical spacing.
	reply := []byte(`{ "result" :"ok",  "id": 0 }`)
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

func TestWSTransport_MessageBoundaries(t *testing.T) {
	tr := NewWSTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	acceptedCh := make(chan Channel, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ch, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		acceptedCh <- ch
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientCh, err := tr.Dial(ctx, listener.Addr().String(), DialOptions{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientCh.Close()

	serverCh := <-acceptedCh
	defer serverCh.Close()

	// Back-to-back sends arrive as two messages, not one blob.
	if err := clientCh.Send(ctx, []byte("first")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := clientCh.Send(ctx, []byte("second")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got1, err := serverCh.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	got2, err := serverCh.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(got1) != "first" || string(got2) != "second" {
		t.Errorf("received %q, %q", got1, got2)
	}
}

func TestWSTransport_AcceptContextCancel(t *testing.T) {
	tr := NewWSTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = listener.Accept(ctx)
	if err == nil {
		t.Error("Accept() should fail when context expires")
	}
}

func TestWSTransport_DialClosed(t *testing.T) {
	tr := NewWSTransport()
	tr.Close()

	_, err := tr.Dial(context.Background(), "127.0.0.1:1", DialOptions{})
	if err == nil {
		t.Error("Dial() on closed transport should fail")
	}
}

func TestWSTransport_CloseMultiple(t *testing.T) {
	tr := NewWSTransport()

	if err := tr.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestWSChannel_CloseUnblocksReceive(t *testing.T) {
	tr := NewWSTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	acceptedCh := make(chan Channel, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ch, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		acceptedCh <- ch
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientCh, err := tr.Dial(ctx, listener.Addr().String(), DialOptions{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	serverCh := <-acceptedCh
	defer serverCh.Close()

	recvErr := make(chan error, 1)
	go func() {
		_, err := clientCh.Receive(context.Background())
		recvErr <- err
	}()

	clientCh.Close()

	select {
	case err := <-recvErr:
		if err == nil {
			t.Error("Receive() on closed channel returned nil error")
		}
	case <-time.After(5 * time.Second):
		t.Error("Receive() still blocked after Close()")
	}
}
