package echo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipIfUnsupported(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("SO_REUSEPORT not supported on Windows")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startServer(t *testing.T, s *Server) uint16 {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("echo server did not stop")
		}
	})

	var port uint16
	waitFor(t, "server port", func() bool {
		port = s.LocalPort()
		return port != 0
	})
	return port
}

// startSilentPeer binds a UDP socket that never answers.
func startSilentPeer(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind silent peer: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

// startPickyPeer answers only after ignoring the first skip datagrams.
func startPickyPeer(t *testing.T, skip int) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind picky peer: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, maxDatagram)
		seen := 0
		for {
			_, remote, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			seen++
			if seen <= skip {
				continue
			}
			conn.WriteToUDPAddrPort([]byte(ReplyPayload), remote)
		}
	}()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func TestServerEchoes(t *testing.T) {
	port := startServer(t, &Server{})

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if got := string(buf[:n]); got != ReplyPayload {
		t.Errorf("reply = %q, want %q", got, ReplyPayload)
	}
}

func TestServerStopsOnCancel(t *testing.T) {
	s := &Server{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, "server port", func() bool { return s.LocalPort() != 0 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on cancel")
	}
}

func TestServerReuseBind(t *testing.T) {
	skipIfUnsupported(t)

	port := startServer(t, &Server{ReuseBind: true})

	c := &Client{Address: "127.0.0.1", Port: port, Timeout: 200 * time.Millisecond}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
}

func TestClientSuccess(t *testing.T) {
	port := startServer(t, &Server{})

	c := &Client{Address: "127.0.0.1", Port: port, Timeout: 200 * time.Millisecond}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
}

func TestClientGivesUp(t *testing.T) {
	port := startSilentPeer(t)

	c := &Client{
		Address:  "127.0.0.1",
		Port:     port,
		Attempts: 2,
		Timeout:  30 * time.Millisecond,
	}
	err := c.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "after 2 attempts") {
		t.Fatalf("Run returned %v, want attempt exhaustion", err)
	}
}

func TestClientFreshSocketRetry(t *testing.T) {
	port := startPickyPeer(t, 1)

	c := &Client{
		Address:     "127.0.0.1",
		Port:        port,
		Attempts:    3,
		Timeout:     50 * time.Millisecond,
		FreshSocket: true,
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v, want success on a later socket", err)
	}
}

func TestClientReuseBind(t *testing.T) {
	skipIfUnsupported(t)

	port := startServer(t, &Server{})

	c := &Client{
		Address:   "127.0.0.1",
		Port:      port,
		Timeout:   200 * time.Millisecond,
		ReuseBind: true,
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
}

func TestClientHonorsContext(t *testing.T) {
	port := startSilentPeer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &Client{Address: "127.0.0.1", Port: port, Timeout: 30 * time.Millisecond}
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}
