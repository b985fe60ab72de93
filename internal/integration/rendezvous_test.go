// Package integration exercises the whole rendezvous path in one
// process: a real broker, a server agent fronting a real UDP echo
// service, and a client agent punching through on behalf of a local
// program's socket, all over loopback.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/postalsys/pinhole/internal/broker"
	"github.com/postalsys/pinhole/internal/client"
	"github.com/postalsys/pinhole/internal/config"
	"github.com/postalsys/pinhole/internal/echo"
	"github.com/postalsys/pinhole/internal/msgchan"
	"github.com/postalsys/pinhole/internal/protocol"
	"github.com/postalsys/pinhole/internal/punch"
	"github.com/postalsys/pinhole/internal/reuseport"
	"github.com/postalsys/pinhole/internal/server"
)

// requireE2E gates the tests that run real agents. The client agent
// discovers local flows by reading /proc/net, so those tests are
// Linux-only.
func requireE2E(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if runtime.GOOS != "linux" {
		t.Skip("flow watching reads /proc/net, which only Linux has")
	}
}

// brokerConfig puts every broker listener on an ephemeral loopback
// port so concurrent test runs cannot collide.
func brokerConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.ListenPort = 0
	cfg.Broker.PunchPort = 0
	cfg.Broker.Health.Enabled = true
	cfg.Broker.Health.Address = "127.0.0.1:0"
	return cfg
}

func startBroker(t *testing.T, cfg *config.Config) (b *broker.Broker, controlPort, datagramPort uint16) {
	t.Helper()

	b, err := broker.New(cfg, nil)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(func() { b.Stop() })

	tcp, ok := b.ControlAddr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("control listener address is %T, want *net.TCPAddr", b.ControlAddr())
	}
	udp, ok := b.DatagramAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("datagram socket address is %T, want *net.UDPAddr", b.DatagramAddr())
	}
	return b, uint16(tcp.Port), uint16(udp.Port)
}

// startEchoService runs a reuse-bound echo server on an ephemeral port
// and returns the port once it is actually bound.
func startEchoService(t *testing.T) uint16 {
	t.Helper()

	srv := &echo.Server{Port: 0, ReuseBind: true}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.LocalPort() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("echo service never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv.LocalPort()
}

func startServerAgent(t *testing.T, controlPort, datagramPort, servicePort uint16) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.BrokerAddress = "127.0.0.1"
	cfg.Server.BrokerPort = controlPort
	cfg.Server.BrokerPunchPort = datagramPort
	cfg.Server.ServicePort = servicePort
	// One immediate keepalive is all the broker needs, and a short
	// interval would keep borrowing the service port mid-test.
	cfg.Server.KeepaliveInterval = time.Hour

	agent, err := server.New(cfg, nil)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

type brokerStatus struct {
	Running         bool   `json:"running"`
	Clients         int    `json:"clients"`
	Servers         int    `json:"servers"`
	ServiceEndpoint string `json:"service_endpoint"`
}

func fetchStatus(url string) (*brokerStatus, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var st brokerStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// waitForServiceRegistered polls the broker's status endpoint until
// the server agent has both connected and delivered its first
// keepalive.
func waitForServiceRegistered(t *testing.T, healthAddr string) {
	t.Helper()

	url := "http://" + healthAddr + "/status"
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := fetchStatus(url)
		if err == nil && st.Servers >= 1 && st.ServiceEndpoint != "" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("service never showed up in broker status")
}

// dialLocalProgram opens the socket a real client application would
// use: connected to the service endpoint and reuse-bound so the punch
// machinery can borrow its port.
func dialLocalProgram(t *testing.T, service netip.AddrPort) *net.UDPConn {
	t.Helper()

	d := net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) { serr = reuseport.SetReusePort(fd) }); err != nil {
				return err
			}
			return serr
		},
	}
	conn, err := d.Dial("udp4", service.String())
	if err != nil {
		t.Fatalf("dial service: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn.(*net.UDPConn)
}

// dialControl opens a raw control channel to the broker, for tests
// that speak the wire protocol directly.
func dialControl(t *testing.T, port uint16) msgchan.Channel {
	t.Helper()

	tp, err := msgchan.New(msgchan.TypeWebSocket)
	if err != nil {
		t.Fatalf("msgchan.New: %v", err)
	}
	t.Cleanup(func() { tp.Close() })

	opts := msgchan.DefaultDialOptions()
	opts.Path = config.Default().Transport.Path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := tp.Dial(ctx, fmt.Sprintf("127.0.0.1:%d", port), opts)
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

type stateRecorder struct {
	mu     sync.Mutex
	states []client.State
}

func (r *stateRecorder) record(s client.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) saw(s client.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func (r *stateRecorder) snapshot() []client.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]client.State(nil), r.states...)
}

func waitForState(t *testing.T, rec *stateRecorder, s client.State) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !rec.saw(s) {
		if time.Now().After(deadline) {
			t.Fatalf("agent never reached state %s; saw %v", s, rec.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestEndToEndPunch walks the full rendezvous: the echo service
// registers through its server agent, the client agent discovers the
// local program's flow, races a punch, and real traffic then crosses
// the punched path.
func TestEndToEndPunch(t *testing.T) {
	requireE2E(t)

	b, controlPort, datagramPort := startBroker(t, brokerConfig())
	t.Logf("broker up: control port %d, datagram port %d", controlPort, datagramPort)

	echoPort := startEchoService(t)
	startServerAgent(t, controlPort, datagramPort, echoPort)
	waitForServiceRegistered(t, b.HealthAddr())
	t.Logf("echo service on port %d registered with broker", echoPort)

	cfg := config.Default()
	cfg.Client.BrokerAddress = "127.0.0.1"
	cfg.Client.BrokerPort = controlPort
	cfg.Client.BrokerPunchPort = datagramPort
	cfg.Client.PollInterval = 20 * time.Millisecond
	cfg.Client.Retry.MaxAttempts = 5

	agent, err := client.New(cfg, nil)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	rec := &stateRecorder{}
	agent.OnState = rec.record
	var (
		endpointMu sync.Mutex
		endpoint   netip.AddrPort
	)
	agent.OnEndpoint = func(ep netip.AddrPort) {
		endpointMu.Lock()
		endpoint = ep
		endpointMu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- agent.Run(ctx) }()

	// The agent sits in waiting-flow until the local program talks to
	// the service. Open that socket only now, the way a user starts
	// their application after the agent.
	waitForState(t, rec, client.StateWaitingFlow)
	service := netip.MustParseAddrPort(fmt.Sprintf("127.0.0.1:%d", echoPort))
	local := dialLocalProgram(t, service)
	t.Logf("local program dialed %s from %s", service, local.LocalAddr())

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("client run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("client agent never finished")
	}

	endpointMu.Lock()
	got := endpoint
	endpointMu.Unlock()
	if got != service {
		t.Errorf("confirmed endpoint = %s, want %s", got, service)
	}
	if !rec.saw(client.StateSucceeded) {
		t.Errorf("agent never reported success; states: %v", rec.snapshot())
	}

	// The server's punch datagram left the service port toward the
	// local program's port, so the connected socket must have it.
	local.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := local.Read(buf)
	if err != nil {
		t.Fatalf("read punch datagram: %v", err)
	}
	if string(buf[:n]) != protocol.PunchPayload {
		t.Errorf("first datagram = %q, want %q", buf[:n], protocol.PunchPayload)
	}

	// With the hole open, real traffic flows over the same socket.
	// Punches from retried attempts may still be queued ahead of the
	// echo reply.
	if _, err := local.Write([]byte(echo.RequestPayload)); err != nil {
		t.Fatalf("send echo request: %v", err)
	}
	for {
		local.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := local.Read(buf)
		if err != nil {
			t.Fatalf("echo reply never arrived: %v", err)
		}
		if string(buf[:n]) == echo.ReplyPayload {
			break
		}
		if string(buf[:n]) != protocol.PunchPayload {
			t.Fatalf("unexpected datagram %q", buf[:n])
		}
	}
	t.Log("echo dialog completed through the punched path")
}

// TestClientFailsWithoutServers registers a client against a broker
// that has never seen a keepalive and expects the distinct no-servers
// failure.
func TestClientFailsWithoutServers(t *testing.T) {
	requireE2E(t)

	_, controlPort, datagramPort := startBroker(t, brokerConfig())

	cfg := config.Default()
	cfg.Client.BrokerAddress = "127.0.0.1"
	cfg.Client.BrokerPort = controlPort
	cfg.Client.BrokerPunchPort = datagramPort

	agent, err := client.New(cfg, nil)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := agent.Run(ctx); !errors.Is(err, client.ErrNoServers) {
		t.Fatalf("run error = %v, want %v", err, client.ErrNoServers)
	}
}

// TestUnknownRoleRejected declares a role the broker does not know and
// expects the documented rejection followed by a hangup.
func TestUnknownRoleRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	_, controlPort, _ := startBroker(t, brokerConfig())
	ch := dialControl(t, controlPort)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hello := protocol.Hello{New: "bogus"}
	if err := ch.Send(ctx, hello.Encode()); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	reply, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("receive rejection: %v", err)
	}
	res, err := protocol.ParseResult(reply)
	if err != nil {
		t.Fatalf("parse rejection: %v", err)
	}
	if res.Result != protocol.ResultError {
		t.Errorf("result = %q, want %q", res.Result, protocol.ResultError)
	}
	if res.Why != protocol.ReasonUnknownConnectionType {
		t.Errorf("why = %q, want %q", res.Why, protocol.ReasonUnknownConnectionType)
	}

	if _, err := ch.Receive(ctx); err == nil {
		t.Error("channel still delivering messages after rejection")
	}
}

// TestBrokerSurvivesJunkTraffic throws garbage at both broker sockets
// and then verifies a normal session still works: one raw keepalive
// registers an endpoint, and a raw client session reads it back.
func TestBrokerSurvivesJunkTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	_, controlPort, datagramPort := startBroker(t, brokerConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	junk := dialControl(t, controlPort)
	if err := junk.Send(ctx, []byte("this is not json")); err != nil {
		t.Fatalf("send junk hello: %v", err)
	}
	junk.Receive(ctx) // rejection or hangup, either way the broker moves on
	junk.Close()

	dgram, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", datagramPort))
	if err != nil {
		t.Fatalf("dial datagram port: %v", err)
	}
	defer dgram.Close()
	if _, err := dgram.Write([]byte("blah")); err != nil {
		t.Fatalf("send junk datagram: %v", err)
	}

	brokerEndpoint := netip.MustParseAddrPort(fmt.Sprintf("127.0.0.1:%d", datagramPort))
	if err := punch.Send(0, brokerEndpoint, protocol.KeepaliveDatagram()); err != nil {
		t.Fatalf("send keepalive: %v", err)
	}

	ch := dialControl(t, controlPort)
	hello := protocol.Hello{New: protocol.RoleClient}
	if err := ch.Send(ctx, hello.Encode()); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	reply, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("receive hello ack: %v", err)
	}
	ack, err := protocol.ParseHelloAck(reply)
	if err != nil {
		t.Fatalf("parse hello ack: %v", err)
	}
	if ack.Result != protocol.ResultOK {
		t.Fatalf("hello rejected: %s", ack.Why)
	}
	if ack.ID == nil {
		t.Fatal("client ack missing id")
	}

	// The keepalive crosses loopback concurrently with the session
	// setup, so ask again until the tracker has seen it.
	req := protocol.Request{Request: protocol.RequestInfo}
	deadline := time.Now().Add(3 * time.Second)
	var info *protocol.Info
	for {
		if err := ch.Send(ctx, req.Encode()); err != nil {
			t.Fatalf("send info request: %v", err)
		}
		reply, err := ch.Receive(ctx)
		if err != nil {
			t.Fatalf("receive info: %v", err)
		}
		parsed, err := protocol.ParseInfo(reply)
		if err == nil && parsed.Result == protocol.ResultOK {
			info = parsed
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service endpoint never appeared; last reply %s", reply)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if info.Address != "127.0.0.1" {
		t.Errorf("endpoint address = %q, want 127.0.0.1", info.Address)
	}
	if info.Port == 0 {
		t.Error("endpoint port is zero")
	}
}
