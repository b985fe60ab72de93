package broker

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/pinhole/internal/config"
	"github.com/postalsys/pinhole/internal/logging"
	"github.com/postalsys/pinhole/internal/metrics"
	"github.com/postalsys/pinhole/internal/protocol"
	"github.com/postalsys/pinhole/internal/registry"
)

func newTestCoordinator(policy string) *coordinator {
	return &coordinator{
		registry: registry.New(),
		logger:   logging.NopLogger(),
		metrics:  metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		policy:   policy,
	}
}

// completeAfterDispatch waits for the server channel to carry an
// instruction, then hands the session its reply, standing in for the
// server session loop.
func completeAfterDispatch(sess *registry.ServerSession, ch *fakeChannel, reply []byte) {
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if len(ch.Sent()) > 0 {
				sess.CompleteNext(reply)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

var testClientEndpoint = netip.MustParseAddrPort("203.0.113.7:40000")

func TestRequestPunch_UnknownClient(t *testing.T) {
	c := newTestCoordinator(config.PolicyBroadcast)

	srvCh := newFakeChannel()
	c.registry.AddServer("srv", srvCh)

	c.RequestPunch(context.Background(), 99, testClientEndpoint)

	// No client, no punch: the server must never hear about it.
	if sent := srvCh.Sent(); len(sent) != 0 {
		t.Errorf("expected no dispatch for unknown client, got %d messages", len(sent))
	}
	if got := testutil.ToFloat64(c.metrics.PunchRequests); got != 0 {
		t.Errorf("expected 0 punch requests recorded, got %v", got)
	}
}

func TestRequestPunch_NoServers(t *testing.T) {
	c := newTestCoordinator(config.PolicyBroadcast)

	clientCh := newFakeChannel()
	sess := c.registry.AddClient(clientCh)

	c.RequestPunch(context.Background(), sess.ID, testClientEndpoint)

	if sent := clientCh.Sent(); len(sent) != 0 {
		t.Errorf("expected nothing forwarded, got %d messages", len(sent))
	}
	if got := testutil.ToFloat64(c.metrics.PunchRequests); got != 1 {
		t.Errorf("expected 1 punch request recorded, got %v", got)
	}
	if got := testutil.ToFloat64(c.metrics.PunchDispatches); got != 0 {
		t.Errorf("expected 0 dispatches, got %v", got)
	}
}

func TestRequestPunch_ForwardsReplyVerbatim(t *testing.T) {
	c := newTestCoordinator(config.PolicyBroadcast)

	clientCh := newFakeChannel()
	client := c.registry.AddClient(clientCh)

	srvCh := newFakeChannel()
	srv := c.registry.AddServer("srv", srvCh)

	// Deliberately non-canonical JSON: the broker must relay bytes,
	// not re-encode them.
	reply := []byte(`{ "result" : "ok" , "note": "fired" }`)
	completeAfterDispatch(srv, srvCh, reply)

	c.RequestPunch(context.Background(), client.ID, testClientEndpoint)

	srvSent := srvCh.Sent()
	if len(srvSent) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(srvSent))
	}
	req, err := protocol.ParseRequest(srvSent[0])
	if err != nil {
		t.Fatalf("failed to parse instruction: %v", err)
	}
	if req.Request != protocol.RequestPunch {
		t.Errorf("expected punch request, got %q", req.Request)
	}
	if req.ClientAddress != "203.0.113.7" {
		t.Errorf("expected client address 203.0.113.7, got %q", req.ClientAddress)
	}
	if req.ClientPort != 40000 {
		t.Errorf("expected client port 40000, got %d", req.ClientPort)
	}

	forwarded := clientCh.Sent()
	if len(forwarded) != 1 {
		t.Fatalf("expected 1 forwarded reply, got %d", len(forwarded))
	}
	if string(forwarded[0]) != string(reply) {
		t.Errorf("reply not forwarded verbatim:\nwant %q\ngot  %q", reply, forwarded[0])
	}
	if got := testutil.ToFloat64(c.metrics.PunchReplies.WithLabelValues("forwarded")); got != 1 {
		t.Errorf("expected 1 forwarded reply recorded, got %v", got)
	}
}

func TestRequestPunch_BroadcastForwardsAll(t *testing.T) {
	c := newTestCoordinator(config.PolicyBroadcast)

	clientCh := newFakeChannel()
	client := c.registry.AddClient(clientCh)

	for _, key := range []string{"srv-a", "srv-b"} {
		ch := newFakeChannel()
		srv := c.registry.AddServer(key, ch)
		completeAfterDispatch(srv, ch, []byte(`{"result":"ok"}`))
	}

	c.RequestPunch(context.Background(), client.ID, testClientEndpoint)

	if forwarded := clientCh.Sent(); len(forwarded) != 2 {
		t.Errorf("expected both replies forwarded, got %d", len(forwarded))
	}
	if got := testutil.ToFloat64(c.metrics.PunchDispatches); got != 2 {
		t.Errorf("expected 2 dispatches, got %v", got)
	}
}

func TestRequestPunch_FirstReplyForwardsOne(t *testing.T) {
	c := newTestCoordinator(config.PolicyFirstReply)

	clientCh := newFakeChannel()
	client := c.registry.AddClient(clientCh)

	for _, key := range []string{"srv-a", "srv-b"} {
		ch := newFakeChannel()
		srv := c.registry.AddServer(key, ch)
		completeAfterDispatch(srv, ch, []byte(`{"result":"ok"}`))
	}

	c.RequestPunch(context.Background(), client.ID, testClientEndpoint)

	if forwarded := clientCh.Sent(); len(forwarded) != 1 {
		t.Errorf("expected exactly 1 forwarded reply, got %d", len(forwarded))
	}
	if got := testutil.ToFloat64(c.metrics.PunchReplies.WithLabelValues("forwarded")); got != 1 {
		t.Errorf("expected 1 forwarded reply, got %v", got)
	}
	if got := testutil.ToFloat64(c.metrics.PunchReplies.WithLabelValues("suppressed")); got != 1 {
		t.Errorf("expected 1 suppressed reply, got %v", got)
	}
}

func TestRequestPunch_ClientGoneBeforeReply(t *testing.T) {
	c := newTestCoordinator(config.PolicyBroadcast)

	clientCh := newFakeChannel()
	client := c.registry.AddClient(clientCh)

	srvCh := newFakeChannel()
	srv := c.registry.AddServer("srv", srvCh)

	// The client disconnects while the server is still punching.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if len(srvCh.Sent()) > 0 {
				c.registry.RemoveClient(client.ID)
				srv.CompleteNext([]byte(`{"result":"ok"}`))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	c.RequestPunch(context.Background(), client.ID, testClientEndpoint)

	if forwarded := clientCh.Sent(); len(forwarded) != 0 {
		t.Errorf("expected nothing forwarded to a vanished client, got %d", len(forwarded))
	}
	if got := testutil.ToFloat64(c.metrics.PunchReplies.WithLabelValues("client_gone")); got != 1 {
		t.Errorf("expected 1 client_gone reply, got %v", got)
	}
}

func TestRequestPunch_ServerDiesBeforeReply(t *testing.T) {
	c := newTestCoordinator(config.PolicyBroadcast)

	clientCh := newFakeChannel()
	client := c.registry.AddClient(clientCh)

	srvCh := newFakeChannel()
	srv := c.registry.AddServer("srv", srvCh)

	// Session teardown instead of a reply: all waiters fail.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if len(srvCh.Sent()) > 0 {
				srv.CloseWaiters()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	c.RequestPunch(context.Background(), client.ID, testClientEndpoint)

	if forwarded := clientCh.Sent(); len(forwarded) != 0 {
		t.Errorf("expected no forward after server death, got %d", len(forwarded))
	}
}

func TestRequestPunch_SendFailureClosesServerChannel(t *testing.T) {
	c := newTestCoordinator(config.PolicyBroadcast)

	clientCh := newFakeChannel()
	client := c.registry.AddClient(clientCh)

	srvCh := newFakeChannel()
	srvCh.sendErr = errors.New("connection reset")
	srv := c.registry.AddServer("srv", srvCh)

	// The session loop notices its channel closing and fails the
	// waiters; mimic that here.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if srvCh.IsClosed() {
				srv.CloseWaiters()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	c.RequestPunch(context.Background(), client.ID, testClientEndpoint)

	if !srvCh.IsClosed() {
		t.Error("expected server channel closed after failed dispatch")
	}
	if forwarded := clientCh.Sent(); len(forwarded) != 0 {
		t.Errorf("expected nothing forwarded, got %d", len(forwarded))
	}
}

func TestRequestPunch_CancelledContext(t *testing.T) {
	c := newTestCoordinator(config.PolicyBroadcast)

	clientCh := newFakeChannel()
	client := c.registry.AddClient(clientCh)

	srvCh := newFakeChannel()
	c.registry.AddServer("srv", srvCh)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The server never replies; cancellation is what unblocks the
	// dispatch.
	c.RequestPunch(ctx, client.ID, testClientEndpoint)

	if forwarded := clientCh.Sent(); len(forwarded) != 0 {
		t.Errorf("expected nothing forwarded, got %d", len(forwarded))
	}
}
