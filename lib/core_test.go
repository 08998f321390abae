package lib

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
)

const (
	serverEndpoint Endpoint = 10
	clientEndpoint Endpoint = 20
)

func testCoreConfig() *CoreConfig {
	cfg := DefaultCoreConfig()
	cfg.MaxSessions = 4
	cfg.PayloadPoolSize = 64
	return cfg
}

func newCorePair(t *testing.T, hubCfg HubConfig, sessCfg *SessionConfig) (*Hub, *Core, *Core) {
	t.Helper()
	hub := NewHub(hubCfg)

	server, err := NewCore(testCoreConfig(), sessCfg, hub.Attach(serverEndpoint))
	if err != nil {
		t.Fatalf("server core: %v", err)
	}
	client, err := NewCore(testCoreConfig(), sessCfg, hub.Attach(clientEndpoint))
	if err != nil {
		t.Fatalf("client core: %v", err)
	}
	t.Cleanup(func() {
		client.Shutdown()
		server.Shutdown()
	})
	return hub, server, client
}

func TestCoreEcho(t *testing.T) {
	_, server, client := newCorePair(t, HubConfig{}, DefaultSessionConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lid, err := server.Listen(serverEndpoint)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cid, err := client.Dial(ctx, clientEndpoint, serverEndpoint)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if !client.IsConnected(cid) {
		t.Fatal("client not connected after dial")
	}
	waitFor(t, "server open", func() bool { return server.IsConnected(lid) })
	if remote, _ := server.RemoteEndpoint(lid); remote != clientEndpoint {
		t.Errorf("server bound to %d, want %d", remote, clientEndpoint)
	}

	if err := client.Send(cid, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	got, err := server.ReceiveContext(ctx, lid, 0)
	if err != nil || string(got) != "ping" {
		t.Fatalf("server received %q, %v", got, err)
	}

	if err := server.Send(lid, []byte("pong-pong")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "client data", func() bool { return client.HasPendingData(cid) })
	got, err = client.Receive(cid, 4)
	if err != nil || string(got) != "pong" {
		t.Fatalf("client received %q, %v", got, err)
	}
	if _, err := client.Receive(cid, 0); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}

	if err := client.Close(cid); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "server close-wait", func() bool {
		st, _ := server.State(lid)
		return st == StateCloseWait
	})
	if _, err := server.ReceiveContext(ctx, lid, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("receive after reset: expected ErrNotConnected, got %v", err)
	}
	if err := server.Close(lid); err != nil {
		t.Fatal(err)
	}
	if _, err := server.State(lid); !errors.Is(err, ErrNotFound) {
		t.Errorf("state after close: expected ErrNotFound, got %v", err)
	}
}

func TestCoreDialRefused(t *testing.T) {
	_, _, client := newCorePair(t, HubConfig{}, DefaultSessionConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Dial(ctx, clientEndpoint, serverEndpoint)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if n := client.table.Len(); n != 0 {
		t.Errorf("failed dial left %d sessions", n)
	}
}

func TestCoreDialTimeout(t *testing.T) {
	sessCfg := DefaultSessionConfig()
	sessCfg.Dial = &DialConfig{MaxRetries: 2, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, BackoffMultiplier: 2}
	hub, server, client := newCorePair(t, HubConfig{}, sessCfg)
	hub.SetDropHook(func(Datagram) bool { return true })

	if _, err := server.Listen(serverEndpoint); err != nil {
		t.Fatal(err)
	}
	_, err := client.Dial(context.Background(), clientEndpoint, serverEndpoint)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) || !timeout.Timeout() {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	if _, dropped := hub.Stats(); dropped < 3 {
		t.Errorf("only %d datagrams dropped, want Syn plus 2 retries", dropped)
	}
}

func TestCoreDialContextCancel(t *testing.T) {
	hub, _, client := newCorePair(t, HubConfig{}, DefaultSessionConfig())
	hub.SetDropHook(func(Datagram) bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Dial(ctx, clientEndpoint, serverEndpoint); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCoreSessionLimitsAndMisuse(t *testing.T) {
	tr := &captureTransport{}
	cfg := testCoreConfig()
	cfg.MaxSessions = 2
	c, err := NewCore(cfg, DefaultSessionConfig(), tr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	lid, err := c.Listen(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Listen(1); !errors.Is(err, ErrInUse) {
		t.Errorf("second listener: expected ErrInUse, got %v", err)
	}
	if _, err := c.Listen(AnyEndpoint); !errors.Is(err, ErrInvalidState) {
		t.Errorf("wildcard listen: expected ErrInvalidState, got %v", err)
	}
	if _, err := c.Open(1, AnyEndpoint); !errors.Is(err, ErrInvalidState) {
		t.Errorf("wildcard open: expected ErrInvalidState, got %v", err)
	}
	if _, err := c.Open(2, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Open(2, 4); !errors.Is(err, ErrExhausted) {
		t.Errorf("full table: expected ErrExhausted, got %v", err)
	}

	if err := c.Send(lid, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send on listener: expected ErrNotConnected, got %v", err)
	}
	if _, err := c.Receive(lid, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("receive on listener: expected ErrNotConnected, got %v", err)
	}
	if err := c.KeepAlive(lid); !errors.Is(err, ErrNotConnected) {
		t.Errorf("keep-alive on listener: expected ErrNotConnected, got %v", err)
	}
	if err := c.Send(3, []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown session: expected ErrNotFound, got %v", err)
	}
	if c.IsConnected(3) || c.HasPendingData(3) {
		t.Error("unknown session reported as live")
	}

	// a listener emits nothing; closing it sends no Rst
	tr.take(t) // Syn from Open
	if err := c.Close(lid); err != nil {
		t.Fatal(err)
	}
	if segs := tr.take(t); len(segs) != 0 {
		t.Errorf("closing a listener sent %v", segs)
	}
	if err := c.Close(lid); !errors.Is(err, ErrNotFound) {
		t.Errorf("double close: expected ErrNotFound, got %v", err)
	}
}

func TestHandleDatagram(t *testing.T) {
	tr := &captureTransport{}
	c, err := NewCore(testCoreConfig(), DefaultSessionConfig(), tr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	lid, err := c.Listen(serverEndpoint)
	if err != nil {
		t.Fatal(err)
	}

	// malformed and oversized datagrams are dropped silently
	c.HandleDatagram(Datagram{From: 20, To: serverEndpoint, Payload: []byte{1, 2, 3}})
	c.HandleDatagram(Datagram{From: 20, To: serverEndpoint, Payload: make([]byte, c.config.MaxSegmentSize+1)})
	if segs := tr.take(t); len(segs) != 0 {
		t.Fatalf("bad datagrams answered with %v", segs)
	}

	syn := (&Segment{Flags: SYNFlag, Seq: 700, Window: 4, Ordered: true}).Marshal()
	c.HandleDatagram(Datagram{From: 20, To: serverEndpoint, Payload: syn})
	segs := tr.take(t)
	if len(segs) != 1 || segs[0].Flags != SYNFlag|ACKFlag || segs[0].Ack != 700 {
		t.Fatalf("Syn answered with %v", segs)
	}
	if id, err := c.table.Find(serverEndpoint, 20); err != nil || id != lid {
		t.Errorf("listener not rebound to peer: %d, %v", id, err)
	}

	// the listener is taken; another peer is refused
	c.HandleDatagram(Datagram{From: 30, To: serverEndpoint, Payload: syn})
	segs = tr.take(t)
	if len(segs) != 1 || segs[0].Flags != RSTFlag {
		t.Fatalf("second peer answered with %v", segs)
	}

	// refusal of an acknowledging segment uses its ack
	ack := (&Segment{Flags: ACKFlag, Seq: 5, Ack: 41}).Marshal()
	c.HandleDatagram(Datagram{From: 30, To: serverEndpoint, Payload: ack})
	segs = tr.take(t)
	if len(segs) != 1 || segs[0].Flags != RSTFlag || segs[0].Seq != 42 {
		t.Fatalf("unknown ack answered with %v", segs)
	}

	// Rst is never answered
	c.HandleDatagram(Datagram{From: 30, To: serverEndpoint, Payload: segs[0].Marshal()})
	if segs := tr.take(t); len(segs) != 0 {
		t.Errorf("Rst answered with %v", segs)
	}

	// a new listener may take the endpoint again
	if _, err := c.Listen(serverEndpoint); err != nil {
		t.Errorf("re-listen: %v", err)
	}
}

func TestCoreKeepAlive(t *testing.T) {
	_, server, client := newCorePair(t, HubConfig{}, DefaultSessionConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lid, _ := server.Listen(serverEndpoint)
	cid, err := client.Dial(ctx, clientEndpoint, serverEndpoint)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "server open", func() bool { return server.IsConnected(lid) })

	if err := client.KeepAlive(cid); err != nil {
		t.Fatal(err)
	}
	s, _ := client.session(cid)
	waitFor(t, "keep-alive acked", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.snd.unacked) == 0
	})
	if server.HasPendingData(lid) {
		t.Error("keep-alive produced application data")
	}

	if err := client.Send(cid, []byte("after")); err != nil {
		t.Fatal(err)
	}
	if got, err := server.ReceiveContext(ctx, lid, 0); err != nil || string(got) != "after" {
		t.Errorf("received %q, %v", got, err)
	}
}

func TestCoreLossyTransfer(t *testing.T) {
	const messages = 100

	sessCfg := DefaultSessionConfig()
	sessCfg.Window = 8
	sessCfg.RetransmitInterval = 10 * time.Millisecond
	sessCfg.Dial = AggressiveDialConfig()
	hub, server, client := newCorePair(t, HubConfig{DropRate: 0.1, Jitter: 3 * time.Millisecond, Seed: 7}, sessCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	lid, err := server.Listen(serverEndpoint)
	if err != nil {
		t.Fatal(err)
	}
	cid, err := client.Dial(ctx, clientEndpoint, serverEndpoint)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	received := make(chan []string, 1)
	go func() {
		var got []string
		for len(got) < messages {
			b, err := server.ReceiveContext(ctx, lid, 0)
			if err != nil {
				break
			}
			got = append(got, string(b))
		}
		received <- got
	}()

	for i := 0; i < messages; i++ {
		msg := []byte(fmt.Sprintf("msg-%03d", i))
		for {
			err := client.Send(cid, msg)
			if err == nil {
				break
			}
			if !errors.Is(err, ErrWouldBlock) {
				t.Fatalf("send %d: %v", i, err)
			}
			if ctx.Err() != nil {
				t.Fatalf("send %d: %v", i, ctx.Err())
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	got := <-received
	if len(got) != messages {
		t.Fatalf("received %d of %d messages", len(got), messages)
	}
	for i, msg := range got {
		if want := fmt.Sprintf("msg-%03d", i); msg != want {
			t.Fatalf("message %d = %q, want %q", i, msg, want)
		}
	}
	if _, dropped := hub.Stats(); dropped == 0 {
		t.Log("no datagrams were dropped")
	}
}
