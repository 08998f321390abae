package lib

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestUDPTransportRoundTrip(t *testing.T) {
	a, err := NewUDPTransport(&UDPConfig{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b, err := NewUDPTransport(&UDPConfig{
		Listen: "127.0.0.1:0",
		Peers:  map[Endpoint]string{1: a.LocalAddr().String()},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	// a has no address for 2 until it hears from it
	if err := a.Send(1, 2, []byte("early")); !errors.Is(err, ErrNotFound) {
		t.Errorf("send to unknown endpoint: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := b.Send(2, 1, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	dg, err := a.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dg.From != 2 || dg.To != 1 || string(dg.Payload) != "hello" {
		t.Fatalf("a received %+v", dg)
	}

	if err := a.Send(1, 2, []byte("world")); err != nil {
		t.Fatal(err)
	}
	dg, err = b.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dg.From != 1 || string(dg.Payload) != "world" {
		t.Fatalf("b received %+v", dg)
	}
}

func TestUDPTransportClose(t *testing.T) {
	tr, err := NewUDPTransport(&UDPConfig{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("receive after close: %v", err)
	}
}

func TestUDPTransportBadPeer(t *testing.T) {
	_, err := NewUDPTransport(&UDPConfig{
		Listen: "127.0.0.1:0",
		Peers:  map[Endpoint]string{1: "not an address"},
	})
	if err == nil {
		t.Fatal("expected error for unresolvable peer")
	}
}
