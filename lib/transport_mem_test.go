package lib

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestHubDelivers(t *testing.T) {
	hub := NewHub(HubConfig{})
	a := hub.Attach(1)
	b := hub.Attach(2, 3)

	msg := []byte("hello")
	if err := a.Send(1, 3, msg); err != nil {
		t.Fatal(err)
	}
	msg[0] = 'j' // the hub keeps its own copy

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dg, err := b.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dg.From != 1 || dg.To != 3 || string(dg.Payload) != "hello" {
		t.Errorf("got %+v", dg)
	}

	// unknown destinations are lost
	if err := a.Send(1, 9, msg); err != nil {
		t.Fatal(err)
	}
	if delivered, dropped := hub.Stats(); delivered != 1 || dropped != 1 {
		t.Errorf("stats = %d delivered, %d dropped", delivered, dropped)
	}
}

func TestHubDropHook(t *testing.T) {
	hub := NewHub(HubConfig{})
	a := hub.Attach(1)
	b := hub.Attach(2)
	hub.SetDropHook(func(dg Datagram) bool {
		return string(dg.Payload) == "drop"
	})

	a.Send(1, 2, []byte("drop"))
	a.Send(1, 2, []byte("keep"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dg, err := b.Receive(ctx)
	if err != nil || string(dg.Payload) != "keep" {
		t.Fatalf("got %q, %v", dg.Payload, err)
	}
	if _, dropped := hub.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestHubDropRate(t *testing.T) {
	hub := NewHub(HubConfig{DropRate: 1})
	a := hub.Attach(1)
	hub.Attach(2)
	for i := 0; i < 10; i++ {
		a.Send(1, 2, []byte{byte(i)})
	}
	if delivered, dropped := hub.Stats(); delivered != 0 || dropped != 10 {
		t.Errorf("stats = %d delivered, %d dropped", delivered, dropped)
	}
}

func TestHubJitter(t *testing.T) {
	hub := NewHub(HubConfig{Jitter: 5 * time.Millisecond, Seed: 1})
	a := hub.Attach(1)
	b := hub.Attach(2)
	for i := 0; i < 20; i++ {
		a.Send(1, 2, []byte{byte(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	seen := make(map[byte]bool)
	for len(seen) < 20 {
		dg, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("received %d of 20: %v", len(seen), err)
		}
		seen[dg.Payload[0]] = true
	}
}

func TestMemTransportClose(t *testing.T) {
	hub := NewHub(HubConfig{})
	a := hub.Attach(1)
	b := hub.Attach(2)

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("receive after close: %v", err)
	}
	if err := b.Send(2, 1, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: %v", err)
	}

	// the endpoint is gone from the hub
	a.Send(1, 2, []byte("x"))
	if _, dropped := hub.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("receive with cancelled ctx: %v", err)
	}
}
