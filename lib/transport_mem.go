package lib

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// HubConfig shapes the in-process network.
type HubConfig struct {
	DropRate  float64       // probability a datagram is lost (0.0-1.0)
	Jitter    time.Duration // max random delay, reorders datagrams when > 0
	Seed      int64         // rng seed, for reproducible loss patterns
	QueueSize int           // per-transport inbox; overflow is dropped
}

// Hub is an in-process lossy datagram network. Each MemTransport attached to
// it owns one or more endpoints.
type Hub struct {
	mu        sync.Mutex
	cfg       HubConfig
	rng       *rand.Rand
	ports     map[Endpoint]*MemTransport
	dropHook  func(Datagram) bool
	delivered uint64
	dropped   uint64
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Hub{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		ports: make(map[Endpoint]*MemTransport),
	}
}

// Attach creates a transport receiving datagrams addressed to endpoints.
func (h *Hub) Attach(endpoints ...Endpoint) *MemTransport {
	m := &MemTransport{
		hub:       h,
		endpoints: endpoints,
		inbox:     make(chan Datagram, h.cfg.QueueSize),
		closed:    make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ep := range endpoints {
		h.ports[ep] = m
	}
	return m
}

// SetDropHook installs fn to decide loss per datagram. When fn returns true
// the datagram is dropped; the random drop rate still applies otherwise.
// fn runs under the hub lock.
func (h *Hub) SetDropHook(fn func(Datagram) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropHook = fn
}

// Stats returns how many datagrams were delivered and dropped.
func (h *Hub) Stats() (delivered, dropped uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delivered, h.dropped
}

func (h *Hub) route(dg Datagram) {
	h.mu.Lock()
	dst, ok := h.ports[dg.To]
	drop := !ok || (h.dropHook != nil && h.dropHook(dg)) || h.rng.Float64() < h.cfg.DropRate
	var delay time.Duration
	if !drop && h.cfg.Jitter > 0 {
		delay = time.Duration(h.rng.Int63n(int64(h.cfg.Jitter)))
	}
	if drop {
		h.dropped++
	}
	h.mu.Unlock()

	if drop {
		log.Debugf("hub: dropped %d bytes %d -> %d", len(dg.Payload), dg.From, dg.To)
		return
	}
	if delay == 0 {
		h.deliver(dst, dg)
		return
	}
	time.AfterFunc(delay, func() {
		h.deliver(dst, dg)
	})
}

func (h *Hub) deliver(dst *MemTransport, dg Datagram) {
	select {
	case <-dst.closed:
		return
	default:
	}
	select {
	case dst.inbox <- dg:
		h.mu.Lock()
		h.delivered++
		h.mu.Unlock()
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

func (h *Hub) detach(m *MemTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ep := range m.endpoints {
		if h.ports[ep] == m {
			delete(h.ports, ep)
		}
	}
}

// MemTransport is a Transport attached to a Hub.
type MemTransport struct {
	hub       *Hub
	endpoints []Endpoint
	inbox     chan Datagram
	closed    chan struct{}
	closeOnce sync.Once
}

func (m *MemTransport) Send(from, to Endpoint, b []byte) error {
	select {
	case <-m.closed:
		return errors.Wrap(ErrClosed, "mem transport")
	default:
	}
	payload := make([]byte, len(b))
	copy(payload, b)
	m.hub.route(Datagram{From: from, To: to, Payload: payload})
	return nil
}

func (m *MemTransport) Receive(ctx context.Context) (Datagram, error) {
	select {
	case dg := <-m.inbox:
		return dg, nil
	case <-m.closed:
		return Datagram{}, errors.Wrap(ErrClosed, "mem transport")
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

func (m *MemTransport) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.hub.detach(m)
	})
	return nil
}
