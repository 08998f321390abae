package lib

import (
	"context"
	"net"
	"sync"

	"github.com/Clouded-Sabre/rsp/shared"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// UDPConfig configures a UDPTransport.
type UDPConfig struct {
	Listen string              // local UDP address, e.g. "127.0.0.1:7080"
	TOS    int                 // IP TOS byte, 0 leaves the default
	TTL    int                 // IP TTL, 0 leaves the default
	Peers  map[Endpoint]string // endpoint id -> UDP address
}

// UDPTransport carries segments in shared.Envelope frames over UDP. Peers not
// in the static directory are learned from the source of inbound datagrams.
type UDPTransport struct {
	conn      *ipv4.PacketConn
	mu        sync.RWMutex
	peers     map[Endpoint]*net.UDPAddr
	inbox     chan Datagram
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewUDPTransport(cfg *UDPConfig) (*UDPTransport, error) {
	peers := make(map[Endpoint]*net.UDPAddr, len(cfg.Peers))
	for ep, addr := range cfg.Peers {
		udpAddr, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "peer %d", ep)
		}
		peers[ep] = udpAddr
	}

	c, err := net.ListenPacket("udp4", cfg.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", cfg.Listen)
	}
	conn := ipv4.NewPacketConn(c)
	if cfg.TOS > 0 {
		if err := conn.SetTOS(cfg.TOS); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "set TOS")
		}
	}
	if cfg.TTL > 0 {
		if err := conn.SetTTL(cfg.TTL); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "set TTL")
		}
	}

	t := &UDPTransport{
		conn:   conn,
		peers:  peers,
		inbox:  make(chan Datagram, 256),
		closed: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop()

	log.Infof("UDP transport listening on %s", c.LocalAddr())
	return t, nil
}

// LocalAddr returns the bound UDP address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Send(from, to Endpoint, b []byte) error {
	t.mu.RLock()
	addr, ok := t.peers[to]
	t.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "no UDP address for endpoint %d", to)
	}

	env := shared.NewEnvelope(uint32(from), uint32(to), b)
	if _, err := t.conn.WriteTo(env.Marshal(), nil, addr); err != nil {
		return errors.Wrapf(err, "write to %s", addr)
	}
	return nil
}

func (t *UDPTransport) Receive(ctx context.Context) (Datagram, error) {
	select {
	case dg := <-t.inbox:
		return dg, nil
	case <-t.closed:
		return Datagram{}, errors.Wrap(ErrClosed, "udp transport")
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, _, src, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			log.Warningf("UDP read: %v", err)
			continue
		}

		var env shared.Envelope
		if err := env.Unmarshal(buf[:n]); err != nil {
			log.Warningf("UDP datagram from %s: %v", src, err)
			continue
		}
		if udpAddr, ok := src.(*net.UDPAddr); ok {
			t.learn(Endpoint(env.From), udpAddr)
		}

		payload := make([]byte, len(env.Payload))
		copy(payload, env.Payload)
		select {
		case t.inbox <- Datagram{From: Endpoint(env.From), To: Endpoint(env.To), Payload: payload}:
		case <-t.closed:
			return
		default:
			log.Warningf("UDP inbox full, dropping datagram from %s", src)
		}
	}
}

func (t *UDPTransport) learn(ep Endpoint, addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.peers[ep]; ok && cur.String() == addr.String() {
		return
	}
	t.peers[ep] = addr
	log.Debugf("UDP: endpoint %d at %s", ep, addr)
}

func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}
