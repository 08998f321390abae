package lib

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type CoreConfig struct {
	MaxSessions          int        // session table capacity
	MaxSegmentSize       int        // largest encoded segment, header included
	PayloadPoolSize      int        // how many payload chunks in the pool, 0 uses heap copies
	PoolDebug            bool       // Ring Pool debug setting
	ProcessTimeThreshold int        // chunk processing time threshold in ms
	LogLevel             string     // debug, info, warning, error
	UDP                  *UDPConfig // optional UDP transport settings
}

func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		MaxSessions:          16,
		MaxSegmentSize:       1024,
		PayloadPoolSize:      1024,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,
		LogLevel:             "info",
	}
}

// SessionConfig holds the per-session parameters negotiated at handshake
// plus local retransmission policy.
type SessionConfig struct {
	Window             int           // own receive window in segments, advertised in Syn
	Ordered            bool          // deliver received data in sequence order
	DeliveryQueueSize  int           // reassembled payloads held for the application
	RetransmitInterval time.Duration // 0 disables timer-driven retransmission
	MaxRetransmits     int           // 0 retransmits forever
	Dial               *DialConfig
}

func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Window:            12,
		Ordered:           true,
		DeliveryQueueSize: 128,
		Dial:              DefaultDialConfig(),
	}
}

// Core owns the session table and dispatches inbound datagrams to sessions.
type Core struct {
	config      *CoreConfig
	sessConfig  *SessionConfig
	tr          Transport
	table       *Table
	pool        *payloadPool
	cancel      context.CancelFunc
	closeSignal chan struct{}  // used to send close signal to go routines to stop
	wg          sync.WaitGroup // WaitGroup to synchronize goroutines
	closeOnce   sync.Once
}

func NewCore(cfg *CoreConfig, sessCfg *SessionConfig, tr Transport) (*Core, error) {
	if cfg == nil {
		cfg = DefaultCoreConfig()
	}
	if sessCfg == nil {
		sessCfg = DefaultSessionConfig()
	}
	if tr == nil {
		return nil, errors.New("rsp: nil transport")
	}
	if cfg.MaxSegmentSize <= SegmentHeaderLength+SynOptionLength {
		return nil, errors.Errorf("rsp: max segment size %d too small", cfg.MaxSegmentSize)
	}
	if cfg.MaxSessions < 1 {
		return nil, errors.Errorf("rsp: max sessions %d", cfg.MaxSessions)
	}
	if cfg.PayloadPoolSize < 0 {
		return nil, errors.Errorf("rsp: payload pool size %d", cfg.PayloadPoolSize)
	}
	if sessCfg.Window < 1 || sessCfg.Window > MaxWindow {
		return nil, errors.Errorf("rsp: window %d outside 1..%d", sessCfg.Window, MaxWindow)
	}
	if sessCfg.Dial == nil {
		sessCfg.Dial = DefaultDialConfig()
	}

	c := &Core{
		config:      cfg,
		sessConfig:  sessCfg,
		tr:          tr,
		closeSignal: make(chan struct{}),
	}
	c.pool = newPayloadPool("RSP: ", cfg.PayloadPoolSize, cfg.MaxSegmentSize, cfg.PoolDebug,
		time.Duration(cfg.ProcessTimeThreshold)*time.Millisecond)
	c.table = NewTable(cfg.MaxSessions, func(id SessionID, pair EndpointPair) *Session {
		return newSession(id, pair, c.tr, c.pool, *c.sessConfig, c.config.MaxSegmentSize)
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.dispatch(ctx)

	if sessCfg.RetransmitInterval > 0 {
		c.wg.Add(1)
		go c.retransmitLoop(sessCfg.RetransmitInterval, sessCfg.MaxRetransmits)
	}

	log.Info("rsp core started")
	return c, nil
}

// dispatch feeds datagrams from the transport into HandleDatagram.
func (c *Core) dispatch(ctx context.Context) {
	defer c.wg.Done()

	for {
		dg, err := c.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			log.Warningf("transport receive: %v", err)
			continue
		}
		c.HandleDatagram(dg)
	}
}

func (c *Core) retransmitLoop(interval time.Duration, maxRetransmits int) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeSignal:
			return
		case now := <-ticker.C:
			for _, s := range c.table.Sessions() {
				s.mu.Lock()
				s.retransmitTick(now, interval, maxRetransmits)
				s.mu.Unlock()
			}
		}
	}
}

// HandleDatagram decodes one inbound datagram and routes it to its session.
// Malformed or oversized datagrams are dropped.
func (c *Core) HandleDatagram(dg Datagram) {
	if len(dg.Payload) > c.config.MaxSegmentSize {
		log.Warningf("dropping %d byte datagram from %d, limit %d", len(dg.Payload), dg.From, c.config.MaxSegmentSize)
		return
	}
	seg, err := UnmarshalSegment(dg.Payload)
	if err != nil {
		log.Warningf("dropping datagram from %d: %v", dg.From, err)
		return
	}

	if dg.From == AnyEndpoint {
		log.Warningf("dropping datagram from wildcard endpoint to %d", dg.To)
		return
	}

	pair := EndpointPair{Local: dg.To, Remote: dg.From}
	s := c.lookup(pair, seg)
	if s == nil {
		if !seg.has(RSTFlag) {
			c.refuse(pair, seg)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateListening && s.pair.Remote == AnyEndpoint && seg.Flags&(SYNFlag|ACKFlag|RSTFlag) == SYNFlag {
		if err := c.table.rekey(s.id, pair); err != nil {
			log.Warningf("listener %d: %v", s.id, err)
			return
		}
		s.pair = pair
	}
	if s.pair != pair {
		// listener claimed by another peer, or slot released meanwhile
		log.Debugf("session %d: stale %s from %d dropped", s.id, flagString(seg.Flags), dg.From)
		return
	}
	s.handleSegment(seg)
}

func (c *Core) lookup(pair EndpointPair, seg *Segment) *Session {
	id, err := c.table.Find(pair.Local, pair.Remote)
	if err != nil && seg.Flags&(SYNFlag|ACKFlag) == SYNFlag {
		id, err = c.table.FindListener(pair.Local)
	}
	if err != nil {
		return nil
	}
	s, err := c.table.Get(id)
	if err != nil {
		return nil
	}
	return s
}

// refuse answers a segment for which no session exists with Rst.
func (c *Core) refuse(pair EndpointPair, seg *Segment) {
	rst := &Segment{Flags: RSTFlag}
	if seg.has(ACKFlag) {
		rst.Seq = SeqIncrement(seg.Ack)
	}
	log.Debugf("no session for %s, refusing %s", pair, flagString(seg.Flags))
	if err := c.tr.Send(pair.Local, pair.Remote, rst.Marshal()); err != nil {
		log.Warningf("refuse %s: %v", pair, err)
	}
}

func (c *Core) session(id SessionID) (*Session, error) {
	select {
	case <-c.closeSignal:
		return nil, ErrClosed
	default:
	}
	return c.table.Get(id)
}

// Listen creates a session waiting for a peer's Syn on local.
func (c *Core) Listen(local Endpoint) (SessionID, error) {
	if local == AnyEndpoint {
		return InvalidSession, errors.Wrap(ErrInvalidState, "listen on wildcard endpoint")
	}
	isn, err := GenerateISN()
	if err != nil {
		return InvalidSession, err
	}
	id, err := c.table.Allocate(local, AnyEndpoint)
	if err != nil {
		return InvalidSession, err
	}
	s, err := c.table.Get(id)
	if err != nil {
		return InvalidSession, err
	}

	s.mu.Lock()
	s.listen(isn)
	s.mu.Unlock()
	return id, nil
}

// Open starts an active open towards remote. The session is returned in
// SynSent; a transport error sending the Syn is returned with the valid id.
func (c *Core) Open(local, remote Endpoint) (SessionID, error) {
	if local == AnyEndpoint || remote == AnyEndpoint {
		return InvalidSession, errors.Wrap(ErrInvalidState, "open with wildcard endpoint")
	}
	isn, err := GenerateISN()
	if err != nil {
		return InvalidSession, err
	}
	id, err := c.table.Allocate(local, remote)
	if err != nil {
		return InvalidSession, err
	}
	s, err := c.table.Get(id)
	if err != nil {
		return InvalidSession, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return id, s.open(isn)
}

// Send queues b as one segment. ErrWouldBlock means the peer's window is
// full and the caller should retry later.
func (c *Core) Send(id SessionID, b []byte) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return errors.Wrapf(ErrNotConnected, "session %d in %s", id, s.state)
	}
	return s.enqueueData(b)
}

// Receive pops one payload, truncated to max bytes when max > 0.
// ErrEmpty means nothing has been reassembled yet.
func (c *Core) Receive(id SessionID, max int) ([]byte, error) {
	s, err := c.session(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.receive(max)
}

func (s *Session) receive(max int) ([]byte, error) {
	if s.state != StateOpen && s.state != StateCloseWait {
		return nil, errors.Wrapf(ErrNotConnected, "session %d in %s", s.id, s.state)
	}
	b, err := s.deliver()
	if err != nil {
		return nil, err
	}
	if max > 0 && len(b) > max {
		b = b[:max]
	}
	return b, nil
}

// ReceiveContext blocks until a payload is available, the session can no
// longer produce data, or ctx is done.
func (c *Core) ReceiveContext(ctx context.Context, id SessionID, max int) ([]byte, error) {
	s, err := c.session(id)
	if err != nil {
		return nil, err
	}

	for {
		s.mu.Lock()
		state := s.state
		var b []byte
		err := ErrEmpty
		if state == StateOpen || state == StateCloseWait {
			b, err = s.receive(max)
		}
		s.mu.Unlock()

		if err == nil || !errors.Is(err, ErrEmpty) {
			return b, err
		}
		if state == StateCloseWait || state == StateClosed {
			return nil, errors.Wrapf(ErrNotConnected, "session %d in %s", id, state)
		}

		select {
		case <-s.dataReady:
		case <-s.stateChanged:
		case <-s.done:
			return nil, errors.Wrapf(ErrNotConnected, "session %d closed", id)
		case <-c.closeSignal:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Core) IsConnected(id SessionID) bool {
	s, err := c.session(id)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen
}

func (c *Core) HasPendingData(id SessionID) bool {
	s, err := c.session(id)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasPendingData()
}

// Flush re-sends every unacknowledged segment.
func (c *Core) Flush(id SessionID) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return errors.Wrapf(ErrNotConnected, "session %d in %s", id, s.state)
	}
	return s.flushUnacked()
}

// KeepAlive sends a Nul segment when nothing is outstanding; otherwise the
// unacknowledged segments are flushed.
func (c *Core) KeepAlive(id SessionID) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return errors.Wrapf(ErrNotConnected, "session %d in %s", id, s.state)
	}
	if len(s.snd.unacked) > 0 {
		return s.flushUnacked()
	}
	return s.sendNul()
}

func (c *Core) State(id SessionID) (State, error) {
	s, err := c.session(id)
	if err != nil {
		return StateClosed, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// RemoteEndpoint returns the peer bound to id, AnyEndpoint for a listener.
func (c *Core) RemoteEndpoint(id SessionID) (Endpoint, error) {
	s, err := c.session(id)
	if err != nil {
		return AnyEndpoint, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pair.Remote, nil
}

// Close resets the connection if the peer is known and releases the slot.
func (c *Core) Close(id SessionID) error {
	s, err := c.table.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.released() {
		s.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "session %d", id)
	}
	switch s.state {
	case StateSynSent, StateSynReceived, StateOpen:
		if err := s.sendRst(); err != nil {
			log.Warningf("session %d: %v", id, err)
		}
	}
	s.teardown()
	s.mu.Unlock()

	return c.table.Release(id)
}

// Shutdown closes every session, stops the core's goroutines and closes
// the transport.
func (c *Core) Shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		for _, s := range c.table.Sessions() {
			if cerr := c.Close(s.ID()); cerr != nil {
				log.Debugf("close session %d: %v", s.ID(), cerr)
			}
		}

		// Send closeSignal to all goroutines
		close(c.closeSignal)
		c.cancel()
		err = c.tr.Close()

		// Wait for all goroutines to finish
		c.wg.Wait()
		log.Info("rsp core closed gracefully")
	})
	return err
}
