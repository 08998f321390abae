package lib

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/smallnest/ringbuffer"
)

// InvalidSession is returned alongside errors from calls that allocate a session.
const InvalidSession SessionID = -1

type sendState struct {
	firstSeq      seqnum.Value // seq of our Syn
	nextSeq       seqnum.Value // next seq to assign
	oldestUnacked seqnum.Value // lowest seq not cumulatively acked
	ordered       bool         // peer delivers in order
	peerWindow    int          // segments the peer will buffer
	unacked       []*outSegment
	lastProgress  time.Time // last data send, flush or ack progress
	retransmits   int       // timer flushes since last progress
}

type recvState struct {
	firstSeq      seqnum.Value // peer's Syn seq
	cumulativeSeq seqnum.Value // highest seq delivered in order
	ownWindow     int
	ordered       bool
	reorder       *btree.BTreeG[*inSegment]
	delivery      *ringbuffer.RingBuffer
	queued        int // payloads waiting in delivery
	queueCap      int
}

// outSegment is a sent segment awaiting acknowledgment. frame holds the
// encoded bytes so retransmissions are byte-identical.
type outSegment struct {
	seq   seqnum.Value
	frame *chunk
}

// inSegment is an out-of-sequence arrival. In unordered mode the payload has
// already been delivered and only the seq is kept for selective acks.
type inSegment struct {
	seq       seqnum.Value
	data      *chunk
	delivered bool
}

func lessInSegment(a, b *inSegment) bool {
	return a.seq.LessThan(b.seq)
}

// Session is one connection endpoint. All fields are guarded by mu.
type Session struct {
	mu    sync.Mutex
	id    SessionID
	pair  EndpointPair
	state State

	snd sendState
	rcv recvState

	tr         Transport
	pool       *payloadPool
	cfg        SessionConfig
	maxSegment int

	dataReady    chan struct{}
	stateChanged chan struct{}
	done         chan struct{} // closed when the slot is released
}

func newSession(id SessionID, pair EndpointPair, tr Transport, pool *payloadPool, cfg SessionConfig, maxSegment int) *Session {
	return &Session{
		id:           id,
		pair:         pair,
		state:        StateClosed,
		tr:           tr,
		pool:         pool,
		cfg:          cfg,
		maxSegment:   maxSegment,
		dataReady:    make(chan struct{}, 1),
		stateChanged: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// ID returns the session's slot id.
func (s *Session) ID() SessionID {
	return s.id
}

// init prepares both sub-records for a new connection with the given ISN.
func (s *Session) init(isn seqnum.Value) {
	s.snd = sendState{
		firstSeq:      isn,
		nextSeq:       SeqIncrement(isn),
		oldestUnacked: SeqIncrement(isn),
		peerWindow:    1,
	}

	window := s.cfg.Window
	if window < 1 {
		window = 1
	}
	queueCap := s.cfg.DeliveryQueueSize
	if queueCap < 1 {
		queueCap = 1
	}
	s.rcv = recvState{
		ownWindow: window,
		ordered:   s.cfg.Ordered,
		reorder:   btree.NewG(2, lessInSegment),
		delivery:  ringbuffer.New(queueCap * (s.maxPayload() + recordHeaderLength)),
		queueCap:  queueCap,
	}
}

// learnPeer records the peer's Syn parameters.
func (s *Session) learnPeer(syn *Segment) {
	s.rcv.firstSeq = syn.Seq
	s.rcv.cumulativeSeq = syn.Seq
	s.snd.ordered = syn.Ordered
	s.snd.peerWindow = int(syn.Window)
	if s.snd.peerWindow < 1 {
		s.snd.peerWindow = 1
	}
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	log.Infof("session %d (%s): %s -> %s", s.id, s.pair, s.state, st)
	s.state = st
	notify(s.stateChanged)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// teardown returns every buffered chunk to the pool and marks the session
// released. Waiters blocked on the session are woken.
func (s *Session) teardown() {
	for _, out := range s.snd.unacked {
		s.pool.release(out.frame)
	}
	s.snd.unacked = nil
	if s.rcv.reorder != nil {
		for {
			in, ok := s.rcv.reorder.DeleteMin()
			if !ok {
				break
			}
			s.pool.release(in.data)
		}
	}
	if s.rcv.delivery != nil {
		s.rcv.delivery.Reset()
	}
	s.rcv.queued = 0
	s.setState(StateClosed)
	if !s.released() {
		close(s.done)
	}
}

func (s *Session) released() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
