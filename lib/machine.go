package lib

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

// listen moves a fresh session to Listening. No segment is sent.
func (s *Session) listen(isn seqnum.Value) {
	s.init(isn)
	s.setState(StateListening)
}

// open moves a fresh session to SynSent and sends the Syn.
func (s *Session) open(isn seqnum.Value) error {
	s.init(isn)
	s.setState(StateSynSent)
	return s.sendSyn()
}

// handleSegment dispatches one decoded inbound segment on the session's
// current state. Segments that do not fit the state are dropped.
func (s *Session) handleSegment(seg *Segment) {
	log.Debugf("session %d ◀ %s", s.id, seg)

	switch s.state {
	case StateListening:
		s.onListening(seg)
	case StateSynSent:
		s.onSynSent(seg)
	case StateSynReceived:
		s.onSynReceived(seg)
	case StateOpen:
		s.onOpen(seg)
	default:
		log.Debugf("session %d: %s dropped in %s", s.id, flagString(seg.Flags), s.state)
	}
}

func (s *Session) onListening(seg *Segment) {
	if seg.Flags&(SYNFlag|ACKFlag|RSTFlag) != SYNFlag {
		log.Debugf("session %d: listener ignoring %s", s.id, flagString(seg.Flags))
		return
	}
	s.learnPeer(seg)
	s.setState(StateSynReceived)
	if err := s.sendSynAck(); err != nil {
		log.Warningf("session %d: %v", s.id, err)
	}
}

func (s *Session) onSynSent(seg *Segment) {
	if seg.has(RSTFlag) {
		s.setState(StateCloseWait)
		return
	}
	if !seg.has(SYNFlag) {
		log.Debugf("session %d: %s before handshake dropped", s.id, flagString(seg.Flags))
		return
	}

	if !seg.has(ACKFlag) {
		// simultaneous open
		s.learnPeer(seg)
		s.setState(StateSynReceived)
		if err := s.sendSynAck(); err != nil {
			log.Warningf("session %d: %v", s.id, err)
		}
		return
	}

	if seg.Ack != s.snd.firstSeq {
		log.Warningf("session %d: Syn+Ack acks %d, our Syn was %d", s.id, uint32(seg.Ack), uint32(s.snd.firstSeq))
		return
	}
	s.learnPeer(seg)
	s.snd.oldestUnacked = SeqIncrement(seg.Ack)
	s.setState(StateOpen)
	if err := s.sendAck(); err != nil {
		log.Warningf("session %d: %v", s.id, err)
	}
}

func (s *Session) onSynReceived(seg *Segment) {
	if seg.has(RSTFlag) {
		s.setState(StateCloseWait)
		return
	}

	if seg.has(SYNFlag) {
		if seg.Seq != s.rcv.firstSeq {
			log.Warningf("session %d: Syn seq %d does not match peer's %d", s.id, uint32(seg.Seq), uint32(s.rcv.firstSeq))
			return
		}
		if seg.has(ACKFlag) && seg.Ack == s.snd.firstSeq {
			// peer opened simultaneously and saw our Syn+Ack
			s.setState(StateOpen)
			if err := s.sendAck(); err != nil {
				log.Warningf("session %d: %v", s.id, err)
			}
			return
		}
		// our Syn+Ack was lost
		if err := s.sendSynAck(); err != nil {
			log.Warningf("session %d: %v", s.id, err)
		}
		return
	}

	limit := s.rcv.cumulativeSeq.Add(seqnum.Size(2 * s.rcv.ownWindow))
	if !isGreater(seg.Seq, s.rcv.firstSeq) || isGreater(seg.Seq, limit) {
		log.Warningf("session %d: seq %d outside (%d, %d] during handshake", s.id, uint32(seg.Seq), uint32(s.rcv.firstSeq), uint32(limit))
		return
	}
	if !seg.has(ACKFlag) || seg.Ack != s.snd.firstSeq {
		log.Warningf("session %d: %s ack=%d ignored during handshake", s.id, flagString(seg.Flags), uint32(seg.Ack))
		return
	}

	s.setState(StateOpen)
	if len(seg.Payload) > 0 || seg.has(EACKFlag) || seg.has(NULFlag) {
		// final Ack was lost and the peer already sent on
		s.onOpen(seg)
	}
}

func (s *Session) onOpen(seg *Segment) {
	if seg.has(RSTFlag) {
		s.setState(StateCloseWait)
		return
	}

	if seg.has(NULFlag) {
		if s.rcv.inWindow(seg.Seq) {
			s.advanceTo(seg.Seq)
		}
		if err := s.sendAck(); err != nil {
			log.Warningf("session %d: %v", s.id, err)
		}
		return
	}

	if seg.has(SYNFlag) {
		if seg.has(ACKFlag) {
			// our final Ack was lost
			if err := s.sendAck(); err != nil {
				log.Warningf("session %d: %v", s.id, err)
			}
		}
		return
	}

	if seg.has(ACKFlag) {
		s.applyCumulativeAck(seg.Ack)
	}
	if seg.has(EACKFlag) {
		for _, seq := range seg.Eacks {
			s.applySelectiveAck(seq)
		}
	}

	if len(seg.Payload) == 0 {
		return
	}
	if res := s.accept(seg); res != Accepted {
		log.Debugf("session %d: seq %d %s", s.id, uint32(seg.Seq), res)
	}
	if err := s.sendAck(); err != nil {
		log.Warningf("session %d: %v", s.id, err)
	}
}

// retransmitTick re-sends unacknowledged segments once interval has passed
// without progress. Past maxRetransmits the session is reset.
func (s *Session) retransmitTick(now time.Time, interval time.Duration, maxRetransmits int) {
	if now.Sub(s.snd.lastProgress) < interval {
		return
	}

	switch s.state {
	case StateSynReceived:
		if err := s.sendSynAck(); err != nil {
			log.Warningf("session %d: %v", s.id, err)
		}
	case StateOpen:
		if len(s.snd.unacked) == 0 {
			return
		}
		if err := s.flushUnacked(); err != nil {
			log.Warningf("session %d: %v", s.id, err)
		}
	default:
		return
	}

	s.snd.retransmits++
	if maxRetransmits > 0 && s.snd.retransmits > maxRetransmits {
		log.Warningf("session %d: no progress after %d retransmissions, resetting", s.id, maxRetransmits)
		if err := s.sendRst(); err != nil {
			log.Warningf("session %d: %v", s.id, err)
		}
		s.setState(StateCloseWait)
	}
}
