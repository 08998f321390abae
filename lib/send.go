package lib

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

func (s *Session) maxPayload() int {
	return s.maxSegment - SegmentHeaderLength
}

// maxEacks is how many selective acks fit in one control segment.
func (s *Session) maxEacks() int {
	return s.maxPayload() / SeqLength
}

func (s *Session) transmit(seg *Segment) error {
	log.Debugf("session %d ▶ %s", s.id, seg)
	return s.transmitFrame(seg.Marshal())
}

func (s *Session) transmitFrame(frame []byte) error {
	if err := s.tr.Send(s.pair.Local, s.pair.Remote, frame); err != nil {
		return errors.Wrapf(err, "session %d: send to %d", s.id, s.pair.Remote)
	}
	return nil
}

// windowFull reports whether the peer's receive window is exhausted.
func (s *Session) windowFull() bool {
	if len(s.snd.unacked) >= s.snd.peerWindow {
		return true
	}
	edge := s.snd.oldestUnacked.Add(seqnum.Size(s.snd.peerWindow))
	return !s.snd.nextSeq.LessThan(edge)
}

// enqueueData sends b as one data segment and buffers it until acked.
// A full window flushes the unacked buffer and returns ErrWouldBlock.
// On a transport error the segment stays buffered for a later flush.
func (s *Session) enqueueData(b []byte) error {
	if len(b) > s.maxPayload() {
		return errors.Wrapf(ErrTooLarge, "%d bytes, limit %d", len(b), s.maxPayload())
	}
	if len(b) == 0 {
		return s.sendAck()
	}
	if s.windowFull() {
		if err := s.flushUnacked(); err != nil {
			log.Warningf("session %d: flush on full window: %v", s.id, err)
		}
		return ErrWouldBlock
	}

	eacks := s.pendingSelectiveAcks()
	data := &Segment{
		Flags:   ACKFlag,
		Seq:     s.snd.nextSeq,
		Ack:     s.rcv.cumulativeSeq,
		Payload: b,
	}

	if SegmentHeaderLength+SeqLength*len(eacks)+len(b) > s.maxSegment {
		if len(eacks) > 0 {
			ctrl := &Segment{
				Flags: ACKFlag | EACKFlag,
				Seq:   s.snd.nextSeq,
				Ack:   s.rcv.cumulativeSeq,
				Eacks: s.fitEacks(eacks),
			}
			if err := s.transmit(ctrl); err != nil {
				return err
			}
		}
	} else if len(eacks) > 0 {
		data.Flags |= EACKFlag
		data.Eacks = eacks
	}

	frame := data.Marshal()
	s.snd.unacked = append(s.snd.unacked, &outSegment{
		seq:   data.Seq,
		frame: s.pool.hold(frame, "session.enqueueData"),
	})
	s.snd.nextSeq = SeqIncrement(s.snd.nextSeq)
	s.snd.lastProgress = time.Now()

	log.Debugf("session %d ▶ %s", s.id, data)
	return s.transmitFrame(frame)
}

func (s *Session) fitEacks(eacks []seqnum.Value) []seqnum.Value {
	if n := s.maxEacks(); len(eacks) > n {
		return eacks[:n]
	}
	return eacks
}

// flushUnacked re-sends every buffered segment in sequence order.
func (s *Session) flushUnacked() error {
	for _, out := range s.snd.unacked {
		log.Debugf("session %d ▶ resend seq=%d", s.id, uint32(out.seq))
		if err := s.transmitFrame(out.frame.data); err != nil {
			return err
		}
	}
	if len(s.snd.unacked) > 0 {
		s.snd.lastProgress = time.Now()
	}
	return nil
}

// applyCumulativeAck drops every buffered segment up to and including ack.
// Acks outside [oldestUnacked, nextSeq) are ignored.
func (s *Session) applyCumulativeAck(ack seqnum.Value) bool {
	if !ack.InRange(s.snd.oldestUnacked, s.snd.nextSeq) {
		return false
	}
	n := 0
	for n < len(s.snd.unacked) && isLessOrEqual(s.snd.unacked[n].seq, ack) {
		s.pool.release(s.snd.unacked[n].frame)
		s.snd.unacked[n] = nil
		n++
	}
	s.snd.unacked = s.snd.unacked[n:]
	s.snd.oldestUnacked = SeqIncrement(ack)
	s.ackProgress()
	return true
}

// applySelectiveAck drops the single buffered segment with seq, if any.
func (s *Session) applySelectiveAck(seq seqnum.Value) bool {
	for i, out := range s.snd.unacked {
		if out.seq != seq {
			continue
		}
		s.pool.release(out.frame)
		s.snd.unacked = append(s.snd.unacked[:i], s.snd.unacked[i+1:]...)
		s.ackProgress()
		return true
	}
	return false
}

func (s *Session) ackProgress() {
	s.snd.retransmits = 0
	s.snd.lastProgress = time.Now()
}

// sendAck acknowledges everything received so far, listing buffered
// out-of-sequence segments as selective acks.
func (s *Session) sendAck() error {
	seg := &Segment{
		Flags: ACKFlag,
		Seq:   s.snd.nextSeq,
		Ack:   s.rcv.cumulativeSeq,
	}
	if eacks := s.pendingSelectiveAcks(); len(eacks) > 0 {
		seg.Flags |= EACKFlag
		seg.Eacks = s.fitEacks(eacks)
	}
	return s.transmit(seg)
}

func (s *Session) sendSyn() error {
	return s.transmit(&Segment{
		Flags:   SYNFlag,
		Seq:     s.snd.firstSeq,
		Ordered: s.rcv.ordered,
		Window:  uint16(s.rcv.ownWindow),
	})
}

func (s *Session) sendSynAck() error {
	s.snd.lastProgress = time.Now()
	return s.transmit(&Segment{
		Flags:   SYNFlag | ACKFlag,
		Seq:     s.snd.firstSeq,
		Ack:     s.rcv.cumulativeSeq,
		Ordered: s.rcv.ordered,
		Window:  uint16(s.rcv.ownWindow),
	})
}

func (s *Session) sendRst() error {
	return s.transmit(&Segment{Flags: RSTFlag, Seq: s.snd.nextSeq})
}

// sendNul emits a keep-alive. It consumes a seq and is buffered like data,
// so the peer's cumulative ack releases it.
func (s *Session) sendNul() error {
	seg := &Segment{Flags: NULFlag, Seq: s.snd.nextSeq}
	frame := seg.Marshal()
	s.snd.unacked = append(s.snd.unacked, &outSegment{
		seq:   seg.Seq,
		frame: s.pool.hold(frame, "session.sendNul"),
	})
	s.snd.nextSeq = SeqIncrement(s.snd.nextSeq)
	s.snd.lastProgress = time.Now()

	log.Debugf("session %d ▶ %s", s.id, seg)
	return s.transmitFrame(frame)
}
