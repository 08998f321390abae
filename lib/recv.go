package lib

import (
	"encoding/binary"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// Delivery queue records are a 2-byte length followed by the payload.
const recordHeaderLength = 2

// windowEdge is the highest acceptable seq: the in-sequence slot plus
// ownWindow reorder slots.
func (r *recvState) windowEdge() seqnum.Value {
	return r.cumulativeSeq.Add(seqnum.Size(r.ownWindow + 1))
}

func (r *recvState) inWindow(seq seqnum.Value) bool {
	return isGreater(seq, r.cumulativeSeq) && isLessOrEqual(seq, r.windowEdge())
}

// push appends one payload to the delivery queue.
func (r *recvState) push(b []byte) error {
	if r.queued >= r.queueCap || r.delivery.Free() < recordHeaderLength+len(b) {
		return ErrQueueFull
	}
	var hdr [recordHeaderLength]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(b)))
	if _, err := r.delivery.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "delivery queue")
	}
	if len(b) > 0 {
		if _, err := r.delivery.Write(b); err != nil {
			return errors.Wrap(err, "delivery queue")
		}
	}
	r.queued++
	return nil
}

func (r *recvState) pop() ([]byte, bool) {
	if r.queued == 0 {
		return nil, false
	}
	var hdr [recordHeaderLength]byte
	if _, err := r.delivery.Read(hdr[:]); err != nil {
		return nil, false
	}
	b := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if len(b) > 0 {
		if _, err := r.delivery.Read(b); err != nil {
			return nil, false
		}
	}
	r.queued--
	return b, true
}

// accept runs one data segment through the reassembly window.
func (s *Session) accept(seg *Segment) AcceptResult {
	r := &s.rcv

	if isLessOrEqual(seg.Seq, r.cumulativeSeq) {
		return Duplicate
	}
	if isGreater(seg.Seq, r.windowEdge()) {
		return OutOfWindow
	}

	if seg.Seq == SeqIncrement(r.cumulativeSeq) {
		if err := r.push(seg.Payload); err != nil {
			log.Debugf("session %d: seq %d held back: %v", s.id, seg.Seq, err)
			return OutOfWindow
		}
		r.cumulativeSeq = seg.Seq
		s.drainReorder()
		notify(s.dataReady)
		return Accepted
	}

	in := &inSegment{seq: seg.Seq}
	if r.reorder.Has(in) {
		return Duplicate
	}
	if r.reorder.Len() >= r.ownWindow {
		return OutOfWindow
	}
	if r.ordered {
		in.data = s.pool.hold(seg.Payload, "session.accept")
	} else {
		if err := r.push(seg.Payload); err != nil {
			log.Debugf("session %d: seq %d held back: %v", s.id, seg.Seq, err)
			return OutOfWindow
		}
		in.delivered = true
		notify(s.dataReady)
	}
	r.reorder.ReplaceOrInsert(in)
	return Accepted
}

// drainReorder moves buffered segments contiguous with cumulativeSeq into the
// delivery queue, stopping at the first gap or when the queue is full.
func (s *Session) drainReorder() {
	r := &s.rcv
	for {
		in, ok := r.reorder.Min()
		if !ok || in.seq != SeqIncrement(r.cumulativeSeq) {
			return
		}
		if !in.delivered {
			if r.push(in.data.data) != nil {
				return
			}
			notify(s.dataReady)
		}
		r.reorder.DeleteMin()
		s.pool.release(in.data)
		r.cumulativeSeq = in.seq
	}
}

// pendingSelectiveAcks lists the seqs held in the reorder buffer, ascending.
func (s *Session) pendingSelectiveAcks() []seqnum.Value {
	if s.rcv.reorder == nil || s.rcv.reorder.Len() == 0 {
		return nil
	}
	seqs := make([]seqnum.Value, 0, s.rcv.reorder.Len())
	s.rcv.reorder.Ascend(func(in *inSegment) bool {
		seqs = append(seqs, in.seq)
		return true
	})
	return seqs
}

// deliver pops the oldest reassembled payload.
func (s *Session) deliver() ([]byte, error) {
	b, ok := s.rcv.pop()
	if !ok {
		return nil, ErrEmpty
	}
	s.drainReorder()
	return b, nil
}

// advanceTo moves cumulativeSeq forward to seq on a keep-alive. Buffered
// segments at or below seq are delivered if they were not already; when the
// delivery queue is full the jump stops just below the first of them.
func (s *Session) advanceTo(seq seqnum.Value) {
	r := &s.rcv
	for {
		in, ok := r.reorder.Min()
		if !ok || isGreater(in.seq, seq) {
			break
		}
		if !in.delivered {
			if err := r.push(in.data.data); err != nil {
				// stop short of what cannot be queued yet; deliver drains it later
				log.Debugf("session %d: keep-alive jump held at %d: %v", s.id, uint32(in.seq-1), err)
				seq = in.seq - 1
				break
			}
			notify(s.dataReady)
		}
		r.reorder.DeleteMin()
		s.pool.release(in.data)
	}
	r.cumulativeSeq = seq
	s.drainReorder()
}

func (s *Session) hasPendingData() bool {
	return s.rcv.queued > 0
}
