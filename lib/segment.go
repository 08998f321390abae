package lib

import (
	"encoding/binary"
	"fmt"

	"github.com/google/netstack/tcpip/seqnum"
)

// Segment represents one protocol unit on the wire.
type Segment struct {
	Flags   uint8          // Flags is a bitmask over SYN, ACK, EACK, RST, NUL
	Seq     seqnum.Value   // Seq is the sequence number of this segment
	Ack     seqnum.Value   // Ack is the cumulative acknowledgment, valid when ACK is set
	Ordered bool           // Ordered is the sender's in-order delivery request, SYN only
	Window  uint16         // Window is the sender's receive window in segments, SYN only
	Eacks   []seqnum.Value // Eacks lists selectively acknowledged seqs, valid when EACK is set
	Payload []byte         // Payload is the application data
}

func (s *Segment) has(flag uint8) bool {
	return s.Flags&flag != 0
}

// HeaderLen returns the value of the hdr_len field: base header plus the
// SYN option or the packed EACK list.
func (s *Segment) HeaderLen() int {
	n := SegmentHeaderLength
	if s.has(SYNFlag) {
		n += SynOptionLength
	}
	if s.has(EACKFlag) {
		n += SeqLength * len(s.Eacks)
	}
	return n
}

// Len returns the encoded size of the segment.
func (s *Segment) Len() int {
	return s.HeaderLen() + len(s.Payload)
}

// Marshal converts a Segment to its wire representation.
func (s *Segment) Marshal() []byte {
	buf := make([]byte, s.Len())
	s.marshalHeader(buf, len(s.Payload))
	copy(buf[s.HeaderLen():], s.Payload)
	return buf
}

// marshalHeader writes everything up to hdr_len into buf.
func (s *Segment) marshalHeader(buf []byte, dataLen int) {
	hdrLen := s.HeaderLen()

	buf[0] = s.Flags
	binary.BigEndian.PutUint32(buf[1:5], uint32(s.Seq))
	if s.has(ACKFlag) {
		binary.BigEndian.PutUint32(buf[5:9], uint32(s.Ack))
	} else {
		binary.BigEndian.PutUint32(buf[5:9], 0)
	}
	binary.BigEndian.PutUint16(buf[9:11], uint16(hdrLen))
	binary.BigEndian.PutUint16(buf[11:13], uint16(dataLen))

	offset := SegmentHeaderLength
	if s.has(SYNFlag) {
		opt := s.Window & MaxWindow
		if s.Ordered {
			opt |= synOrderedBit
		}
		binary.BigEndian.PutUint16(buf[offset:offset+2], opt)
		offset += SynOptionLength
	}
	if s.has(EACKFlag) {
		for _, seq := range s.Eacks {
			binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(seq))
			offset += SeqLength
		}
	}
}

// Unmarshal converts a byte slice to a Segment. The payload aliases data.
func (s *Segment) Unmarshal(data []byte) error {
	if len(data) < SegmentHeaderLength {
		return malformed("segment length %d shorter than header", len(data))
	}

	flags := data[0]
	hdrLen := int(binary.BigEndian.Uint16(data[9:11]))
	dataLen := int(binary.BigEndian.Uint16(data[11:13]))

	if hdrLen < SegmentHeaderLength {
		return malformed("header length %d below minimum", hdrLen)
	}
	if hdrLen+dataLen != len(data) {
		return malformed("header length %d + data length %d != segment length %d", hdrLen, dataLen, len(data))
	}
	if flags&(SYNFlag|RSTFlag) != 0 && dataLen > 0 {
		return malformed("%s segment carries %d bytes of data", flagString(flags), dataLen)
	}

	extra := hdrLen - SegmentHeaderLength
	switch {
	case flags&SYNFlag != 0:
		if flags&EACKFlag != 0 || extra != SynOptionLength {
			return malformed("SYN header length %d", hdrLen)
		}
	case flags&EACKFlag != 0:
		if extra%SeqLength != 0 {
			return malformed("EACK list length %d not a multiple of %d", extra, SeqLength)
		}
	default:
		if extra != 0 {
			return malformed("unexpected %d header bytes", extra)
		}
	}

	*s = Segment{
		Flags: flags,
		Seq:   seqnum.Value(binary.BigEndian.Uint32(data[1:5])),
	}
	if flags&ACKFlag != 0 {
		s.Ack = seqnum.Value(binary.BigEndian.Uint32(data[5:9]))
	}

	offset := SegmentHeaderLength
	if flags&SYNFlag != 0 {
		opt := binary.BigEndian.Uint16(data[offset : offset+2])
		s.Ordered = opt&synOrderedBit != 0
		s.Window = opt & MaxWindow
	} else if flags&EACKFlag != 0 && extra > 0 {
		s.Eacks = make([]seqnum.Value, 0, extra/SeqLength)
		for ; offset < hdrLen; offset += SeqLength {
			s.Eacks = append(s.Eacks, seqnum.Value(binary.BigEndian.Uint32(data[offset:offset+4])))
		}
	}

	if dataLen > 0 {
		s.Payload = data[hdrLen:]
	}
	return nil
}

// UnmarshalSegment decodes data into a new Segment.
func UnmarshalSegment(data []byte) (*Segment, error) {
	seg := &Segment{}
	if err := seg.Unmarshal(data); err != nil {
		return nil, err
	}
	return seg, nil
}

func (s *Segment) String() string {
	str := fmt.Sprintf("%s seq=%d", flagString(s.Flags), uint32(s.Seq))
	if s.has(ACKFlag) {
		str += fmt.Sprintf(" ack=%d", uint32(s.Ack))
	}
	if s.has(SYNFlag) {
		str += fmt.Sprintf(" win=%d ordered=%t", s.Window, s.Ordered)
	}
	if s.has(EACKFlag) {
		str += fmt.Sprintf(" eacks=%v", s.Eacks)
	}
	if len(s.Payload) > 0 {
		str += fmt.Sprintf(" len=%d", len(s.Payload))
	}
	return str
}
