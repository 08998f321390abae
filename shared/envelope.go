package shared

import (
	"encoding/binary"
	"fmt"
)

const (
	ProtocolID = 1151 // envelope magic, after the RDP RFC number
	HeaderSize = 12   // protocol(2) from(4) to(4) length(2)
)

// Envelope carries one protocol segment inside a UDP datagram, addressed by
// endpoint ids rather than UDP ports.
type Envelope struct {
	ProtocolID uint16
	From       uint32
	To         uint32
	DataLength uint16
	Payload    []byte
}

// Marshal converts an Envelope to a byte slice
func (e *Envelope) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(e.Payload))
	binary.BigEndian.PutUint16(buf[0:2], e.ProtocolID)
	binary.BigEndian.PutUint32(buf[2:6], e.From)
	binary.BigEndian.PutUint32(buf[6:10], e.To)
	binary.BigEndian.PutUint16(buf[10:12], e.DataLength)
	copy(buf[HeaderSize:], e.Payload)
	return buf
}

// Unmarshal converts a byte slice to an Envelope. Payload aliases data.
func (e *Envelope) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("envelope: %d bytes shorter than header", len(data))
	}
	e.ProtocolID = binary.BigEndian.Uint16(data[0:2])
	if e.ProtocolID != ProtocolID {
		return fmt.Errorf("envelope: unknown protocol id %d", e.ProtocolID)
	}
	e.From = binary.BigEndian.Uint32(data[2:6])
	e.To = binary.BigEndian.Uint32(data[6:10])
	e.DataLength = binary.BigEndian.Uint16(data[10:12])
	if int(e.DataLength) != len(data)-HeaderSize {
		return fmt.Errorf("envelope: length field %d, have %d bytes", e.DataLength, len(data)-HeaderSize)
	}
	e.Payload = data[HeaderSize:]
	return nil
}

func NewEnvelope(from, to uint32, data []byte) *Envelope {
	return &Envelope{
		ProtocolID: ProtocolID,
		From:       from,
		To:         to,
		DataLength: uint16(len(data)),
		Payload:    data,
	}
}
