package lib

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeSegment decodes protocol segments with gopacket, e.g. for
// segments carried in captured UDP payloads.
var LayerTypeSegment = gopacket.RegisterLayerType(1151, gopacket.LayerTypeMetadata{
	Name:    "RSP",
	Decoder: gopacket.DecodeFunc(decodeSegmentLayer),
})

// SegmentLayer is the gopacket view of a Segment. Contents is the header up
// to hdr_len, Payload the application data.
type SegmentLayer struct {
	layers.BaseLayer
	Segment Segment
}

func (l *SegmentLayer) LayerType() gopacket.LayerType { return LayerTypeSegment }

func (l *SegmentLayer) CanDecode() gopacket.LayerClass { return LayerTypeSegment }

func (l *SegmentLayer) NextLayerType() gopacket.LayerType {
	if len(l.Payload) == 0 {
		return gopacket.LayerTypeZero
	}
	return gopacket.LayerTypePayload
}

func (l *SegmentLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := l.Segment.Unmarshal(data); err != nil {
		if len(data) < SegmentHeaderLength {
			df.SetTruncated()
		}
		return err
	}
	hdrLen := l.Segment.HeaderLen()
	l.BaseLayer = layers.BaseLayer{Contents: data[:hdrLen], Payload: data[hdrLen:]}
	return nil
}

// SerializeTo prepends the segment header. Whatever is already in b is the
// payload, so Segment.Payload is ignored.
func (l *SegmentLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	dataLen := len(b.Bytes())
	if dataLen > 0xffff {
		return malformed("payload of %d bytes does not fit data_len", dataLen)
	}
	hdr, err := b.PrependBytes(l.Segment.HeaderLen())
	if err != nil {
		return err
	}
	l.Segment.marshalHeader(hdr, dataLen)
	return nil
}

func decodeSegmentLayer(data []byte, p gopacket.PacketBuilder) error {
	l := &SegmentLayer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	if len(l.Payload) == 0 {
		return nil
	}
	return p.NextDecoder(l.NextLayerType())
}
