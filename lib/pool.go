package lib

import (
	"fmt"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is the chunk type stored in the ring pool. Each chunk holds one
// segment's payload while it sits in an unacked or reorder buffer.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the ring pool constructor. params[0] is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Error("NewPayload: invalid number of parameters, want buffer length only")
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		log.Errorf("NewPayload: invalid buffer length %v", params[0])
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// set the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source length %d exceeds buffer length %d", len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// payloadPool hands out chunks for buffered payloads. Without a ring (size 0)
// or for oversized payloads it falls back to heap copies.
type payloadPool struct {
	ring      *rp.RingPool
	chunkSize int
}

// newPayloadPool builds the pool's ring. debug enables footprints on this
// ring only; the package-wide rp.Debug is left alone.
func newPayloadPool(name string, size, chunkSize int, debug bool, threshold time.Duration) *payloadPool {
	pp := &payloadPool{chunkSize: chunkSize}
	if size <= 0 {
		return pp
	}
	pp.ring = rp.NewRingPool(name, size, NewPayload, chunkSize)
	pp.ring.Debug = debug
	pp.ring.ProcessTimeThreshold = threshold
	return pp
}

// chunk is a buffered payload and the pool element backing it, if any.
type chunk struct {
	el   *rp.Element
	data []byte
}

// hold copies b into pool storage. The returned chunk owns its bytes.
func (pp *payloadPool) hold(b []byte, caller string) *chunk {
	if len(b) == 0 {
		return &chunk{}
	}
	if pp != nil && pp.ring != nil && len(b) <= pp.chunkSize {
		if el := pp.ring.GetElement(); el != nil {
			if pp.ring.Debug {
				el.AddFootPrint(caller)
			}
			if err := el.Data.(*Payload).Copy(b); err == nil {
				return &chunk{el: el, data: el.Data.(*Payload).GetSlice()}
			}
			pp.ring.ReturnElement(el)
		}
	}
	data := make([]byte, len(b))
	copy(data, b)
	return &chunk{data: data}
}

// release returns the chunk's element to the pool. Safe to call twice.
func (pp *payloadPool) release(c *chunk) {
	if c == nil {
		return
	}
	if c.el != nil && pp != nil && pp.ring != nil {
		pp.ring.ReturnElement(c.el)
	}
	c.el = nil
	c.data = nil
}
