package lib

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// slotPool hands out session slot ids in the range [0, capacity).
// It is a ring of free ids: allocation reads from readIdx, release writes
// back at writeIdx, so a freed id is reused as late as possible.
type slotPool struct {
	slots           []SessionID
	capacity        int
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	allocatedMap    map[SessionID]time.Time
	mtx             sync.Mutex
}

func newSlotPool(capacity int) *slotPool {
	slots := make([]SessionID, capacity)
	for i := range slots {
		slots[i] = SessionID(i)
	}

	return &slotPool{
		slots:        slots,
		capacity:     capacity,
		allocatedMap: make(map[SessionID]time.Time),
		isFull:       true,
		isEmpty:      capacity == 0,
	}
}

func (p *slotPool) allocate() (SessionID, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.isEmpty {
		return 0, ErrExhausted
	}

	id := p.slots[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity // move read index circularly

	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}
	p.isFull = false

	p.allocatedMap[id] = time.Now()

	return id, nil
}

func (p *slotPool) release(id SessionID) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if _, ok := p.allocatedMap[id]; !ok {
		return errors.Wrapf(ErrNotFound, "slot %d not allocated", id)
	}

	p.slots[p.writeIdx] = id
	p.writeIdx = (p.writeIdx + 1) % p.capacity

	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false

	delete(p.allocatedMap, id)

	return nil
}

func (p *slotPool) available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.capacity - len(p.allocatedMap)
}
