package lib

import (
	"sync"

	"github.com/pkg/errors"
)

// Table maps endpoint pairs to sessions. Capacity is fixed at creation.
// The table lock is never held while a session lock is taken; callers
// holding a session lock may call into the table.
type Table struct {
	mu       sync.Mutex
	slots    *slotPool
	sessions []*Session
	pairs    []EndpointPair
	index    map[EndpointPair]SessionID
	factory  func(SessionID, EndpointPair) *Session
}

// NewTable creates a table of capacity slots. factory builds the session
// stored in a freshly allocated slot.
func NewTable(capacity int, factory func(SessionID, EndpointPair) *Session) *Table {
	return &Table{
		slots:    newSlotPool(capacity),
		sessions: make([]*Session, capacity),
		pairs:    make([]EndpointPair, capacity),
		index:    make(map[EndpointPair]SessionID),
		factory:  factory,
	}
}

// Allocate binds a new session to (local, remote).
func (t *Table) Allocate(local, remote Endpoint) (SessionID, error) {
	pair := EndpointPair{Local: local, Remote: remote}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[pair]; ok {
		return InvalidSession, errors.Wrapf(ErrInUse, "pair %s", pair)
	}
	id, err := t.slots.allocate()
	if err != nil {
		return InvalidSession, errors.Wrapf(err, "allocate %s", pair)
	}

	t.sessions[id] = t.factory(id, pair)
	t.pairs[id] = pair
	t.index[pair] = id
	return id, nil
}

// Find returns the session bound to (local, remote).
func (t *Table) Find(local, remote Endpoint) (SessionID, error) {
	pair := EndpointPair{Local: local, Remote: remote}

	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.index[pair]
	if !ok {
		return InvalidSession, errors.Wrapf(ErrNotFound, "pair %s", pair)
	}
	return id, nil
}

// FindListener returns the listening session bound to local.
func (t *Table) FindListener(local Endpoint) (SessionID, error) {
	return t.Find(local, AnyEndpoint)
}

// Get returns the session in slot id.
func (t *Table) Get(id SessionID) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id < 0 || int(id) >= len(t.sessions) || t.sessions[id] == nil {
		return nil, errors.Wrapf(ErrNotFound, "session %d", id)
	}
	return t.sessions[id], nil
}

// Release frees slot id and its pair binding.
func (t *Table) Release(id SessionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id < 0 || int(id) >= len(t.sessions) || t.sessions[id] == nil {
		return errors.Wrapf(ErrNotFound, "session %d", id)
	}
	pair := t.pairs[id]
	if cur, ok := t.index[pair]; ok && cur == id {
		delete(t.index, pair)
	}
	t.sessions[id] = nil
	t.pairs[id] = EndpointPair{}
	return t.slots.release(id)
}

// Sessions returns a snapshot of the allocated sessions.
func (t *Table) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Session, 0, len(t.index))
	for _, s := range t.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of allocated slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.sessions) - t.slots.available()
}

// rekey moves slot id from its current pair to pair, used when a listener
// accepts a peer.
func (t *Table) rekey(id SessionID, pair EndpointPair) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.index[pair]; ok && cur != id {
		return errors.Wrapf(ErrInUse, "pair %s", pair)
	}
	delete(t.index, t.pairs[id])
	t.pairs[id] = pair
	t.index[pair] = id
	return nil
}
