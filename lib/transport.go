package lib

import "context"

// Transport is the unreliable datagram primitive the protocol runs over.
// Send is best-effort and must not retain b after returning.
type Transport interface {
	Send(from, to Endpoint, b []byte) error
	Receive(ctx context.Context) (Datagram, error)
	Close() error
}
