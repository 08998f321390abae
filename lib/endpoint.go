package lib

import "fmt"

// Endpoint is an address in the transport's addressing space.
type Endpoint uint32

// AnyEndpoint is the wildcard remote of a listening session.
const AnyEndpoint Endpoint = 0

// EndpointPair is the demultiplexing key of a session.
type EndpointPair struct {
	Local  Endpoint
	Remote Endpoint
}

func (p EndpointPair) String() string {
	if p.Remote == AnyEndpoint {
		return fmt.Sprintf("%d-*", p.Local)
	}
	return fmt.Sprintf("%d-%d", p.Local, p.Remote)
}

// SessionID is a slot index in the session table.
type SessionID int

// Datagram is one unit handed over by a Transport.
type Datagram struct {
	From    Endpoint
	To      Endpoint
	Payload []byte
}
