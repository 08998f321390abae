package lib

// State is the connection state of a session.
type State int

const (
	StateClosed State = iota
	StateListening
	StateSynSent
	StateSynReceived
	StateOpen
	StateCloseWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListening:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynReceived:
		return "SYN-RCVD"
	case StateOpen:
		return "OPEN"
	case StateCloseWait:
		return "CLOSE-WAIT"
	default:
		return "UNKNOWN"
	}
}

// Flag constants
const (
	SYNFlag  uint8 = 1 << 0
	ACKFlag  uint8 = 1 << 1
	EACKFlag uint8 = 1 << 2
	RSTFlag  uint8 = 1 << 3
	NULFlag  uint8 = 1 << 4
)

const (
	SegmentHeaderLength = 13 // flags(1) seq(4) ack(4) hdr_len(2) data_len(2)
	SynOptionLength     = 2  // ordered(1 bit) + window(15 bits)
	SeqLength           = 4  // width of one packed Eack entry
	MaxWindow           = 0x7fff
	synOrderedBit       = 0x8000
)

// AcceptResult is the verdict of the receive engine on one data segment.
type AcceptResult int

const (
	Accepted AcceptResult = iota
	Duplicate
	OutOfWindow
)

func (r AcceptResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case OutOfWindow:
		return "out-of-window"
	default:
		return "unknown"
	}
}
