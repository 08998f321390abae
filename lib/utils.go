package lib

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/google/netstack/tcpip/seqnum"
)

func SeqIncrement(seq seqnum.Value) seqnum.Value {
	return seq.Add(1) // implicit modulo operation included
}

func SeqIncrementBy(seq seqnum.Value, inc seqnum.Size) seqnum.Value {
	return seq.Add(inc)
}

// SEQ compare functions with SEQ wraparound in mind
func isGreater(seq1, seq2 seqnum.Value) bool {
	return seq2.LessThan(seq1)
}

func isGreaterOrEqual(seq1, seq2 seqnum.Value) bool {
	return seq2.LessThanEq(seq1)
}

func isLess(seq1, seq2 seqnum.Value) bool {
	return seq1.LessThan(seq2)
}

func isLessOrEqual(seq1, seq2 seqnum.Value) bool {
	return seq1.LessThanEq(seq2)
}

// GenerateISN returns a random initial sequence number.
func GenerateISN() (seqnum.Value, error) {
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return seqnum.Value(isn), nil
}
