package shared

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(7, 9, []byte("segment"))
	data := env.Marshal()
	if len(data) != HeaderSize+7 {
		t.Fatalf("marshal length = %d, want %d", len(data), HeaderSize+7)
	}

	var got Envelope
	if err := got.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.From != 7 || got.To != 9 || !bytes.Equal(got.Payload, []byte("segment")) {
		t.Errorf("got %+v", got)
	}
}

func TestEnvelopeRejects(t *testing.T) {
	good := NewEnvelope(1, 2, []byte("abc")).Marshal()

	wrongProto := append([]byte(nil), good...)
	wrongProto[1] ^= 0xff

	testCases := []struct {
		name string
		data []byte
	}{
		{"short", good[:HeaderSize-1]},
		{"truncated payload", good[:len(good)-1]},
		{"wrong protocol", wrongProto},
	}
	for _, tc := range testCases {
		var e Envelope
		if err := e.Unmarshal(tc.data); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
