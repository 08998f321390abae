package main

import (
	"strings"
	"testing"

	"github.com/Clouded-Sabre/rsp/lib"
	"github.com/Clouded-Sabre/rsp/shared"
)

func TestDescribe(t *testing.T) {
	seg := &lib.Segment{Flags: lib.ACKFlag, Seq: 3, Ack: 2, Payload: []byte("x")}
	env := shared.NewEnvelope(20, 10, seg.Marshal())

	got := describe(env.Marshal())
	if !strings.HasPrefix(got, "20->10 ") || !strings.Contains(got, "seq=3") {
		t.Errorf("describe = %q", got)
	}

	if got := describe([]byte{1, 2}); !strings.HasPrefix(got, "<2 bytes") {
		t.Errorf("short datagram described as %q", got)
	}
}
