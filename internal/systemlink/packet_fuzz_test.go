package systemlink

import (
	"bytes"
	"testing"
)

func FuzzValidate(f *testing.F) {
	f.Add(buildFrame(srcMAC, dstMAC, []byte("seed"), nil))
	f.Add(buildFrame(srcMAC, Broadcast(), nil, nil))
	f.Add([]byte{})
	f.Add(make([]byte, 34))
	f.Add(bytes.Repeat([]byte{0xFF}, 60))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic, and New must agree with Validate.
		err := Validate(data)
		pkt, newErr := New(data)
		if (err == nil) != (newErr == nil) {
			t.Fatalf("Validate and New disagree: %v vs %v", err, newErr)
		}
		if pkt != nil {
			_ = pkt.SourceMAC()
			_ = pkt.DestinationMAC()
			_ = pkt.UDPPayload()
		}
	})
}
