package protocol

import (
	"bytes"
	"testing"
)

func BenchmarkEncodeUDPPacketReceived(b *testing.B) {
	payload := bytes.Repeat([]byte{0x5A}, 1400)
	b.SetBytes(int64(len(payload)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := EncodeUDPPacketReceived(1, payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFramer(b *testing.B) {
	frame, err := EncodeUDPPacketReceived(1, bytes.Repeat([]byte{0x5A}, 1400))
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(frame)))
	b.ReportAllocs()

	var f Framer
	for i := 0; i < b.N; i++ {
		f.Feed(frame)
		msg, err := f.Next()
		if err != nil || msg == nil {
			b.Fatalf("frame %d: %v %v", i, msg, err)
		}
	}
}

func BenchmarkDecodePing(b *testing.B) {
	frame := EncodePing(0xDEADBEEF, 0xCAFEBABE)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(frame); err != nil {
			b.Fatal(err)
		}
	}
}
