// Package testutil provides test helpers and utilities for xlan tests.
package testutil

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/SnowyMouse/xlan/internal/systemlink"
)

// RandomBytes generates cryptographically random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// RandomMAC generates a random unicast MAC address.
func RandomMAC() systemlink.MACAddress {
	var mac systemlink.MACAddress
	_, _ = rand.Read(mac[:])
	mac[0] &= 0xFE
	return mac
}

// BroadcastMAC returns the Ethernet broadcast address.
func BroadcastMAC() systemlink.MACAddress {
	return systemlink.Broadcast()
}

// FrameOptions tweak BuildFrame away from a valid system-link frame so
// tests can violate one predicate at a time.
type FrameOptions struct {
	EtherType   uint16 // default 0x0800
	VersionIHL  byte   // default 0x45
	Protocol    byte   // default 0x11 (UDP)
	SourceIP    uint32 // default 0.0.0.1
	DestIP      uint32 // chosen from the destination MAC if zero
	SourcePort  uint16 // default 3074
	DestPort    uint16 // default 3074
	IPv4Length  int    // computed if zero
	UDPLength   int    // computed if zero
}

// BuildFrame hand-assembles an Ethernet + IPv4 + UDP system-link frame.
// With a zero FrameOptions the result passes validation.
func BuildFrame(src, dst systemlink.MACAddress, payload []byte, opts FrameOptions) []byte {
	if opts.EtherType == 0 {
		opts.EtherType = 0x0800
	}
	if opts.VersionIHL == 0 {
		opts.VersionIHL = 0x45
	}
	if opts.Protocol == 0 {
		opts.Protocol = 0x11
	}
	if opts.SourceIP == 0 {
		opts.SourceIP = 0x00000001
	}
	if opts.DestIP == 0 {
		if dst.IsBroadcast() {
			opts.DestIP = 0xFFFFFFFF
		} else {
			opts.DestIP = 0x00000001
		}
	}
	if opts.SourcePort == 0 {
		opts.SourcePort = systemlink.Port
	}
	if opts.DestPort == 0 {
		opts.DestPort = systemlink.Port
	}
	if opts.IPv4Length == 0 {
		opts.IPv4Length = 20 + 8 + len(payload)
	}
	if opts.UDPLength == 0 {
		opts.UDPLength = 8 + len(payload)
	}

	frame := make([]byte, 14+20+8+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], opts.EtherType)

	frame[14] = opts.VersionIHL
	binary.BigEndian.PutUint16(frame[16:18], uint16(opts.IPv4Length))
	frame[22] = 0x40 // TTL
	frame[23] = opts.Protocol
	binary.BigEndian.PutUint32(frame[26:30], opts.SourceIP)
	binary.BigEndian.PutUint32(frame[30:34], opts.DestIP)

	binary.BigEndian.PutUint16(frame[34:36], opts.SourcePort)
	binary.BigEndian.PutUint16(frame[36:38], opts.DestPort)
	binary.BigEndian.PutUint16(frame[38:40], uint16(opts.UDPLength))
	copy(frame[42:], payload)

	return frame
}

// ValidFrame builds a frame that passes validation.
func ValidFrame(src, dst systemlink.MACAddress, payload []byte) []byte {
	return BuildFrame(src, dst, payload, FrameOptions{})
}

// FreePort finds an available TCP port on the loopback interface.
func FreePort() uint16 {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

// WaitFor polls until condition is true or timeout.
func WaitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
