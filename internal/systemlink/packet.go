// Package systemlink validates and inspects the narrow class of Ethernet
// frames the relay agrees to carry: Ethernet II + IPv4 + UDP, source IP
// 0.0.0.1, both UDP ports 3074.
package systemlink

import (
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"
)

// Port is the UDP port system-link traffic uses on both ends (registered
// with IANA for Xbox).
const Port = 3074

// Header sizes.
const (
	EthernetHeaderLength = 14
	MinIPv4HeaderLength  = 20
	UDPHeaderLength      = 8

	// MinFrameLength is the smallest byte count worth looking at.
	MinFrameLength = EthernetHeaderLength + MinIPv4HeaderLength
)

// ErrInvalidFrame is wrapped by every validation failure.
var ErrInvalidFrame = errors.New("invalid system-link frame")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidFrame, fmt.Sprintf(format, args...))
}

// Byte offsets inside the frame. All loads go through these; fields are
// never read through pointer casts, so alignment is irrelevant.
const (
	offDestinationMAC = 0
	offSourceMAC      = 6
	offEtherType      = 12
	offVersionIHL     = 14
	offIPv4Length     = 16
	offIPv4Protocol   = 23
	offSourceIP       = 26
	offDestinationIP  = 30
)

func be16(b []byte, off int) uint16 {
	return uint16(b[off])<<8 | uint16(b[off+1])
}

func be32(b []byte, off int) uint32 {
	return uint32(b[off])<<24 | uint32(b[off+1])<<16 | uint32(b[off+2])<<8 | uint32(b[off+3])
}

// Packet is a validated system-link frame. The raw bytes are copied once
// at construction and never mutated.
type Packet struct {
	raw       []byte
	udpOffset int
}

// udpOffset locates the UDP header and performs every check that does not
// need it: frame size, ethertype, IPv4 version/IHL/protocol/length, source
// and destination IP/MAC constraints.
func udpOffset(raw []byte) (int, error) {
	if len(raw) < MinFrameLength {
		return 0, invalid("%d bytes is too small for Ethernet + IPv4 headers", len(raw))
	}

	if et := layers.EthernetType(be16(raw, offEtherType)); et != layers.EthernetTypeIPv4 {
		return 0, invalid("ethertype 0x%04X is not IPv4", uint16(et))
	}

	vi := raw[offVersionIHL]
	if vi>>4 != 4 {
		return 0, invalid("IP version %d is not 4", vi>>4)
	}
	ihl := int(vi & 0x0F)
	if ihl < 5 {
		return 0, invalid("IHL %d is below the minimum of 5 words", ihl)
	}

	if raw[offIPv4Protocol] != byte(layers.IPProtocolUDP) {
		return 0, invalid("IP protocol 0x%02X is not UDP", raw[offIPv4Protocol])
	}

	if total := int(be16(raw, offIPv4Length)); total+EthernetHeaderLength != len(raw) {
		return 0, invalid("IPv4 total length %d does not match frame size %d", total, len(raw))
	}

	// IHL counts 32-bit words.
	off := EthernetHeaderLength + ihl*4
	if off > len(raw) || off+UDPHeaderLength > len(raw) {
		return 0, invalid("frame too small to hold a UDP header at offset %d", off)
	}

	if be32(raw, offSourceIP) != 0x00000001 {
		return 0, invalid("source IP is not 0.0.0.1")
	}

	var srcMAC MACAddress
	copy(srcMAC[:], raw[offSourceMAC:])
	if srcMAC.IsBroadcast() {
		return 0, invalid("source MAC address is broadcast")
	}

	var dstMAC MACAddress
	copy(dstMAC[:], raw[offDestinationMAC:])
	dstIP := be32(raw, offDestinationIP)
	if dstMAC.IsBroadcast() {
		if dstIP != 0xFFFFFFFF {
			return 0, invalid("destination IP is not 255.255.255.255 but is broadcast")
		}
	} else {
		if dstIP != 0x00000001 {
			return 0, invalid("destination IP is not 0.0.0.1")
		}
	}

	return off, nil
}

func validate(raw []byte) (int, error) {
	off, err := udpOffset(raw)
	if err != nil {
		return 0, err
	}

	if p := be16(raw, off); p != Port {
		return 0, invalid("source port %d is not %d", p, Port)
	}
	if p := be16(raw, off+2); p != Port {
		return 0, invalid("destination port %d is not %d", p, Port)
	}
	if l := int(be16(raw, off+4)); l+off != len(raw) {
		return 0, invalid("UDP length %d does not match frame size %d", l, len(raw))
	}

	return off, nil
}

// Validate reports whether raw is an acceptable system-link frame. A nil
// error means every predicate holds.
func Validate(raw []byte) error {
	_, err := validate(raw)
	return err
}

// New validates raw and returns the accepted frame. The bytes are copied;
// the caller's buffer can be reused.
func New(raw []byte) (*Packet, error) {
	off, err := validate(raw)
	if err != nil {
		return nil, err
	}
	return &Packet{raw: append([]byte(nil), raw...), udpOffset: off}, nil
}

// Raw returns the full frame bytes.
func (p *Packet) Raw() []byte {
	return p.raw
}

// SourceMAC returns the sending console's address.
func (p *Packet) SourceMAC() MACAddress {
	var m MACAddress
	copy(m[:], p.raw[offSourceMAC:])
	return m
}

// DestinationMAC returns the addressed console, possibly broadcast.
func (p *Packet) DestinationMAC() MACAddress {
	var m MACAddress
	copy(m[:], p.raw[offDestinationMAC:])
	return m
}

// UDPPayload returns the bytes after the UDP header.
func (p *Packet) UDPPayload() []byte {
	return p.raw[p.udpOffset+UDPHeaderLength:]
}

// Len returns the full frame length in bytes.
func (p *Packet) Len() int {
	return len(p.raw)
}
