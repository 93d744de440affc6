package systemlink

import (
	"fmt"
	"net"
	"strings"
)

// MACAddress is a 6-byte physical address.
type MACAddress [6]byte

// Broadcast returns the all-ones address.
func Broadcast() MACAddress {
	return MACAddress{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
}

// IsBroadcast reports whether m is the all-ones address.
func (m MACAddress) IsBroadcast() bool {
	return m == Broadcast()
}

// CanSendTo reports whether a frame whose destination field is m reaches
// the console dst: either dst is m itself, or m is the broadcast address.
func (m MACAddress) CanSendTo(dst MACAddress) bool {
	return dst == m || m.IsBroadcast()
}

// HardwareAddr converts m to the net package representation.
func (m MACAddress) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(m[:])
}

func (m MACAddress) String() string {
	return m.HardwareAddr().String()
}

// MACFromHardwareAddr converts a net.HardwareAddr; it must be 6 bytes.
func MACFromHardwareAddr(hw net.HardwareAddr) (MACAddress, error) {
	var m MACAddress
	if len(hw) != len(m) {
		return m, fmt.Errorf("hardware address %q is %d bytes, want %d", hw, len(hw), len(m))
	}
	copy(m[:], hw)
	return m, nil
}

// ParseMAC parses XX:XX:XX:XX:XX:XX or XX-XX-XX-XX-XX-XX.
func ParseMAC(s string) (MACAddress, error) {
	hw, err := net.ParseMAC(strings.ReplaceAll(s, "-", ":"))
	if err != nil {
		return MACAddress{}, err
	}
	return MACFromHardwareAddr(hw)
}
