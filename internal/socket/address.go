// Package socket wraps the platform's TCP and UDP sockets in the
// poll-per-tick shape the relay loop needs: every read and accept waits at
// most one short poll window and reports "nothing ready" instead of
// sleeping. Each socket is owned by exactly one component and closed on
// Close.
package socket

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrResolveFailure wraps name-resolution failures.
var ErrResolveFailure = errors.New("resolve failure")

// Address is a resolved IPv4/IPv6 endpoint. As a bind address the zero
// value (nil IP, port 0) means any address and an ephemeral port; other
// endpoints come from Resolve or FromUDPAddr/FromTCPAddr.
type Address struct {
	IP   net.IP
	Port uint16
}

// Resolve looks up host and pairs it with port. An empty host resolves to
// the unspecified address (bind-to-any).
func Resolve(host string, port uint16) (Address, error) {
	if host == "" {
		return Address{IP: net.IPv4zero, Port: port}, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrResolveFailure, host, err)
	}
	return Address{IP: ips[0], Port: port}, nil
}

// ResolveHostPort parses "host:port" and resolves it.
func ResolveHostPort(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrResolveFailure, hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: bad port in %q: %v", ErrResolveFailure, hostport, err)
	}
	return Resolve(host, uint16(port))
}

// FromUDPAddr converts a net.UDPAddr.
func FromUDPAddr(a *net.UDPAddr) Address {
	return Address{IP: a.IP, Port: uint16(a.Port)}
}

// FromTCPAddr converts a net.TCPAddr.
func FromTCPAddr(a *net.TCPAddr) Address {
	return Address{IP: a.IP, Port: uint16(a.Port)}
}

// UDPAddr converts to the net package representation.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}

// TCPAddr converts to the net package representation.
func (a Address) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP, Port: int(a.Port)}
}

// WithPort returns a copy of a carrying a different port.
func (a Address) WithPort(port uint16) Address {
	return Address{IP: a.IP, Port: port}
}

// Equal reports whether both IP and port match.
func (a Address) Equal(b Address) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// SameIP reports whether the IPs match, ignoring the ports.
func (a Address) SameIP(b Address) bool {
	return a.IP.Equal(b.IP)
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}
