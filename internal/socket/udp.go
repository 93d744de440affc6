package socket

import (
	"fmt"
	"net"
	"time"
)

// UDPSocket is the data channel carrying bulk system-link frames.
type UDPSocket struct {
	c *net.UDPConn
}

// ListenUDP binds addr.
func ListenUDP(addr Address) (*UDPSocket, error) {
	c, err := net.ListenUDP("udp", addr.UDPAddr())
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return &UDPSocket{c: c}, nil
}

// RecvFrom reads one pending datagram into buf. ok == false means nothing
// was ready.
func (u *UDPSocket) RecvFrom(buf []byte) (n int, from Address, ok bool, err error) {
	if err := u.c.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, Address{}, false, err
	}
	n, addr, err := u.c.ReadFromUDP(buf)
	if err != nil {
		if wouldBlock(err) {
			return 0, Address{}, false, nil
		}
		return 0, Address{}, false, err
	}
	return n, FromUDPAddr(addr), true, nil
}

// SendTo transmits one datagram. Datagram sends do not block meaningfully;
// a full kernel buffer drops the packet, which is the UDP contract anyway.
func (u *UDPSocket) SendTo(b []byte, to Address) error {
	_, err := u.c.WriteToUDP(b, to.UDPAddr())
	return err
}

// LocalAddr returns the bound address.
func (u *UDPSocket) LocalAddr() Address {
	return FromUDPAddr(u.c.LocalAddr().(*net.UDPAddr))
}

// Close releases the socket.
func (u *UDPSocket) Close() error {
	return u.c.Close()
}
