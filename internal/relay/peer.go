package relay

import (
	"sync"
	"time"

	"github.com/SnowyMouse/xlan/internal/protocol"
	"github.com/SnowyMouse/xlan/internal/socket"
	"github.com/SnowyMouse/xlan/internal/systemlink"
)

// peerState is the host-side handshake state of one connection.
type peerState int

const (
	stateAwaitHandshake peerState = iota
	stateAwaitConnectionInfo
	stateSteady
)

// maxPingSamples is the ring-buffer depth for RTT accounting.
const maxPingSamples = 5

// Peer is one participant in the session. On a host instance every peer
// owns a TCP stream; on a client instance peers are mirror entries built
// from UpdateUser broadcasts and carry no socket.
type Peer struct {
	server *Server

	id             uint64
	name           string
	op             bool
	fullyConnected bool
	announced      bool // other peers have been told about this one

	state      peerState
	acceptedAt time.Time

	tcp    *socket.TCPStream
	framer protocol.Framer
	budget int // remaining read bytes this tick

	udpEndpoint *socket.Address
	consoleMAC  *systemlink.MACAddress // learned from this peer's frames

	// Ping ring buffer: the most recent maxPingSamples RTT samples.
	pings             [maxPingSamples]uint32
	pingCount         int
	pingHead          int
	lastPingAt        time.Time
	pingOutstanding   bool
	pingA, pingB      uint32
	lastBroadcastPing uint32

	// sendMu serializes writes to the peer's stream. The loop is single
	// threaded today, but the one-writer-per-peer invariant is part of
	// the interface so a future writer thread stays correct.
	sendMu    sync.Mutex
	sendQueue []byte

	dropped    bool
	dropReason string
	dropRefuse *protocol.RefuseReason
}

// ID returns the peer id assigned by the host.
func (p *Peer) ID() uint64 {
	return p.id
}

// Name returns the peer's current name.
func (p *Peer) Name() string {
	return p.name
}

// IsOp reports whether the peer holds operator status.
func (p *Peer) IsOp() bool {
	return p.op
}

// Ping returns the integer mean of the recorded RTT samples in
// milliseconds. ok is false until at least one pong has arrived. On a
// client instance this is the last value broadcast by the host.
func (p *Peer) Ping() (ms uint32, ok bool) {
	if p.server != nil && p.server.isClient {
		return p.lastBroadcastPing, true
	}
	if p.pingCount == 0 {
		return 0, false
	}
	var sum uint64
	for i := 0; i < p.pingCount; i++ {
		sum += uint64(p.pings[i])
	}
	return uint32(sum / uint64(p.pingCount)), true
}

// recordPing pushes one RTT sample into the ring.
func (p *Peer) recordPing(ms uint32) {
	p.pings[p.pingHead] = ms
	p.pingHead = (p.pingHead + 1) % maxPingSamples
	if p.pingCount < maxPingSamples {
		p.pingCount++
	}
}

// Drop removes the peer from the session. On a host instance the drop is
// immediate (reaped at the end of the tick); on a client instance it is a
// request to the host and needs operator status.
func (p *Peer) Drop(reason string) {
	p.server.dropPeer(p, reason)
}

// SetOp grants or revokes operator status. On a client instance it is a
// request to the host and needs operator status.
func (p *Peer) SetOp(op bool, reason string) {
	p.server.setOp(p, op, reason)
}

// Message sends a private chat message to this peer.
func (p *Peer) Message(text string) {
	p.server.messagePeer(p, text)
}

// markDrop flags the peer for reaping at the end of the current tick.
// The first reason wins.
func (p *Peer) markDrop(reason string, refuse *protocol.RefuseReason) {
	if p.dropped {
		return
	}
	p.dropped = true
	p.dropReason = reason
	p.dropRefuse = refuse
}
