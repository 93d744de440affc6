// Package relay implements the XLAN session core: the TCP control channel
// with its handshake and membership protocol, the UDP data channel for
// system-link frames, ping accounting, operator permissions, and the
// dispatch of connection/message/packet events to user callbacks.
//
// A Server is driven by calling Loop from one thread as often as possible;
// no call blocks and every callback fires synchronously inside Loop.
package relay

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/SnowyMouse/xlan/internal/auth"
	"github.com/SnowyMouse/xlan/internal/events"
	"github.com/SnowyMouse/xlan/internal/logging"
	"github.com/SnowyMouse/xlan/internal/protocol"
	"github.com/SnowyMouse/xlan/internal/socket"
	"github.com/SnowyMouse/xlan/internal/systemlink"
)

// Timing constants.
const (
	// HandshakeTimeout bounds the whole handshake, accept to steady.
	HandshakeTimeout = 10 * time.Second
	// PingInterval is how often the host probes each steady peer.
	PingInterval = 5 * time.Second
	// PongTimeout is how long the host waits for the matching pong.
	PongTimeout = 5 * time.Second
)

// Resource bounds.
const (
	// readBudget caps the bytes drained from one socket per tick.
	readBudget = 64 * 1024
	// sendQueueMax caps a peer's outbound backlog; past it the peer is
	// treated as a dead socket and dropped.
	sendQueueMax = 256 * 1024
)

// DefaultPeerName is used when a client requests no name.
const DefaultPeerName = "Peer"

// Errors surfaced to the caller or the error callback.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyStarted   = errors.New("server already hosting or connected")
	ErrPermissionDenied = errors.New("permission denied")
	ErrLastOperator     = errors.New("cannot de-op the last operator")
	ErrRefused          = errors.New("connection refused")
)

// Callbacks is the user extension surface. Any hook may be nil. All hooks
// fire synchronously on the Loop thread.
type Callbacks struct {
	// Connection fires on the host when a peer completes the handshake,
	// before any other peer learns of it. Dropping the peer inside the
	// hook suppresses every broadcast about it.
	Connection func(p *Peer)

	// Disconnection fires on both sides after a peer is removed.
	Disconnection func(p *Peer, reason string)

	// Message fires for chat. sender is nil when the host itself (or the
	// server operator) speaks. On the host, *allow gates rebroadcast and
	// defaults to true; on a client it is ignored.
	Message func(sender *Peer, text string, allow *bool)

	// SystemLink fires for every accepted system-link frame. On the
	// host, *allow gates forwarding; on a client it is ignored.
	SystemLink func(pkt *systemlink.Packet, allow *bool)

	// Error surfaces peer-scoped and permission failures that do not
	// tear the session down.
	Error func(err error)
}

// clientState is the client-instance handshake state.
type clientState int

const (
	clientIdle clientState = iota
	clientAwaitHandshakeResponse
	clientAwaitAcknowledge
	clientSteady
	clientClosed
)

// Stats counts relay activity since construction. Read it via Stats from
// the Loop thread.
type Stats struct {
	FramesForwarded uint64
	FramesRejected  uint64
	BytesForwarded  uint64
	ChatMessages    uint64
	PeersAccepted   uint64
	PeersDropped    uint64
}

// Config configures a Server.
type Config struct {
	// Name is the server name (host instance only, ≤ 32 bytes).
	Name string
	// Password guards the session; empty means open.
	Password string
	Logger   *logging.Logger
	// Emitter receives diagnostic events; nil means none.
	Emitter   events.Emitter
	Callbacks Callbacks
}

// Server is one relay instance, host or client.
type Server struct {
	logger  *logging.Logger
	emitter events.Emitter
	cb      Callbacks

	isClient bool
	started  bool
	name     string
	password string

	listener *socket.TCPListener
	stream   *socket.TCPStream
	udp      *socket.UDPSocket

	peers      []*Peer
	nextPeerID uint64

	// Client-instance state.
	cstate        clientState
	selfID        uint64
	hostAddr      socket.Address
	hostUDP       *socket.Address
	clientFramer  protocol.Framer
	clientQueue   []byte
	requestedName string
	verifier      auth.Verifier
	handshakeBy   time.Time

	stats   Stats
	readBuf []byte
	udpBuf  []byte
}

// NewServer builds an idle instance; call Host or Connect to start it.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if len(cfg.Name) > protocol.MaxNameLength {
		return nil, protocol.ErrNameTooLong
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	name := cfg.Name
	if name == "" {
		name = "XLAN"
	}
	return &Server{
		logger:   cfg.Logger,
		emitter:  emitter,
		cb:       cfg.Callbacks,
		name:     name,
		password: cfg.Password,
		readBuf:  make([]byte, readBudget),
		udpBuf:   make([]byte, readBudget),
	}, nil
}

// IsClient reports whether this instance connected to a remote host.
func (s *Server) IsClient() bool {
	return s.isClient
}

// Name returns the server name as currently known.
func (s *Server) Name() string {
	return s.name
}

// Peers returns the peer table in insertion order. On a client instance
// this mirrors the host's view as of the last update received.
func (s *Server) Peers() []*Peer {
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.fullyConnected {
			out = append(out, p)
		}
	}
	return out
}

// PeerByID finds a fully connected peer.
func (s *Server) PeerByID(id uint64) *Peer {
	for _, p := range s.peers {
		if p.fullyConnected && p.id == id {
			return p
		}
	}
	return nil
}

// SelfID returns this client instance's peer id once steady.
func (s *Server) SelfID() uint64 {
	return s.selfID
}

// Connected reports whether a client instance has reached steady state.
func (s *Server) Connected() bool {
	return !s.isClient || s.cstate == clientSteady
}

// Stats returns a snapshot of the activity counters.
func (s *Server) Stats() Stats {
	return s.stats
}

// UDPPort returns the data-channel port, or UDPPortDisabled when hosting
// without UDP.
func (s *Server) UDPPort() uint16 {
	if s.udp == nil {
		return protocol.UDPPortDisabled
	}
	return s.udp.LocalAddr().Port
}

// Host binds the control and data channels and starts accepting peers.
// Passing nil for udpBind hosts without a UDP data channel; peers then
// relay frames over TCP.
func (s *Server) Host(tcpBind socket.Address, udpBind *socket.Address) error {
	if s.started {
		return ErrAlreadyStarted
	}
	l, err := socket.ListenTCP(tcpBind)
	if err != nil {
		return fmt.Errorf("host: %w", err)
	}
	if udpBind != nil {
		u, err := socket.ListenUDP(*udpBind)
		if err != nil {
			l.Close()
			return fmt.Errorf("host: %w", err)
		}
		s.udp = u
	}
	s.listener = l
	s.isClient = false
	s.started = true
	s.logger.Info("Hosting %q on %s/tcp, udp port %d", s.name, l.LocalAddr(), s.UDPPort())
	return nil
}

// Connect dials a host and begins the handshake. The handshake itself
// completes over subsequent Loop calls; watch Connected or the error
// callback. An empty name lets the host pick one.
func (s *Server) Connect(tcpHost socket.Address, tcpBind, udpBind *socket.Address, name, password string) error {
	if s.started {
		return ErrAlreadyStarted
	}
	if len(name) > protocol.MaxNameLength {
		return protocol.ErrNameTooLong
	}
	verifier, err := auth.Compute(password)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	st, err := socket.TCPConnect(tcpHost, tcpBind)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	var udpSock *socket.UDPSocket
	bind := socket.Address{IP: nil, Port: 0}
	if udpBind != nil {
		bind = *udpBind
	}
	udpSock, err = socket.ListenUDP(bind)
	if err != nil {
		st.Close()
		return fmt.Errorf("connect: %w", err)
	}

	s.stream = st
	s.udp = udpSock
	s.isClient = true
	s.started = true
	s.hostAddr = tcpHost
	s.requestedName = name
	s.verifier = verifier
	s.handshakeBy = time.Now().Add(HandshakeTimeout)

	s.writeClient(protocol.EncodeHandshake(protocol.ProtocolVersion))
	s.cstate = clientAwaitHandshakeResponse
	s.logger.Info("Connecting to %s", tcpHost)
	return nil
}

// Close tears down every socket and buffer. Peers are not notified.
func (s *Server) Close() {
	for _, p := range s.peers {
		if p.tcp != nil {
			p.tcp.Close()
		}
	}
	s.peers = nil
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	if s.udp != nil {
		s.udp.Close()
		s.udp = nil
	}
	s.cstate = clientClosed
	s.started = false
}

// surfaceError hands a non-fatal failure to the user.
func (s *Server) surfaceError(err error) {
	s.logger.Warn("%v", err)
	s.emitter.Emit(events.EventError, events.ErrorData{Message: err.Error()})
	if s.cb.Error != nil {
		s.cb.Error(err)
	}
}

// randomPing draws the two unpredictable ping words.
func randomPing() (a, b uint32, err error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, 0, fmt.Errorf("ping nonce: %w", err)
	}
	return binary.BigEndian.Uint32(buf[0:4]), binary.BigEndian.Uint32(buf[4:8]), nil
}

// send queues an encoded frame for one peer, writing through immediately
// when the kernel has room. A backlog past sendQueueMax drops the peer.
func (s *Server) send(p *Peer, frame []byte) {
	if p.tcp == nil || p.dropped {
		return
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if len(p.sendQueue) > 0 {
		if len(p.sendQueue)+len(frame) > sendQueueMax {
			p.markDrop("send queue overflow", nil)
			return
		}
		p.sendQueue = append(p.sendQueue, frame...)
		return
	}
	n, err := p.tcp.Write(frame)
	if err != nil {
		p.markDrop(fmt.Sprintf("write failed: %v", err), nil)
		return
	}
	if n < len(frame) {
		p.sendQueue = append(p.sendQueue, frame[n:]...)
	}
}

// flushQueue retries a peer's backlog.
func (s *Server) flushQueue(p *Peer) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if len(p.sendQueue) == 0 || p.tcp == nil {
		return
	}
	n, err := p.tcp.Write(p.sendQueue)
	if err != nil {
		p.markDrop(fmt.Sprintf("write failed: %v", err), nil)
		return
	}
	p.sendQueue = p.sendQueue[:copy(p.sendQueue, p.sendQueue[n:])]
}

// writeClient queues a frame on the client instance's control stream,
// with the same backlog rules as peer sends.
func (s *Server) writeClient(frame []byte) {
	if s.stream == nil {
		return
	}
	if len(s.clientQueue) > 0 {
		if len(s.clientQueue)+len(frame) > sendQueueMax {
			s.disconnectClient("send queue overflow")
			return
		}
		s.clientQueue = append(s.clientQueue, frame...)
		return
	}
	n, err := s.stream.Write(frame)
	if err != nil {
		s.disconnectClient(fmt.Sprintf("write failed: %v", err))
		return
	}
	if n < len(frame) {
		s.clientQueue = append(s.clientQueue, frame[n:]...)
	}
}

// flushClientQueue retries the client instance's backlog.
func (s *Server) flushClientQueue() {
	if len(s.clientQueue) == 0 || s.stream == nil {
		return
	}
	n, err := s.stream.Write(s.clientQueue)
	if err != nil {
		s.disconnectClient(fmt.Sprintf("write failed: %v", err))
		return
	}
	s.clientQueue = s.clientQueue[:copy(s.clientQueue, s.clientQueue[n:])]
}

// broadcast sends a frame to every fully connected peer, in insertion
// order, optionally skipping one.
func (s *Server) broadcast(frame []byte, skip *Peer) {
	for _, p := range s.peers {
		if p == skip || !p.fullyConnected || p.tcp == nil {
			continue
		}
		s.send(p, frame)
	}
}
