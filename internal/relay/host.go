package relay

import (
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/SnowyMouse/xlan/internal/auth"
	"github.com/SnowyMouse/xlan/internal/events"
	"github.com/SnowyMouse/xlan/internal/protocol"
)

// clampSlot truncates s to at most n bytes on a rune boundary so it fits
// a fixed wire slot.
func clampSlot(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// handleHostFrame routes one control frame from a peer through the
// host-side state machine.
func (s *Server) handleHostFrame(p *Peer, msg *protocol.Message) {
	switch p.state {
	case stateAwaitHandshake:
		s.handleHandshake(p, msg)
	case stateAwaitConnectionInfo:
		s.handleConnectionInformation(p, msg)
	case stateSteady:
		s.handleSteadyFrame(p, msg)
	}
}

func (s *Server) handleHandshake(p *Peer, msg *protocol.Message) {
	if msg.Type != protocol.TypeHandshake {
		refuse := protocol.RefuseReceiveTimeout
		p.markDrop(fmt.Sprintf("expected handshake, got %s", protocol.TypeName(msg.Type)), &refuse)
		return
	}
	switch {
	case msg.Version < protocol.ProtocolVersion:
		refuse := protocol.RefuseVersionTooOld
		p.markDrop(fmt.Sprintf("protocol version %d is too old", msg.Version), &refuse)
	case msg.Version > protocol.ProtocolVersion:
		refuse := protocol.RefuseVersionTooNew
		p.markDrop(fmt.Sprintf("protocol version %d is too new", msg.Version), &refuse)
	default:
		s.send(p, protocol.EncodeHandshakeResponse())
		p.state = stateAwaitConnectionInfo
	}
}

func (s *Server) handleConnectionInformation(p *Peer, msg *protocol.Message) {
	if msg.Type != protocol.TypeConnectionInformation {
		refuse := protocol.RefuseReceiveTimeout
		p.markDrop(fmt.Sprintf("expected connection information, got %s", protocol.TypeName(msg.Type)), &refuse)
		return
	}
	if !auth.Verify(msg.Verifier, s.password) {
		refuse := protocol.RefuseReceiveTimeout
		p.markDrop("bad password", &refuse)
		return
	}

	name, ok := s.resolveName(msg.Name)
	if !ok {
		refuse := protocol.RefuseNameUnavailable
		p.markDrop(fmt.Sprintf("name %q cannot be disambiguated", msg.Name), &refuse)
		return
	}
	p.name = name
	p.state = stateSteady

	s.send(p, protocol.EncodeConnectionInformationAcknowledged(p.id, s.UDPPort()))
	if frame, err := protocol.EncodeServerNameChanged(s.name); err == nil {
		s.send(p, frame)
	}

	// The user sees the peer before anyone else does and may drop it
	// here; a peer dropped now is never announced.
	if s.cb.Connection != nil {
		s.cb.Connection(p)
	}
	if p.dropped {
		return
	}

	// Tell the new peer about the existing membership, then announce it
	// to everyone (itself included, so it learns its final name).
	for _, other := range s.peers {
		if other == p || !other.fullyConnected {
			continue
		}
		ping, _ := other.Ping()
		if frame, err := protocol.EncodeUpdateUser(other.id, other.name, ping); err == nil {
			s.send(p, frame)
		}
	}
	p.fullyConnected = true
	p.announced = true
	p.lastPingAt = time.Now() // first ping one interval from now
	if frame, err := protocol.EncodeUpdateUser(p.id, p.name, 0); err == nil {
		s.broadcast(frame, nil)
	}

	s.stats.PeersAccepted++
	s.logger.Info("Peer %d connected as %q", p.id, p.name)
	s.emitter.Emit(events.EventPeerJoined, events.PeerData{PeerID: p.id, Name: p.name})
}

// resolveName applies the collision policy: requested name, else _2, _3…
// suffixes, truncating the base to stay within the wire slot.
func (s *Server) resolveName(requested string) (string, bool) {
	name := clampSlot(requested, protocol.MaxNameLength)
	if name == "" {
		name = DefaultPeerName
	}
	if !s.nameTaken(name) {
		return name, true
	}
	for i := 2; i <= 999; i++ {
		suffix := "_" + strconv.Itoa(i)
		candidate := clampSlot(name, protocol.MaxNameLength-len(suffix)) + suffix
		if candidate == suffix {
			return "", false
		}
		if !s.nameTaken(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func (s *Server) nameTaken(name string) bool {
	for _, p := range s.peers {
		if !p.dropped && p.state == stateSteady && p.name == name {
			return true
		}
	}
	return false
}

func (s *Server) handleSteadyFrame(p *Peer, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePong:
		s.handlePong(p, msg)

	case protocol.TypeMessageSent:
		s.handleChat(p, msg)

	case protocol.TypeUDPPacket:
		s.ingestFrame(p, msg.Payload)

	case protocol.TypeDropUser:
		s.handleDropRequest(p, msg)

	case protocol.TypeSetOp:
		s.handleSetOpRequest(p, msg)

	case protocol.TypeSetName:
		s.handleSetNameRequest(p, msg)

	default:
		refuse := protocol.RefuseReceiveTimeout
		p.markDrop(fmt.Sprintf("unexpected %s in steady state", protocol.TypeName(msg.Type)), &refuse)
	}
}

func (s *Server) handlePong(p *Peer, msg *protocol.Message) {
	if !p.pingOutstanding {
		refuse := protocol.RefuseReceiveTimeout
		p.markDrop("pong without outstanding ping", &refuse)
		return
	}
	if msg.XorAB != p.pingA^p.pingB {
		refuse := protocol.RefuseReceiveTimeout
		p.markDrop("bad pong", &refuse)
		return
	}
	p.pingOutstanding = false
	rtt := uint32(time.Since(p.lastPingAt).Milliseconds())
	p.recordPing(rtt)

	mean, _ := p.Ping()
	if mean != p.lastBroadcastPing {
		p.lastBroadcastPing = mean
		if frame, err := protocol.EncodeUpdateUser(p.id, p.name, mean); err == nil {
			s.broadcast(frame, nil)
		}
	}
	s.emitter.Emit(events.EventLatency, events.LatencyData{PeerID: p.id, RTTMs: rtt, MeanMs: mean})
}

func (s *Server) handleChat(p *Peer, msg *protocol.Message) {
	s.stats.ChatMessages++
	switch msg.RecipientID {
	case protocol.PublicChatID:
		allow := true
		if s.cb.Message != nil {
			s.cb.Message(p, msg.Text, &allow)
		}
		if !allow {
			return
		}
		frame, err := protocol.EncodeMessageReceived(p.id, protocol.FlagBroadcast, msg.Text)
		if err != nil {
			s.surfaceError(fmt.Errorf("chat from peer %d: %w", p.id, err))
			return
		}
		s.broadcast(frame, nil)
		s.emitter.Emit(events.EventChat, events.ChatData{PeerID: p.id, Name: p.name, Text: msg.Text, Public: true})

	case protocol.ServerPeerID:
		// Addressed to the host user; the callback is the delivery.
		allow := true
		if s.cb.Message != nil {
			s.cb.Message(p, msg.Text, &allow)
		}

	default:
		target := s.PeerByID(msg.RecipientID)
		if target == nil {
			s.send(p, protocol.EncodeRequestRefused(protocol.RefusePermissionDenied))
			return
		}
		frame, err := protocol.EncodeMessageReceived(p.id, 0, msg.Text)
		if err != nil {
			s.surfaceError(fmt.Errorf("chat from peer %d: %w", p.id, err))
			return
		}
		s.send(target, frame)
	}
}

func (s *Server) handleDropRequest(p *Peer, msg *protocol.Message) {
	if !p.op {
		s.send(p, protocol.EncodeRequestRefused(protocol.RefusePermissionDenied))
		return
	}
	target := s.PeerByID(msg.PeerID)
	if target == nil || msg.PeerID == protocol.ServerPeerID {
		s.send(p, protocol.EncodeRequestRefused(protocol.RefusePermissionDenied))
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = fmt.Sprintf("dropped by %s", p.name)
	}
	target.markDrop(clampSlot(reason, protocol.ReasonLength), nil)
}

func (s *Server) handleSetOpRequest(p *Peer, msg *protocol.Message) {
	if !p.op {
		s.send(p, protocol.EncodeRequestRefused(protocol.RefusePermissionDenied))
		return
	}
	target := s.PeerByID(msg.PeerID)
	if target == nil {
		s.send(p, protocol.EncodeRequestRefused(protocol.RefusePermissionDenied))
		return
	}
	if !msg.Op && target == p && s.opCount() == 1 {
		s.send(p, protocol.EncodeRequestRefused(protocol.RefuseLastOperator))
		return
	}
	s.applyOp(target, msg.Op, msg.Reason)
}

func (s *Server) handleSetNameRequest(p *Peer, msg *protocol.Message) {
	if !p.op {
		s.send(p, protocol.EncodeRequestRefused(protocol.RefusePermissionDenied))
		return
	}
	s.applyServerName(msg.Name)
}

func (s *Server) opCount() int {
	n := 0
	for _, p := range s.peers {
		if p.fullyConnected && !p.dropped && p.op {
			n++
		}
	}
	return n
}

// applyOp changes a peer's operator flag and announces it in the main
// chat, since membership updates do not carry the flag.
func (s *Server) applyOp(target *Peer, op bool, reason string) {
	if target.op == op {
		return
	}
	target.op = op
	verb := "is no longer an operator"
	if op {
		verb = "is now an operator"
	}
	text := fmt.Sprintf("%s %s", target.name, verb)
	if reason != "" {
		text += " (" + reason + ")"
	}
	if frame, err := protocol.EncodeMessageReceived(protocol.ServerPeerID, protocol.FlagBroadcast, text); err == nil {
		s.broadcast(frame, nil)
	}
	s.logger.Info("%s", text)
}

// applyServerName renames the server and propagates the new name.
func (s *Server) applyServerName(name string) {
	name = clampSlot(name, protocol.MaxNameLength)
	if name == "" || name == s.name {
		return
	}
	s.name = name
	if frame, err := protocol.EncodeServerNameChanged(name); err == nil {
		s.broadcast(frame, nil)
	}
	s.logger.Info("Server renamed to %q", name)
}
