package relay

import (
	"fmt"

	"github.com/SnowyMouse/xlan/internal/events"
	"github.com/SnowyMouse/xlan/internal/protocol"
	"github.com/SnowyMouse/xlan/internal/socket"
	"github.com/SnowyMouse/xlan/internal/systemlink"
)

// readUDP drains the host's data channel. Each datagram is one raw
// system-link frame; validation runs before any state is touched, so a
// spoofed datagram can neither bind a UDP endpoint nor reach a peer.
func (s *Server) readUDP() {
	if s.udp == nil {
		return
	}
	budget := readBudget
	for budget > 0 {
		n, from, ok, err := s.udp.RecvFrom(s.udpBuf)
		if err != nil {
			s.surfaceError(fmt.Errorf("udp read: %w", err))
			return
		}
		if !ok {
			return
		}
		budget -= n

		pkt, err := systemlink.New(s.udpBuf[:n])
		if err != nil {
			s.stats.FramesRejected++
			s.logger.Debug("Rejected frame from %s: %v", from, err)
			continue
		}

		sender := s.peerForEndpoint(from)
		if sender == nil {
			s.stats.FramesRejected++
			s.logger.Debug("Frame from unknown endpoint %s", from)
			continue
		}
		s.forwardFrame(sender, pkt)
	}
}

// peerForEndpoint maps a datagram source to a peer, learning the UDP
// endpoint on first contact: the datagram's source IP must match the
// peer's control-channel IP.
func (s *Server) peerForEndpoint(from socket.Address) *Peer {
	for _, p := range s.peers {
		if p.udpEndpoint != nil && p.udpEndpoint.Equal(from) {
			return p
		}
	}
	for _, p := range s.peers {
		if p.fullyConnected && !p.dropped && p.udpEndpoint == nil && p.tcp != nil &&
			p.tcp.RemoteAddr().SameIP(from) {
			addr := from
			p.udpEndpoint = &addr
			s.logger.Debug("Learned UDP endpoint %s for peer %d", from, p.id)
			return p
		}
	}
	return nil
}

// ingestFrame handles a system-link frame a peer relayed over TCP.
func (s *Server) ingestFrame(p *Peer, raw []byte) {
	pkt, err := systemlink.New(raw)
	if err != nil {
		// Attacker-controlled data; count it, keep the peer.
		s.stats.FramesRejected++
		s.logger.Debug("Rejected frame from peer %d: %v", p.id, err)
		return
	}
	s.forwardFrame(p, pkt)
}

// forwardFrame delivers an accepted frame to every peer the destination
// MAC reaches, preferring the data channel. sender is nil when the host's
// own console produced the frame.
func (s *Server) forwardFrame(sender *Peer, pkt *systemlink.Packet) {
	allow := true
	if s.cb.SystemLink != nil {
		s.cb.SystemLink(pkt, &allow)
	}
	if !allow {
		return
	}

	if sender != nil {
		mac := pkt.SourceMAC()
		sender.consoleMAC = &mac
	}

	senderID := protocol.ServerPeerID
	if sender != nil {
		senderID = sender.id
	}
	dst := pkt.DestinationMAC()
	for _, p := range s.peers {
		if p == sender || !p.fullyConnected || p.dropped {
			continue
		}
		// A peer with no learned console only sees broadcast traffic.
		if p.consoleMAC != nil {
			if !dst.CanSendTo(*p.consoleMAC) {
				continue
			}
		} else if !dst.IsBroadcast() {
			continue
		}
		s.sendFrameToPeer(p, senderID, pkt)
	}
}

func (s *Server) sendFrameToPeer(p *Peer, senderID uint64, pkt *systemlink.Packet) {
	if s.udp != nil && p.udpEndpoint != nil {
		if err := s.udp.SendTo(pkt.Raw(), *p.udpEndpoint); err == nil {
			s.countForward(pkt)
			return
		}
		// Fall back to the control channel.
	}
	frame, err := protocol.EncodeUDPPacketReceived(senderID, pkt.Raw())
	if err != nil {
		s.surfaceError(fmt.Errorf("relay frame to peer %d: %w", p.id, err))
		return
	}
	s.send(p, frame)
	s.countForward(pkt)
}

func (s *Server) countForward(pkt *systemlink.Packet) {
	s.stats.FramesForwarded++
	s.stats.BytesForwarded += uint64(pkt.Len())
	if s.stats.FramesForwarded%1024 == 0 {
		s.emitter.Emit(events.EventStats, events.StatsData{
			FramesForwarded: s.stats.FramesForwarded,
			FramesRejected:  s.stats.FramesRejected,
			BytesForwarded:  s.stats.BytesForwarded,
		})
	}
}

// SendSystemLinkPacket feeds a locally captured frame into the session.
// The host forwards it directly; a client hands it to the host over the
// data channel, or over TCP when the host has no UDP port.
func (s *Server) SendSystemLinkPacket(pkt *systemlink.Packet) error {
	if !s.started {
		return ErrNotConnected
	}
	if s.isClient {
		if s.cstate != clientSteady {
			return ErrNotConnected
		}
		if s.hostUDP != nil {
			return s.udp.SendTo(pkt.Raw(), *s.hostUDP)
		}
		frame, err := protocol.EncodeUDPPacket(pkt.Raw())
		if err != nil {
			return err
		}
		s.writeClient(frame)
		return nil
	}
	s.forwardFrame(nil, pkt)
	return nil
}

// SendChat sends text to the main chat.
func (s *Server) SendChat(text string) error {
	if !s.started {
		return ErrNotConnected
	}
	if s.isClient {
		frame, err := protocol.EncodeMessageSent(protocol.PublicChatID, text)
		if err != nil {
			return err
		}
		s.writeClient(frame)
		return nil
	}
	frame, err := protocol.EncodeMessageReceived(protocol.ServerPeerID, protocol.FlagBroadcast, text)
	if err != nil {
		return err
	}
	s.broadcast(frame, nil)
	s.stats.ChatMessages++
	return nil
}

// SetName renames the server. On a client instance this is an operator
// request; refusal arrives through the error callback.
func (s *Server) SetName(name string) error {
	if len(name) > protocol.MaxNameLength {
		return protocol.ErrNameTooLong
	}
	if s.isClient {
		frame, err := protocol.EncodeSetName(name)
		if err != nil {
			return err
		}
		s.writeClient(frame)
		return nil
	}
	s.applyServerName(name)
	return nil
}

// dropPeer routes Peer.Drop. The host user is always an operator; a
// client instance forwards the request and lets the host decide.
func (s *Server) dropPeer(p *Peer, reason string) {
	if s.isClient {
		frame, err := protocol.EncodeDropUser(p.id, clampSlot(reason, protocol.ReasonLength))
		if err != nil {
			s.surfaceError(err)
			return
		}
		s.writeClient(frame)
		return
	}
	if reason == "" {
		reason = "dropped by host"
	}
	p.markDrop(clampSlot(reason, protocol.ReasonLength), nil)
}

// setOp routes Peer.SetOp.
func (s *Server) setOp(p *Peer, op bool, reason string) {
	if s.isClient {
		frame, err := protocol.EncodeSetOp(p.id, op, clampSlot(reason, protocol.ReasonLength))
		if err != nil {
			s.surfaceError(err)
			return
		}
		s.writeClient(frame)
		return
	}
	s.applyOp(p, op, reason)
}

// messagePeer routes Peer.Message.
func (s *Server) messagePeer(p *Peer, text string) {
	if s.isClient {
		frame, err := protocol.EncodeMessageSent(p.id, text)
		if err != nil {
			s.surfaceError(err)
			return
		}
		s.writeClient(frame)
		return
	}
	frame, err := protocol.EncodeMessageReceived(protocol.ServerPeerID, 0, text)
	if err != nil {
		s.surfaceError(err)
		return
	}
	s.send(p, frame)
}
