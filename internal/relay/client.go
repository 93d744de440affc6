package relay

import (
	"fmt"
	"time"

	"github.com/SnowyMouse/xlan/internal/events"
	"github.com/SnowyMouse/xlan/internal/protocol"
	"github.com/SnowyMouse/xlan/internal/systemlink"
)

// clientTick is one Loop tick on a client instance.
func (s *Server) clientTick(now time.Time) {
	if s.cstate != clientSteady && now.After(s.handshakeBy) {
		s.disconnectClient("handshake timeout")
		return
	}

	budget := readBudget
	for budget > 0 && s.cstate != clientClosed {
		chunk := s.readBuf
		if budget < len(chunk) {
			chunk = chunk[:budget]
		}
		n, closed, err := s.stream.Read(chunk)
		if n > 0 {
			budget -= n
			s.clientFramer.Feed(chunk[:n])
		}
		if err != nil {
			s.disconnectClient(fmt.Sprintf("read failed: %v", err))
			return
		}
		if closed {
			s.disconnectClient("connection closed by host")
			return
		}
		if n == 0 {
			break
		}
	}

	for s.cstate != clientClosed {
		msg, err := s.clientFramer.Next()
		if err != nil {
			s.disconnectClient(fmt.Sprintf("protocol violation: %v", err))
			return
		}
		if msg == nil {
			break
		}
		s.handleClientFrame(msg)
	}

	if s.cstate == clientClosed {
		return
	}
	s.readClientUDP()
	s.flushClientQueue()
}

// handleClientFrame routes one frame from the host through the
// client-side state machine.
func (s *Server) handleClientFrame(msg *protocol.Message) {
	if msg.Type == protocol.TypeConnectionRefused {
		s.disconnectClient(fmt.Sprintf("refused by host: %s", msg.Refusal))
		return
	}

	switch s.cstate {
	case clientAwaitHandshakeResponse:
		if msg.Type != protocol.TypeHandshakeResponse {
			s.disconnectClient(fmt.Sprintf("expected handshake response, got %s", protocol.TypeName(msg.Type)))
			return
		}
		frame, err := protocol.EncodeConnectionInformation(s.requestedName, s.verifier)
		if err != nil {
			s.disconnectClient(fmt.Sprintf("connection information: %v", err))
			return
		}
		s.writeClient(frame)
		s.cstate = clientAwaitAcknowledge

	case clientAwaitAcknowledge:
		if msg.Type != protocol.TypeConnectionInformationAcknowledged {
			s.disconnectClient(fmt.Sprintf("expected acknowledgement, got %s", protocol.TypeName(msg.Type)))
			return
		}
		s.selfID = msg.PeerID
		if msg.UDPPort != protocol.UDPPortDisabled {
			addr := s.hostAddr.WithPort(msg.UDPPort)
			s.hostUDP = &addr
		}
		s.cstate = clientSteady
		s.logger.Info("Connected to %q as peer %d", s.name, s.selfID)

	case clientSteady:
		s.handleClientSteadyFrame(msg)
	}
}

func (s *Server) handleClientSteadyFrame(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		s.writeClient(protocol.EncodePong(msg.A ^ msg.B))

	case protocol.TypeMessageReceived:
		var sender *Peer
		if msg.SenderID != protocol.ServerPeerID {
			sender = s.PeerByID(msg.SenderID)
		}
		allow := true // ignored on a client
		if s.cb.Message != nil {
			s.cb.Message(sender, msg.Text, &allow)
		}
		s.emitter.Emit(events.EventChat, events.ChatData{
			PeerID: msg.SenderID,
			Text:   msg.Text,
			Public: msg.Flags&protocol.FlagBroadcast != 0,
		})

	case protocol.TypeUpdateUser:
		s.upsertMirrorPeer(msg.PeerID, msg.Name, msg.PingMs)

	case protocol.TypeUserDisconnected:
		s.removeMirrorPeer(msg.PeerID, msg.Reason)

	case protocol.TypeUDPPacketReceived:
		pkt, err := systemlink.New(msg.Payload)
		if err != nil {
			s.stats.FramesRejected++
			s.logger.Debug("Rejected relayed frame: %v", err)
			return
		}
		s.deliverPacket(pkt)

	case protocol.TypeServerNameChanged:
		s.name = msg.Name

	case protocol.TypeRequestRefused:
		base := ErrPermissionDenied
		if msg.Code == protocol.RefuseLastOperator {
			base = ErrLastOperator
		}
		s.surfaceError(fmt.Errorf("%w: request refused by host", base))

	default:
		s.disconnectClient(fmt.Sprintf("unexpected %s in steady state", protocol.TypeName(msg.Type)))
	}
}

// upsertMirrorPeer applies an UpdateUser broadcast to the mirrored table.
func (s *Server) upsertMirrorPeer(id uint64, name string, pingMs uint32) {
	for _, p := range s.peers {
		if p.id == id {
			p.name = name
			p.lastBroadcastPing = pingMs
			return
		}
	}
	p := &Peer{
		server:            s,
		id:                id,
		name:              name,
		fullyConnected:    true,
		lastBroadcastPing: pingMs,
	}
	s.peers = append(s.peers, p)
}

// removeMirrorPeer applies a UserDisconnected broadcast.
func (s *Server) removeMirrorPeer(id uint64, reason string) {
	for i, p := range s.peers {
		if p.id == id {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			s.emitter.Emit(events.EventPeerLeft, events.PeerData{PeerID: id, Name: p.name, Reason: reason})
			if s.cb.Disconnection != nil {
				s.cb.Disconnection(p, reason)
			}
			return
		}
	}
}

// readClientUDP drains frames the host relayed over the data channel.
func (s *Server) readClientUDP() {
	if s.udp == nil || s.hostUDP == nil {
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
		if !from.Equal(*s.hostUDP) {
			continue
		}
		pkt, err := systemlink.New(s.udpBuf[:n])
		if err != nil {
			s.stats.FramesRejected++
			s.logger.Debug("Rejected frame from host: %v", err)
			continue
		}
		s.deliverPacket(pkt)
	}
}

// deliverPacket hands an accepted frame to the user for injection.
func (s *Server) deliverPacket(pkt *systemlink.Packet) {
	allow := true // ignored on a client
	if s.cb.SystemLink != nil {
		s.cb.SystemLink(pkt, &allow)
	}
}

// disconnectClient tears down the client instance.
func (s *Server) disconnectClient(reason string) {
	if s.cstate == clientClosed {
		return
	}
	s.cstate = clientClosed
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	if s.udp != nil {
		s.udp.Close()
		s.udp = nil
	}
	s.peers = nil
	s.logger.Info("Disconnected: %s", reason)
	s.emitter.Emit(events.EventPeerLeft, events.PeerData{PeerID: s.selfID, Reason: reason})
	s.surfaceError(fmt.Errorf("%w: %s", ErrRefused, reason))
}
