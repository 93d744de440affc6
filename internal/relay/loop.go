package relay

import (
	"fmt"
	"time"

	"github.com/SnowyMouse/xlan/internal/events"
	"github.com/SnowyMouse/xlan/internal/protocol"
)

// Loop performs one cooperative tick: accept pending connections, drain
// readable bytes, dispatch complete frames, drain the data channel, emit
// due pings, and reap dropped peers. No step blocks; call it as often as
// possible from one thread.
func (s *Server) Loop() error {
	if !s.started {
		return ErrNotConnected
	}
	now := time.Now()

	if s.isClient {
		if s.cstate == clientClosed {
			return ErrNotConnected
		}
		s.clientTick(now)
		return nil
	}

	s.acceptPeers(now)
	s.readPeers()
	s.readUDP()
	s.checkDeadlines(now)
	s.emitPings(now)
	for _, p := range s.peers {
		s.flushQueue(p)
	}
	s.reapPeers()
	return nil
}

// acceptPeers drains the listener.
func (s *Server) acceptPeers(now time.Time) {
	for {
		st, err := s.listener.Accept()
		if err != nil {
			s.surfaceError(fmt.Errorf("accept: %w", err))
			return
		}
		if st == nil {
			return
		}
		p := &Peer{
			server:     s,
			id:         s.nextPeerID,
			tcp:        st,
			state:      stateAwaitHandshake,
			acceptedAt: now,
		}
		s.nextPeerID++
		s.peers = append(s.peers, p)
		s.logger.Debug("Accepted connection from %s (peer %d)", st.RemoteAddr(), p.id)
	}
}

// readPeers drains every peer's stream within the per-tick budget and
// dispatches the complete frames.
func (s *Server) readPeers() {
	for _, p := range s.peers {
		if p.dropped || p.tcp == nil {
			continue
		}
		p.budget = readBudget
		for p.budget > 0 {
			chunk := s.readBuf
			if p.budget < len(chunk) {
				chunk = chunk[:p.budget]
			}
			n, closed, err := p.tcp.Read(chunk)
			if n > 0 {
				p.budget -= n
				p.framer.Feed(chunk[:n])
			}
			if err != nil {
				p.markDrop(fmt.Sprintf("read failed: %v", err), nil)
				break
			}
			if closed {
				p.markDrop("connection closed", nil)
				break
			}
			if n == 0 {
				break
			}
		}
		s.dispatchPeerFrames(p)
	}
}

// dispatchPeerFrames parses and routes everything buffered for one peer.
// Frames are handled in arrival order.
func (s *Server) dispatchPeerFrames(p *Peer) {
	for !p.dropped {
		msg, err := p.framer.Next()
		if err != nil {
			refuse := protocol.RefuseReceiveTimeout
			p.markDrop(fmt.Sprintf("protocol violation: %v", err), &refuse)
			return
		}
		if msg == nil {
			return
		}
		s.handleHostFrame(p, msg)
	}
}

// checkDeadlines enforces the handshake and pong timers.
func (s *Server) checkDeadlines(now time.Time) {
	for _, p := range s.peers {
		if p.dropped {
			continue
		}
		if !p.fullyConnected {
			if now.Sub(p.acceptedAt) > HandshakeTimeout {
				refuse := protocol.RefuseReceiveTimeout
				p.markDrop("handshake timeout", &refuse)
			}
			continue
		}
		if p.pingOutstanding && now.Sub(p.lastPingAt) > PongTimeout {
			refuse := protocol.RefuseReceiveTimeout
			p.markDrop("ping timeout", &refuse)
		}
	}
}

// emitPings probes every steady peer on the ping interval.
func (s *Server) emitPings(now time.Time) {
	for _, p := range s.peers {
		if p.dropped || !p.fullyConnected || p.pingOutstanding {
			continue
		}
		if now.Sub(p.lastPingAt) < PingInterval {
			continue
		}
		a, b, err := randomPing()
		if err != nil {
			s.surfaceError(err)
			return
		}
		p.pingA, p.pingB = a, b
		p.pingOutstanding = true
		p.lastPingAt = now
		s.send(p, protocol.EncodePing(a, b))
	}
}

// reapPeers removes every peer flagged for disconnection, notifies the
// remaining membership, and fires the disconnect callback.
func (s *Server) reapPeers() {
	var reaped []*Peer
	kept := s.peers[:0]
	for _, p := range s.peers {
		if p.dropped {
			reaped = append(reaped, p)
		} else {
			kept = append(kept, p)
		}
	}
	s.peers = kept

	for _, p := range reaped {
		if p.tcp != nil {
			if p.dropRefuse != nil {
				// Best effort; the socket may already be gone.
				p.tcp.Write(protocol.EncodeConnectionRefused(*p.dropRefuse))
			}
			p.tcp.Close()
		}
		s.stats.PeersDropped++
		s.logger.Info("Peer %d (%s) disconnected: %s", p.id, p.name, p.dropReason)
		s.emitter.Emit(events.EventPeerLeft, events.PeerData{
			PeerID: p.id,
			Name:   p.name,
			Reason: p.dropReason,
		})
		if p.announced {
			if frame, err := protocol.EncodeUserDisconnected(p.id, clampSlot(p.dropReason, protocol.ReasonLength)); err == nil {
				s.broadcast(frame, nil)
			}
		}
		if s.cb.Disconnection != nil {
			s.cb.Disconnection(p, p.dropReason)
		}
	}
}
