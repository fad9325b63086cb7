package session

import (
	"github.com/vspecky/softerview/internal/crdt"
	"github.com/vspecky/softerview/internal/peer"
	"github.com/vspecky/softerview/internal/protocol"
)

func (s *Session) routeRelay(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeStdout:
		var out protocol.Stdout
		if s.decode(env, &out) && s.opts.Terminal != nil {
			s.opts.Terminal.Write(out.Output)
		}
	case protocol.TypeFSChange:
		var change protocol.FSChange
		if !s.decode(env, &change) {
			return
		}
		if err := s.tree.Apply(s.filter.Event(change.Event())); err != nil {
			s.logf("dropping fs change: %v", err)
			return
		}
		if s.opts.TreeView != nil {
			s.opts.TreeView.Update(s.tree.Snapshot())
		}
	case protocol.TypeResponseFileContents:
		var fc protocol.FileContents
		if s.decode(env, &fc) {
			s.handleFileContents(fc)
		}
	case protocol.TypeRTCMediaReady:
		s.logf("peer media ready")
	case protocol.TypeRTCCreateSDP:
		if t := s.ensureTransport(); t != nil {
			s.signalErr("create offer", t.CreateOffer())
		}
	case protocol.TypeRTCOfferSDP:
		var sdp protocol.SDP
		if s.decode(env, &sdp) {
			if t := s.ensureTransport(); t != nil {
				s.signalErr("handle offer", t.HandleOffer(sdp.SDP))
			}
		}
	case protocol.TypeRTCAnswerSDP:
		var sdp protocol.SDP
		if s.decode(env, &sdp) && s.transport != nil {
			s.signalErr("handle answer", s.transport.HandleAnswer(sdp.SDP))
		}
	case protocol.TypeRTCICECandidate:
		var ice protocol.ICECandidate
		if s.decode(env, &ice) {
			if t := s.ensureTransport(); t != nil {
				s.signalErr("add candidate", t.AddCandidate(ice.ICE))
			}
		}
	case protocol.TypeStdin, protocol.TypeSaveFile, protocol.TypeRequestFileContents:
		s.logf("dropping client-bound %s from relay", env.Type)
	case protocol.TypeSameFileQuery, protocol.TypeSameFileRes, protocol.TypeCRDTDelta, protocol.TypeCRDTDeltaBatch:
		s.logf("dropping peer message %s received over relay", env.Type)
	default:
		s.logf("dropping unknown relay message %q", env.Type)
	}
}

func (s *Session) routePeer(frame []byte) {
	env, err := protocol.Parse(frame)
	if err != nil {
		s.logf("dropping peer frame: %v", err)
		return
	}
	switch env.Type {
	case protocol.TypeSameFileQuery:
		var q protocol.SameFileQuery
		if s.decode(env, &q) {
			s.handleSameFileQuery(q)
		}
	case protocol.TypeSameFileRes:
		var res protocol.SameFileResponse
		if s.decode(env, &res) {
			s.handleSameFileResponse(res)
		}
	case protocol.TypeCRDTDelta:
		var d protocol.CRDTDelta
		if s.decode(env, &d) {
			s.handleDelta(d.Key, []crdt.Operation{d.Delta})
		}
	case protocol.TypeCRDTDeltaBatch:
		var b protocol.CRDTDeltaBatch
		if !s.decode(env, &b) {
			return
		}
		ops := make([]crdt.Operation, 0, len(b.Deltas))
		for _, compact := range b.Deltas {
			op, err := crdt.Expand(compact)
			if err != nil {
				s.logf("dropping batch for %s: %v", b.Key, err)
				return
			}
			ops = append(ops, op)
		}
		s.handleDelta(b.Key, ops)
	case protocol.TypeStdout, protocol.TypeStdin, protocol.TypeFSChange, protocol.TypeSaveFile,
		protocol.TypeRequestFileContents, protocol.TypeResponseFileContents, protocol.TypeRTCMediaReady,
		protocol.TypeRTCCreateSDP, protocol.TypeRTCOfferSDP, protocol.TypeRTCAnswerSDP, protocol.TypeRTCICECandidate:
		s.logf("dropping relay message %s received from peer", env.Type)
	default:
		s.logf("dropping unknown peer message %q", env.Type)
	}
}

func (s *Session) decode(env protocol.Envelope, out any) bool {
	if err := protocol.Decode(env, out); err != nil {
		s.logf("dropping %s: %v", env.Type, err)
		return false
	}
	return true
}

// ensureTransport returns the live transport, replacing a closed or failed
// one. It returns nil when peer sync is disabled or unavailable.
func (s *Session) ensureTransport() PeerTransport {
	if s.opts.DisablePeer {
		return nil
	}
	if s.transport != nil && !s.peerState.Terminal() {
		return s.transport
	}
	if s.transport != nil {
		_ = s.transport.Close()
	}
	s.peerGen++
	gen := s.peerGen
	opts := s.opts.PeerOptions
	opts.Logger = s.opts.Logger
	opts.OnSignal = func(t protocol.MessageType, details any) {
		s.post(func() {
			if gen != s.peerGen {
				return
			}
			if err := s.sendRelay(t, details); err != nil {
				s.logf("%v", err)
			}
		})
	}
	opts.OnMessage = func(frame []byte) {
		s.post(func() {
			if gen == s.peerGen {
				s.routePeer(frame)
			}
		})
	}
	opts.OnStateChange = func(state peer.State) {
		s.post(func() {
			if gen == s.peerGen {
				s.onPeerState(state)
			}
		})
	}
	t, err := s.opts.NewPeer(opts)
	if err != nil {
		s.logf("peer transport unavailable, continuing relay-only: %v", err)
		s.transport = nil
		s.onPeerState(peer.StateFailed)
		return nil
	}
	s.transport = t
	s.peerState = peer.StateNew
	return t
}

func (s *Session) onPeerState(state peer.State) {
	s.peerState = state
	switch state {
	case peer.StateConnected:
		s.drainOutbox()
	case peer.StateClosed, peer.StateFailed:
		if s.phase == phaseQuerying {
			if err := s.fallback(s.current, "peer "+state.String()); err != nil {
				s.logf("%v", err)
			}
		}
	}
}

func (s *Session) signalErr(action string, err error) {
	if err != nil {
		s.logf("peer %s: %v", action, err)
	}
}
