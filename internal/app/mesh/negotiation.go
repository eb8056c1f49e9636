package mesh

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// createLink registers a fresh link to id. Must hold s.mu.
func (s *Session) createLink(id domain.ParticipantID) *peerLink {
	if id == s.self {
		return nil
	}
	link, err := s.factory.NewLink(id, s.capture)
	if err != nil {
		s.log.Error().Err(err).Stringer("peer", id).Msg("create link")
		return nil
	}
	p := &peerLink{
		id:             id,
		tag:            uuid.NewString(),
		link:           link,
		hasLocalStream: s.capture != nil,
		connState:      core.LinkStateNew,
		state:          Idle,
	}
	link.OnLocalCandidate(func(c webrtc.ICECandidateInit) { s.onLocalCandidate(p, c) })
	link.OnRemoteMedia(func(t core.RemoteTrack) { s.onRemoteMedia(p, t) })
	link.OnStateChange(func(st core.LinkState) { s.onLinkState(p, st) })
	s.links.Add(p)
	s.log.Info().Stringer("peer", id).Str("link", p.tag).Bool("offerer", IsOfferer(s.self, id)).Msg("link created")
	return p
}

// teardown closes the link to id and forgets its buffered candidates. Must hold s.mu.
func (s *Session) teardown(fx *effects, id domain.ParticipantID, reason string) {
	s.candidates.Discard(id)
	p, ok := s.links.Remove(id)
	if !ok {
		return
	}
	p.pending = nil
	fx.close(p.link)
	s.log.Info().Stringer("peer", id).Str("link", p.tag).Str("reason", reason).Msg("link torn down")
}

// startOffer runs the offerer side. Suppressed while a step is in flight
// or an offer is outstanding. Must hold s.mu.
func (s *Session) startOffer(fx *effects, p *peerLink) {
	if p.busy || (p.state != Idle && p.state != Stable) {
		s.log.Debug().Stringer("peer", p.id).Stringer("state", p.state).Msg("offer suppressed")
		return
	}
	p.busy = true
	ctx := s.ctx
	fx.step(func() {
		offer, err := p.link.Negotiate(ctx)
		s.react(func(fx *effects) {
			if !s.links.current(p) {
				s.log.Debug().Stringer("peer", p.id).Str("link", p.tag).Msg("discarding stale offer")
				return
			}
			p.busy = false
			if err != nil {
				p.state = Idle
				s.log.Warn().Err(err).Stringer("peer", p.id).Msg("negotiate failed")
				s.resumePending(fx, p)
				return
			}
			p.state = OfferSent
			fx.send(protocol.EventSignal, protocol.OutboundSignal{
				TargetID: p.id,
				Signal:   protocol.OfferSignal(offer),
			})
			s.resumePending(fx, p)
		})
	})
}

func (s *Session) handleOffer(fx *effects, from domain.ParticipantID, offer webrtc.SessionDescription) {
	if from == s.self {
		return
	}
	if s.join != Joined || s.capture == nil {
		s.log.Debug().Stringer("peer", from).Stringer("join", s.join).Msg("offer while not joined, dropped")
		return
	}
	p, ok := s.links.Get(from)
	if !ok {
		if p = s.createLink(from); p == nil {
			return
		}
	}
	s.acceptOffer(fx, p, offer)
}

func (s *Session) acceptOffer(fx *effects, p *peerLink, offer webrtc.SessionDescription) {
	if p.busy {
		p.pending = &offer
		s.log.Debug().Stringer("peer", p.id).Msg("offer parked until current step finishes")
		return
	}
	if p.state == OfferSent && IsOfferer(s.self, p.id) {
		s.log.Debug().Stringer("peer", p.id).Msg("ignoring offer, local offer wins")
		return
	}
	p.busy = true
	p.state = AnswerPending
	ctx := s.ctx
	fx.step(func() {
		answer, err := p.link.Accept(ctx, offer)
		s.react(func(fx *effects) {
			if !s.links.current(p) {
				s.log.Debug().Stringer("peer", p.id).Str("link", p.tag).Msg("discarding stale answer")
				return
			}
			p.busy = false
			if err != nil {
				p.state = Idle
				s.log.Warn().Err(err).Stringer("peer", p.id).Msg("accept offer failed")
				s.resumePending(fx, p)
				return
			}
			p.hasRemote = true
			s.flushCandidates(p)
			p.state = Stable
			fx.send(protocol.EventSignal, protocol.OutboundSignal{
				TargetID: p.id,
				Signal:   protocol.AnswerSignal(answer),
			})
			s.resumePending(fx, p)
		})
	})
}

func (s *Session) handleAnswer(fx *effects, from domain.ParticipantID, answer webrtc.SessionDescription) {
	p, ok := s.links.Get(from)
	if !ok {
		s.log.Debug().Stringer("peer", from).Msg("answer for unknown link, dropped")
		return
	}
	if p.busy || p.state != OfferSent {
		s.log.Debug().Stringer("peer", from).Stringer("state", p.state).Msg("unexpected answer, dropped")
		return
	}
	p.busy = true
	ctx := s.ctx
	fx.step(func() {
		err := p.link.CompleteNegotiation(ctx, answer)
		s.react(func(fx *effects) {
			if !s.links.current(p) {
				s.log.Debug().Stringer("peer", p.id).Str("link", p.tag).Msg("discarding stale completion")
				return
			}
			p.busy = false
			if err != nil {
				p.state = Idle
				s.log.Warn().Err(err).Stringer("peer", p.id).Msg("complete negotiation failed")
				s.resumePending(fx, p)
				return
			}
			p.hasRemote = true
			s.flushCandidates(p)
			p.state = Stable
			s.resumePending(fx, p)
		})
	})
}

func (s *Session) handleCandidate(from domain.ParticipantID, c webrtc.ICECandidateInit) {
	if from == s.self {
		return
	}
	if p, ok := s.links.Get(from); ok && p.hasRemote {
		s.applyCandidate(p, c)
		return
	}
	if s.candidates.Push(from, c) {
		s.log.Debug().Stringer("peer", from).Msg("candidate buffer full, dropped oldest")
	}
}

func (s *Session) resumePending(fx *effects, p *peerLink) {
	if p.pending == nil {
		return
	}
	offer := *p.pending
	p.pending = nil
	s.acceptOffer(fx, p, offer)
}

func (s *Session) flushCandidates(p *peerLink) {
	for _, c := range s.candidates.Drain(p.id) {
		s.applyCandidate(p, c)
	}
}

func (s *Session) applyCandidate(p *peerLink, c webrtc.ICECandidateInit) {
	if err := p.link.AddRemoteCandidate(c); err != nil {
		s.log.Debug().Err(err).Stringer("peer", p.id).Msg("add remote candidate")
	}
}

func (s *Session) onLocalCandidate(p *peerLink, c webrtc.ICECandidateInit) {
	s.react(func(fx *effects) {
		if !s.links.current(p) {
			return
		}
		fx.send(protocol.EventSignal, protocol.OutboundSignal{
			TargetID: p.id,
			Signal:   protocol.CandidateSignal(c),
		})
	})
}

func (s *Session) onRemoteMedia(p *peerLink, t core.RemoteTrack) {
	s.react(func(fx *effects) {
		if !s.links.current(p) {
			return
		}
		s.log.Info().Stringer("peer", p.id).Str("track", t.ID()).Msg("remote media available")
		if cb := s.opts.OnRemoteMedia; cb != nil {
			id := p.id
			fx.callback(func() { cb(id, t) })
		}
	})
}

func (s *Session) onLinkState(p *peerLink, st core.LinkState) {
	s.react(func(fx *effects) {
		if !s.links.current(p) {
			return
		}
		p.connState = st
		s.log.Debug().Stringer("peer", p.id).Stringer("link_state", st).Msg("link state")
		if st.Terminal() {
			s.log.Warn().Stringer("peer", p.id).Stringer("link_state", st).Msg("link lost")
			s.teardown(fx, p.id, "link "+st.String())
		}
	})
}
