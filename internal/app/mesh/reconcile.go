package mesh

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
)

// HandleRoster takes a full roster snapshot from the relay.
//
// Once a roster has listed self after the join, a later non-empty roster
// without self means the relay no longer counts us as joined, and the
// session falls back to NotJoined.
func (s *Session) HandleRoster(raw json.RawMessage) {
	roster := protocol.ParseRoster(raw)
	var capture core.Capture
	lost := false
	s.react(func(fx *effects) {
		s.roster = roster
		if cb := s.opts.OnRoster; cb != nil {
			snap := slices.Clone(roster)
			fx.callback(func() { cb(snap) })
		}
		if s.join == Joined && len(roster) > 0 {
			listed := slices.ContainsFunc(roster, func(p domain.Participant) bool { return p.ID == s.self })
			switch {
			case listed:
				s.confirmed = true
			case s.confirmed:
				lost = true
				capture = s.lose(fx, fmt.Errorf("%w: not in roster", ErrJoinLost))
			}
		}
		s.reconcile(fx)
	})
	if lost {
		s.stopCapture(capture)
	}
}

// reconcile brings the link set in line with the last roster. Must hold s.mu.
func (s *Session) reconcile(fx *effects) {
	want := make(map[domain.ParticipantID]struct{}, len(s.roster))
	for _, p := range s.roster {
		if p.ID != s.self {
			want[p.ID] = struct{}{}
		}
	}

	removed, added, retried := 0, 0, 0
	for _, id := range s.links.IDs() {
		if _, ok := want[id]; !ok {
			s.teardown(fx, id, "left roster")
			removed++
		}
	}
	// candidates can arrive from peers we never linked to
	for _, id := range s.candidates.IDs() {
		if _, ok := want[id]; !ok {
			s.candidates.Discard(id)
		}
	}

	if s.join == Joined && s.capture != nil {
		ids := make([]domain.ParticipantID, 0, len(want))
		for id := range want {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			if p, ok := s.links.Get(id); ok {
				// an offer that failed to go out is retried on every pass
				if IsOfferer(s.self, id) && !p.busy && p.state == Idle {
					s.startOffer(fx, p)
					retried++
				}
				continue
			}
			p := s.createLink(id)
			if p == nil {
				continue
			}
			added++
			if IsOfferer(s.self, id) {
				s.startOffer(fx, p)
			}
		}
	}

	if removed > 0 || added > 0 || retried > 0 {
		s.log.Debug().
			Int("added", added).
			Int("removed", removed).
			Int("retried", retried).
			Int("links", s.links.Len()).
			Msg("reconciled")
	}
}
