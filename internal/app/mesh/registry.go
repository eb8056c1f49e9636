package mesh

import (
	"slices"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// peerLink is the registry entry for one remote participant.
type peerLink struct {
	id  domain.ParticipantID
	tag string // unique per link instance, for logs

	link           core.Link
	hasLocalStream bool
	connState      core.LinkState

	state     NegotiationState
	busy      bool // a negotiation step is in flight
	hasRemote bool // remote description installed
	// pending is the latest inbound offer that arrived while busy.
	pending *webrtc.SessionDescription
}

// LinkRegistry is the single owner of links, at most one per remote id.
// Not safe for concurrent use; Session serializes access.
type LinkRegistry struct {
	links map[domain.ParticipantID]*peerLink
}

func NewLinkRegistry() *LinkRegistry {
	return &LinkRegistry{links: make(map[domain.ParticipantID]*peerLink)}
}

func (r *LinkRegistry) Add(p *peerLink) bool {
	if _, ok := r.links[p.id]; ok {
		return false
	}
	r.links[p.id] = p
	return true
}

func (r *LinkRegistry) Get(id domain.ParticipantID) (*peerLink, bool) {
	p, ok := r.links[id]
	return p, ok
}

// current reports whether p is still the registered link for its peer.
// Results of async steps are applied only when it holds.
func (r *LinkRegistry) current(p *peerLink) bool {
	cur, ok := r.links[p.id]
	return ok && cur == p
}

func (r *LinkRegistry) Remove(id domain.ParticipantID) (*peerLink, bool) {
	p, ok := r.links[id]
	if ok {
		delete(r.links, id)
	}
	return p, ok
}

func (r *LinkRegistry) RemoveAll() []*peerLink {
	out := make([]*peerLink, 0, len(r.links))
	for _, id := range r.IDs() {
		out = append(out, r.links[id])
	}
	clear(r.links)
	return out
}

// IDs is sorted ascending.
func (r *LinkRegistry) IDs() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(r.links))
	for id := range r.links {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *LinkRegistry) Len() int { return len(r.links) }
