package mesh

import (
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v4"
)

const DefaultMaxBufferedCandidates = 64

// CandidateBuffer holds remote candidates that arrived before the matching
// remote description. Queues are keyed by peer and may exist before the
// peer's link does. Not safe for concurrent use; Session serializes access.
type CandidateBuffer struct {
	max    int
	queues map[domain.ParticipantID]*deque.Deque[webrtc.ICECandidateInit]
}

func NewCandidateBuffer(limit int) *CandidateBuffer {
	if limit <= 0 {
		limit = DefaultMaxBufferedCandidates
	}
	return &CandidateBuffer{
		max:    limit,
		queues: make(map[domain.ParticipantID]*deque.Deque[webrtc.ICECandidateInit]),
	}
}

// Push appends c to the peer's queue. When the queue is full the oldest
// candidate is dropped and Push reports true.
func (b *CandidateBuffer) Push(id domain.ParticipantID, c webrtc.ICECandidateInit) bool {
	q, ok := b.queues[id]
	if !ok {
		q = new(deque.Deque[webrtc.ICECandidateInit])
		b.queues[id] = q
	}
	dropped := false
	if q.Len() >= b.max {
		q.PopFront()
		dropped = true
	}
	q.PushBack(c)
	return dropped
}

// Drain returns the peer's candidates in arrival order and forgets the queue.
func (b *CandidateBuffer) Drain(id domain.ParticipantID) []webrtc.ICECandidateInit {
	q, ok := b.queues[id]
	if !ok {
		return nil
	}
	delete(b.queues, id)
	out := make([]webrtc.ICECandidateInit, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, q.PopFront())
	}
	return out
}

func (b *CandidateBuffer) Discard(id domain.ParticipantID) {
	delete(b.queues, id)
}

// IDs lists the peers with queued candidates, in no particular order.
func (b *CandidateBuffer) IDs() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(b.queues))
	for id := range b.queues {
		out = append(out, id)
	}
	return out
}

func (b *CandidateBuffer) Reset() {
	clear(b.queues)
}

func (b *CandidateBuffer) Len(id domain.ParticipantID) int {
	if q, ok := b.queues[id]; ok {
		return q.Len()
	}
	return 0
}
