package core

import (
	"slices"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// voiceRoom is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type voiceRoom struct {
	room     *domain.Room
	mu       sync.RWMutex
	bySID    map[SessionID]domain.Participant
	byID     map[domain.ParticipantID]SessionID
	speaking map[domain.ParticipantID]struct{}
}

func NewVoiceRoom(room *domain.Room) VoiceRoom {
	return &voiceRoom{
		room:     room,
		bySID:    make(map[SessionID]domain.Participant),
		byID:     make(map[domain.ParticipantID]SessionID),
		speaking: make(map[domain.ParticipantID]struct{}),
	}
}

func (r *voiceRoom) Room() *domain.Room { return r.room }

func (r *voiceRoom) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *voiceRoom) Join(sid SessionID, p domain.Participant) (SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var replaced SessionID
	var hadOld bool
	if old, ok := r.byID[p.ID]; ok && old != sid {
		delete(r.bySID, old)
		delete(r.speaking, p.ID)
		replaced, hadOld = old, true
	}
	if prev, ok := r.bySID[sid]; ok && prev.ID != p.ID {
		delete(r.byID, prev.ID)
		delete(r.speaking, prev.ID)
	}
	r.bySID[sid] = p
	r.byID[p.ID] = sid
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("sid", string(sid)).Stringer("participant", p.ID).Msg("member joined")
	return replaced, hadOld
}

func (r *voiceRoom) Leave(sid SessionID) (domain.ParticipantID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.bySID[sid]
	if !ok {
		return 0, false
	}
	delete(r.bySID, sid)
	delete(r.byID, p.ID)
	delete(r.speaking, p.ID)
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("sid", string(sid)).Stringer("participant", p.ID).Msg("member left")
	return p.ID, true
}

func (r *voiceRoom) SessionOf(id domain.ParticipantID) (SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byID[id]
	return sid, ok
}

func (r *voiceRoom) SetSpeaking(sid SessionID, speaking bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.bySID[sid]
	if !ok {
		return false
	}
	_, was := r.speaking[p.ID]
	if was == speaking {
		return false
	}
	if speaking {
		r.speaking[p.ID] = struct{}{}
	} else {
		delete(r.speaking, p.ID)
	}
	return true
}

func (r *voiceRoom) Speaking() []domain.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ParticipantID, 0, len(r.speaking))
	for id := range r.speaking {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *voiceRoom) Roster() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.bySID))
	for _, p := range r.bySID {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Participant) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
