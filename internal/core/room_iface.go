package core

import (
	"github.com/dkeye/voicemesh/internal/domain"
)

// VoiceRoom is the core-facing API of a room on the relay.
// It owns the joined roster and the speaking set but never touches transport resources.
type VoiceRoom interface {
	Room() *domain.Room
	MemberCount() int
	// Roster is sorted by participant id.
	Roster() []domain.Participant

	// Join binds p to sid. A previous session of the same participant is
	// returned as replaced.
	Join(sid SessionID, p domain.Participant) (replaced SessionID, ok bool)
	Leave(sid SessionID) (domain.ParticipantID, bool)
	SessionOf(id domain.ParticipantID) (SessionID, bool)

	// SetSpeaking reports whether the speaking set changed.
	SetSpeaking(sid SessionID, speaking bool) bool
	Speaking() []domain.ParticipantID
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"member_count"`
}

type RoomManager interface {
	GetOrCreate(name domain.RoomName) VoiceRoom
	GetRoom(name domain.RoomName) (VoiceRoom, bool)
	List() []RoomInfo
	StopRoom(name domain.RoomName)
	// Reap drops the room if nobody is joined to it.
	Reap(name domain.RoomName) bool
}
