// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strconv"
	"unicode/utf8"
)

const MaxDisplayNameLen = 64

var (
	ErrDisplayNameTooLong   = errors.New("display name too long")
	ErrDisplayNameEmpty     = errors.New("display name empty")
	ErrInvalidParticipantID = errors.New("invalid participant id")
)

// ParticipantID is ordered: the mesh relies on comparing two ids to pick
// the side that sends the offer.
type ParticipantID int64

func (id ParticipantID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func ParseParticipantID(s string) (ParticipantID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidParticipantID
	}
	return ParticipantID(n), nil
}

type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
	AvatarRef   string        `json:"avatarRef,omitempty"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id ParticipantID, displayName, avatarRef string) (*Participant, error) {
	if id <= 0 {
		return nil, ErrInvalidParticipantID
	}
	p := &Participant{ID: id, AvatarRef: avatarRef}
	if err := p.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Participant) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
