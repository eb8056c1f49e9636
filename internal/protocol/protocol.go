// Package protocol defines the events exchanged with the relay and the
// validation applied to inbound payloads.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
)

const (
	EventJoin           = "join_voice_room"
	EventLeave          = "leave_voice_room"
	EventRequestRoster  = "request_voice_room"
	EventRosterUpdate   = "voice_room_update"
	EventActivity       = "voice_activity"
	EventActivityUpdate = "voice_activity_update"
	EventSignal         = "voice_signal"
	// EventJoinRejected tells a client its join_voice_room was refused.
	EventJoinRejected = "voice_join_rejected"
)

const RejectRateLimited = "rate_limited"

var (
	ErrMalformedSignal = errors.New("malformed signal")
	ErrUnknownSignal   = errors.New("unknown signal type")
)

// Envelope is one websocket text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, errors.New("envelope without event")
	}
	return env, nil
}

type ActivityPayload struct {
	IsSpeaking bool `json:"is_speaking"`
}

type JoinRejected struct {
	Reason string `json:"reason"`
}

type ActivityUpdate struct {
	SpeakingUserIDs []domain.ParticipantID `json:"speaking_user_ids"`
}

// ParseActivityUpdate never fails: anything unreadable is an empty set.
func ParseActivityUpdate(raw json.RawMessage) []domain.ParticipantID {
	var u ActivityUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil
	}
	return u.SpeakingUserIDs
}

func ParseActivity(raw json.RawMessage) (bool, error) {
	var p struct {
		IsSpeaking *bool `json:"is_speaking"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return false, err
	}
	if p.IsSpeaking == nil {
		return false, errors.New("is_speaking missing")
	}
	return *p.IsSpeaking, nil
}

// ParseRoster reads a roster snapshot. A payload that is not a list is an
// empty roster; entries without a usable id are skipped.
func ParseRoster(raw json.RawMessage) []domain.Participant {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return []domain.Participant{}
	}
	out := make([]domain.Participant, 0, len(entries))
	for _, e := range entries {
		var p domain.Participant
		if err := json.Unmarshal(e, &p); err != nil || p.ID <= 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}
