package app

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/protocol"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a connection whose send queue is full.
type Policy interface {
	OnBackPressure(room core.VoiceRoom, sid core.SessionID, event string) BackpressureAction
}

// SimplePolicy kicks slow members unless the dropped frame was only a
// speaking update, which the next update supersedes.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ core.VoiceRoom, _ core.SessionID, event string) BackpressureAction {
	if event == protocol.EventActivityUpdate {
		return DropFrame
	}
	return KickMember
}
