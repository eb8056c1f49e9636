package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type LinkState int

const (
	LinkStateNew LinkState = iota
	LinkStateConnecting
	LinkStateConnected
	LinkStateDisconnected
	LinkStateFailed
	LinkStateClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkStateNew:
		return "new"
	case LinkStateConnecting:
		return "connecting"
	case LinkStateConnected:
		return "connected"
	case LinkStateDisconnected:
		return "disconnected"
	case LinkStateFailed:
		return "failed"
	case LinkStateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the transport is gone for good.
func (s LinkState) Terminal() bool {
	return s == LinkStateDisconnected || s == LinkStateFailed || s == LinkStateClosed
}

// RemoteTrack is the subset of *webrtc.TrackRemote the mesh cares about.
type RemoteTrack interface {
	ID() string
	StreamID() string
}

// Link is a direct media link to one remote participant.
type Link interface {
	// Negotiate produces an offer and installs it as the local description.
	Negotiate(ctx context.Context) (webrtc.SessionDescription, error)
	// Accept installs a remote offer, then produces and installs the answer.
	Accept(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// CompleteNegotiation installs the remote answer.
	CompleteNegotiation(ctx context.Context, answer webrtc.SessionDescription) error
	// AddRemoteCandidate must not block.
	AddRemoteCandidate(webrtc.ICECandidateInit) error

	OnLocalCandidate(func(webrtc.ICECandidateInit))
	OnRemoteMedia(func(RemoteTrack))
	OnStateChange(func(LinkState))

	Close() error
}

type LinkFactory interface {
	NewLink(remote domain.ParticipantID, local Capture) (Link, error)
}
