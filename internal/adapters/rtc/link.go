package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Link is a core.Link over one pion PeerConnection with trickle ICE.
type Link struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	sink   MediaSink
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu          sync.RWMutex
	onCandidate func(webrtc.ICECandidateInit)
	onMedia     func(core.RemoteTrack)
	onState     func(core.LinkState)
}

func newLink(ctx context.Context, pc *webrtc.PeerConnection, remote domain.ParticipantID, sink MediaSink) *Link {
	ctx, cancel := context.WithCancel(ctx)
	l := &Link{
		pc:     pc,
		remote: remote,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("module", "rtc").Stringer("peer", remote).Logger(),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		l.mu.RLock()
		f := l.onCandidate
		l.mu.RUnlock()
		if f != nil {
			f(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		l.mu.RLock()
		f := l.onState
		l.mu.RUnlock()
		if f != nil {
			f(linkState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		l.mu.RLock()
		f := l.onMedia
		l.mu.RUnlock()
		if f != nil {
			f(track)
		}
		if l.sink != nil {
			l.sink.Consume(l.ctx, l.remote, track)
		}
	})
	return l
}

func linkState(s webrtc.PeerConnectionState) core.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.LinkStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.LinkStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.LinkStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.LinkStateFailed
	case webrtc.PeerConnectionStateClosed:
		return core.LinkStateClosed
	}
	return core.LinkStateNew
}

// Negotiate creates an offer and installs it locally. Candidates trickle
// through OnLocalCandidate afterwards.
func (l *Link) Negotiate(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if l.pc.SignalingState() != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, ErrNegotiationBusy
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *Link) Accept(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (l *Link) CompleteNegotiation(ctx context.Context, answer webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.pc.SetRemoteDescription(answer)
}

func (l *Link) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(c)
}

func (l *Link) OnLocalCandidate(f func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = f
}

func (l *Link) OnRemoteMedia(f func(core.RemoteTrack)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onMedia = f
}

func (l *Link) OnStateChange(f func(core.LinkState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = f
}

func (l *Link) Close() error {
	l.cancel()
	if err := l.pc.Close(); err != nil {
		l.log.Error().Err(err).Msg("close error")
		return err
	}
	l.log.Debug().Msg("closed")
	return nil
}
