package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNegotiationBusy = errors.New("negotiation already in progress")
	ErrNoLocalTrack    = errors.New("capture has no local track")
)

// TrackSource is a capture that can feed a link.
type TrackSource interface {
	LocalTrack() webrtc.TrackLocal
}

// MediaSink consumes a remote track until it ends or ctx is done.
type MediaSink interface {
	Consume(ctx context.Context, remote domain.ParticipantID, track *webrtc.TrackRemote)
}

type Options struct {
	ICEServers []string
	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host meshes.
	IncludeLoopback bool
	Sink            MediaSink
}

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Factory builds one PeerConnection per remote participant.
type Factory struct {
	ctx    context.Context
	api    *webrtc.API
	config webrtc.Configuration
	sink   MediaSink
}

func NewFactory(ctx context.Context, opts Options) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	return &Factory{
		ctx:    ctx,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		config: DefaultWebRTCConfig(opts.ICEServers),
		sink:   opts.Sink,
	}, nil
}

// NewLink attaches the capture's track when there is one; without a capture
// the link only receives.
func (f *Factory) NewLink(remote domain.ParticipantID, capture core.Capture) (core.Link, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if capture != nil {
		src, ok := capture.(TrackSource)
		if !ok {
			_ = pc.Close()
			return nil, ErrNoLocalTrack
		}
		sender, err := pc.AddTrack(src.LocalTrack())
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
		go drainRTCP(sender)
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add transceiver: %w", err)
		}
	}

	log.Debug().Str("module", "rtc").Stringer("peer", remote).Msg("peer connection created")
	return newLink(f.ctx, pc, remote, f.sink), nil
}

// drainRTCP keeps the sender's interceptors running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
