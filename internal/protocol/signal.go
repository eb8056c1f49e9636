package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is the negotiation message carried inside voice_signal.
type Signal struct {
	Type      SignalType                 `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

type OutboundSignal struct {
	TargetID domain.ParticipantID `json:"target_id"`
	Signal   Signal               `json:"signal"`
}

type InboundSignal struct {
	FromID domain.ParticipantID `json:"from_id"`
	Signal Signal               `json:"signal"`
}

func OfferSignal(sd webrtc.SessionDescription) Signal {
	return Signal{Type: SignalOffer, SDP: &sd}
}

func AnswerSignal(sd webrtc.SessionDescription) Signal {
	return Signal{Type: SignalAnswer, SDP: &sd}
}

func CandidateSignal(c webrtc.ICECandidateInit) Signal {
	return Signal{Type: SignalCandidate, Candidate: &c}
}

// wire forms keep every field optional so presence can be checked.
type wireSDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type wireCandidate struct {
	Candidate        *string `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment"`
}

type wireSignal struct {
	Type      string         `json:"type"`
	SDP       *wireSDP       `json:"sdp"`
	Candidate *wireCandidate `json:"candidate"`
}

type wireEnvelope struct {
	TargetID domain.ParticipantID `json:"target_id"`
	FromID   domain.ParticipantID `json:"from_id"`
	Signal   *wireSignal          `json:"signal"`
}

// ParseInboundSignal validates a relay-to-client voice_signal payload.
func ParseInboundSignal(raw json.RawMessage) (domain.ParticipantID, Signal, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return 0, Signal{}, err
	}
	if env.FromID <= 0 {
		return 0, Signal{}, fmt.Errorf("%w: from_id missing", ErrMalformedSignal)
	}
	sig, err := env.Signal.validate()
	if err != nil {
		return 0, Signal{}, err
	}
	return env.FromID, sig, nil
}

// ParseOutboundSignal validates a client-to-relay voice_signal payload.
func ParseOutboundSignal(raw json.RawMessage) (domain.ParticipantID, Signal, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return 0, Signal{}, err
	}
	if env.TargetID <= 0 {
		return 0, Signal{}, fmt.Errorf("%w: target_id missing", ErrMalformedSignal)
	}
	sig, err := env.Signal.validate()
	if err != nil {
		return 0, Signal{}, err
	}
	return env.TargetID, sig, nil
}

func parseEnvelope(raw json.RawMessage) (wireEnvelope, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return wireEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if env.Signal == nil {
		return wireEnvelope{}, fmt.Errorf("%w: signal missing", ErrMalformedSignal)
	}
	return env, nil
}

func (w *wireSignal) validate() (Signal, error) {
	switch SignalType(w.Type) {
	case SignalOffer, SignalAnswer:
		if w.SDP == nil || w.SDP.SDP == "" {
			return Signal{}, fmt.Errorf("%w: %s without sdp", ErrMalformedSignal, w.Type)
		}
		sdpType := webrtc.SDPTypeOffer
		if SignalType(w.Type) == SignalAnswer {
			sdpType = webrtc.SDPTypeAnswer
		}
		return Signal{
			Type: SignalType(w.Type),
			SDP:  &webrtc.SessionDescription{Type: sdpType, SDP: w.SDP.SDP},
		}, nil
	case SignalCandidate:
		if w.Candidate == nil || w.Candidate.Candidate == nil || *w.Candidate.Candidate == "" {
			return Signal{}, fmt.Errorf("%w: candidate without text", ErrMalformedSignal)
		}
		return Signal{
			Type: SignalCandidate,
			Candidate: &webrtc.ICECandidateInit{
				Candidate:        *w.Candidate.Candidate,
				SDPMid:           w.Candidate.SDPMid,
				SDPMLineIndex:    w.Candidate.SDPMLineIndex,
				UsernameFragment: w.Candidate.UsernameFragment,
			},
		}, nil
	case "":
		return Signal{}, fmt.Errorf("%w: type missing", ErrMalformedSignal)
	}
	return Signal{}, fmt.Errorf("%w: %q", ErrUnknownSignal, w.Type)
}
