// Package mesh keeps a full mesh of direct audio links in line with the
// relay's roster. Every client derives the same decisions from the same
// roster: who offers to whom, which links to drop, which candidates to hold
// back until a remote description exists.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrCapabilityDenied = errors.New("audio capture unavailable")
	ErrAlreadyJoined    = errors.New("already joined")
	ErrJoinAborted      = errors.New("join aborted by leave")
	// ErrJoinLost is reported through OnJoinLost when the relay refuses the
	// join or stops listing the local participant.
	ErrJoinLost   = errors.New("relay dropped the join")
	ErrNotStarted = errors.New("session not started")
)

const DefaultNegotiationWorkers = 4

// Dispatcher runs negotiation steps off the reaction path.
// *workerpool.WorkerPool satisfies it.
type Dispatcher interface {
	Submit(task func())
}

type Options struct {
	SelfID     domain.ParticipantID
	Channel    core.Channel
	Links      core.LinkFactory
	Microphone core.Microphone

	// Dispatcher defaults to a worker pool of NegotiationWorkers.
	Dispatcher            Dispatcher
	NegotiationWorkers    int
	SampleInterval        time.Duration
	MaxBufferedCandidates int

	OnRoster      func([]domain.Participant)
	OnSpeaking    func([]domain.ParticipantID)
	OnRemoteMedia func(domain.ParticipantID, core.RemoteTrack)
	// OnJoinLost fires when the session falls back to NotJoined without a
	// local Leave.
	OnJoinLost func(error)
}

// Session is the local participant's view of one voice room.
//
// All roster, signaling and link-state events are handled as
// non-overlapping reactions under mu. Link calls that may block run on the
// dispatcher, and their results are applied only if the link that started
// them is still registered.
type Session struct {
	opts     Options
	self     domain.ParticipantID
	channel  core.Channel
	factory  core.LinkFactory
	mic      core.Microphone
	dispatch Dispatcher
	pool     *workerpool.WorkerPool
	speaking *SpeakingAggregator
	log      zerolog.Logger

	submitMu sync.RWMutex
	closed   bool

	mu      sync.Mutex
	ctx     context.Context
	started bool
	join    JoinState
	joinSeq uint64
	// confirmed is set once a roster lists self after the join.
	confirmed  bool
	capture    core.Capture
	roster     []domain.Participant
	links      *LinkRegistry
	candidates *CandidateBuffer
}

func New(opts Options) (*Session, error) {
	switch {
	case opts.SelfID <= 0:
		return nil, fmt.Errorf("mesh: %w", domain.ErrInvalidParticipantID)
	case opts.Channel == nil:
		return nil, errors.New("mesh: channel is required")
	case opts.Links == nil:
		return nil, errors.New("mesh: link factory is required")
	case opts.Microphone == nil:
		return nil, errors.New("mesh: microphone is required")
	}

	s := &Session{
		opts:       opts,
		self:       opts.SelfID,
		channel:    opts.Channel,
		factory:    opts.Links,
		mic:        opts.Microphone,
		dispatch:   opts.Dispatcher,
		speaking:   NewSpeakingAggregator(opts.Channel, opts.SampleInterval),
		log:        log.With().Str("module", "mesh").Stringer("self", opts.SelfID).Logger(),
		ctx:        context.Background(),
		links:      NewLinkRegistry(),
		candidates: NewCandidateBuffer(opts.MaxBufferedCandidates),
	}
	if s.dispatch == nil {
		workers := opts.NegotiationWorkers
		if workers <= 0 {
			workers = DefaultNegotiationWorkers
		}
		s.pool = workerpool.New(workers)
		s.dispatch = s.pool
	}
	return s, nil
}

// Start subscribes to relay events and asks for the current roster.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	s.channel.On(protocol.EventRosterUpdate, s.HandleRoster)
	s.channel.On(protocol.EventSignal, s.HandleSignal)
	s.channel.On(protocol.EventActivityUpdate, s.HandleActivityUpdate)
	s.channel.On(protocol.EventJoinRejected, s.HandleJoinRejected)
	if err := s.channel.Send(protocol.EventRequestRoster, nil); err != nil {
		return fmt.Errorf("request roster: %w", err)
	}
	return nil
}

// Join acquires the microphone, announces the join and links up with
// everyone already in the roster. A capture failure leaves the session
// untouched and is reported as ErrCapabilityDenied.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.join != NotJoined {
		st := s.join
		s.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrAlreadyJoined, st)
	}
	s.join = Joining
	s.joinSeq++
	seq := s.joinSeq
	s.mu.Unlock()

	capture, err := s.mic.Acquire(ctx)
	if err != nil {
		s.mu.Lock()
		if s.join == Joining && s.joinSeq == seq {
			s.join = NotJoined
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrCapabilityDenied, err)
	}

	aborted := false
	s.react(func(fx *effects) {
		if s.join != Joining || s.joinSeq != seq {
			aborted = true
			return
		}
		s.capture = capture
		s.join = Joined
		fx.send(protocol.EventJoin, nil)
		s.speaking.Start(s.ctx, capture)
		s.reconcile(fx)
	})
	if aborted {
		_ = capture.Close()
		return ErrJoinAborted
	}
	s.log.Info().Msg("joined")
	return nil
}

// Leave announces the leave, drops every link and releases the microphone.
// It is a no-op when not joined.
func (s *Session) Leave() {
	if s.leave(true) {
		s.log.Info().Msg("left")
	}
}

// Terminate is the abrupt-exit path: it announces "not speaking" and the
// leave without waiting for anything, then releases resources like Leave.
func (s *Session) Terminate() {
	s.mu.Lock()
	joined := s.join == Joined
	s.mu.Unlock()
	if joined {
		_ = s.channel.Send(protocol.EventActivity, protocol.ActivityPayload{IsSpeaking: false})
		_ = s.channel.Send(protocol.EventLeave, nil)
	}
	if s.leave(false) {
		s.log.Info().Msg("terminated")
	}
}

// Close terminates the session and stops the negotiation workers.
func (s *Session) Close() {
	s.Terminate()
	s.submitMu.Lock()
	wasClosed := s.closed
	s.closed = true
	s.submitMu.Unlock()
	if wasClosed {
		return
	}
	if s.pool != nil {
		s.pool.StopWait()
	}
}

func (s *Session) leave(announce bool) bool {
	var capture core.Capture
	left := false
	s.react(func(fx *effects) {
		if s.join == NotJoined {
			return
		}
		left = true
		// a join still acquiring the microphone was never announced
		if announce && s.join == Joined {
			fx.send(protocol.EventLeave, nil)
		}
		capture = s.release(fx)
	})
	if !left {
		return false
	}
	s.stopCapture(capture)
	return true
}

// release drops every link and returns to NotJoined. The caller stops the
// returned capture once s.mu is released. Must hold s.mu.
func (s *Session) release(fx *effects) core.Capture {
	s.joinSeq++
	for _, p := range s.links.RemoveAll() {
		p.pending = nil
		fx.close(p.link)
	}
	s.candidates.Reset()
	capture := s.capture
	s.capture = nil
	s.join = NotJoined
	s.confirmed = false
	return capture
}

func (s *Session) stopCapture(capture core.Capture) {
	s.speaking.Stop()
	if capture == nil {
		return
	}
	if err := capture.Close(); err != nil {
		s.log.Warn().Err(err).Msg("release capture")
	}
}

// lose falls back to NotJoined on the relay's word. Must hold s.mu.
func (s *Session) lose(fx *effects, cause error) core.Capture {
	s.log.Warn().Err(cause).Msg("join lost")
	capture := s.release(fx)
	if cb := s.opts.OnJoinLost; cb != nil {
		fx.callback(func() { cb(cause) })
	}
	return capture
}

// HandleJoinRejected drops a join the relay refused.
func (s *Session) HandleJoinRejected(raw json.RawMessage) {
	var rej protocol.JoinRejected
	_ = json.Unmarshal(raw, &rej)
	var capture core.Capture
	lost := false
	s.react(func(fx *effects) {
		if s.join != Joined {
			return
		}
		lost = true
		capture = s.lose(fx, fmt.Errorf("%w: %s", ErrJoinLost, rej.Reason))
	})
	if lost {
		s.stopCapture(capture)
	}
}

// HandleSignal applies one inbound voice_signal. Malformed payloads are dropped.
func (s *Session) HandleSignal(raw json.RawMessage) {
	from, sig, err := protocol.ParseInboundSignal(raw)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping signal")
		return
	}
	s.react(func(fx *effects) {
		switch sig.Type {
		case protocol.SignalOffer:
			s.handleOffer(fx, from, *sig.SDP)
		case protocol.SignalAnswer:
			s.handleAnswer(fx, from, *sig.SDP)
		case protocol.SignalCandidate:
			s.handleCandidate(from, *sig.Candidate)
		}
	})
}

// HandleActivityUpdate replaces the speaking set with the relay's.
func (s *Session) HandleActivityUpdate(raw json.RawMessage) {
	s.speaking.Replace(protocol.ParseActivityUpdate(raw))
	if cb := s.opts.OnSpeaking; cb != nil {
		cb(s.speaking.Speaking())
	}
}

func (s *Session) JoinState() JoinState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.join
}

func (s *Session) Roster() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.roster)
}

// Links returns the ids of registered links, ascending.
func (s *Session) Links() []domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links.IDs()
}

func (s *Session) Speaking() []domain.ParticipantID {
	return s.speaking.Speaking()
}

// PeerStatus is a read-only view of one link.
type PeerStatus struct {
	ID          domain.ParticipantID `json:"id"`
	Negotiation string               `json:"negotiation"`
	Link        string               `json:"link"`
	Speaking    bool                 `json:"speaking"`
}

func (s *Session) Status() []PeerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerStatus, 0, s.links.Len())
	for _, id := range s.links.IDs() {
		p, _ := s.links.Get(id)
		out = append(out, PeerStatus{
			ID:          id,
			Negotiation: p.state.String(),
			Link:        p.connState.String(),
			Speaking:    s.speaking.IsSpeaking(id),
		})
	}
	return out
}
