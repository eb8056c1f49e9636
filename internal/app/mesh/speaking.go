package mesh

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultSampleInterval = 100 * time.Millisecond

// SpeakingAggregator announces local voice activity on transitions only and
// keeps the relay's view of who is speaking.
type SpeakingAggregator struct {
	channel  core.Channel
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	capture   core.Capture
	announced bool
	cancel    context.CancelFunc
	done      chan struct{}
	speaking  []domain.ParticipantID
}

func NewSpeakingAggregator(ch core.Channel, interval time.Duration) *SpeakingAggregator {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &SpeakingAggregator{
		channel:  ch,
		interval: interval,
		log:      log.With().Str("module", "mesh.speaking").Logger(),
	}
}

// Start begins sampling capture. A running loop keeps going with the new capture.
func (a *SpeakingAggregator) Start(ctx context.Context, capture core.Capture) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capture = capture
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel, a.done = cancel, done
	go a.loop(ctx, done)
}

func (a *SpeakingAggregator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sample()
		}
	}
}

// Sample reads the capture once and reports whether a transition was announced.
func (a *SpeakingAggregator) Sample() bool {
	a.mu.Lock()
	if a.capture == nil {
		a.mu.Unlock()
		return false
	}
	loud := a.capture.Loud()
	if loud == a.announced {
		a.mu.Unlock()
		return false
	}
	a.announced = loud
	a.mu.Unlock()

	if err := a.channel.Send(protocol.EventActivity, protocol.ActivityPayload{IsSpeaking: loud}); err != nil {
		a.log.Warn().Err(err).Bool("speaking", loud).Msg("announce activity")
	}
	return true
}

// Stop ends sampling and waits for the loop. It returns whether the last
// announced state was speaking.
func (a *SpeakingAggregator) Stop() bool {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done, a.capture = nil, nil, nil
	was := a.announced
	a.announced = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return was
}

// Replace installs the relay's full speaking set.
func (a *SpeakingAggregator) Replace(ids []domain.ParticipantID) {
	next := slices.Clone(ids)
	slices.Sort(next)
	next = slices.Compact(next)
	a.mu.Lock()
	a.speaking = next
	a.mu.Unlock()
}

// Speaking is sorted ascending.
func (a *SpeakingAggregator) Speaking() []domain.ParticipantID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.speaking)
}

func (a *SpeakingAggregator) IsSpeaking(id domain.ParticipantID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, found := slices.BinarySearch(a.speaking, id)
	return found
}
