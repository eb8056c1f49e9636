package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesOptions(t *testing.T) {
	ch, f, mic := newFakeChannel(), newFakeFactory(), &fakeMic{}
	for name, opts := range map[string]Options{
		"self":    {Channel: ch, Links: f, Microphone: mic},
		"channel": {SelfID: 1, Links: f, Microphone: mic},
		"links":   {SelfID: 1, Channel: ch, Microphone: mic},
		"mic":     {SelfID: 1, Channel: ch, Links: f},
	} {
		_, err := New(opts)
		assert.Error(t, err, name)
	}
	_, err := New(Options{Channel: ch, Links: f, Microphone: mic})
	assert.ErrorIs(t, err, domain.ErrInvalidParticipantID)
}

func TestStartRequestsRoster(t *testing.T) {
	h := newHarness(t, 1, nil)
	require.NoError(t, h.s.Start(context.Background()))

	assert.Equal(t, []string{protocol.EventRequestRoster}, h.ch.events())
	assert.Equal(t, NotJoined, h.s.JoinState())
}

func TestJoinBeforeStart(t *testing.T) {
	s, err := New(Options{SelfID: 1, Channel: newFakeChannel(), Links: newFakeFactory(), Microphone: &fakeMic{}, Dispatcher: inlineDispatcher{}})
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.Join(context.Background()), ErrNotStarted)
}

func TestJoinAnnouncesAndLinksUp(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.roster(t, 1, 2)
	h.ch.reset()

	h.join(t)

	assert.Equal(t, Joined, h.s.JoinState())
	events := h.ch.events()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventJoin, events[0])
	assert.Equal(t, protocol.EventSignal, events[1])
	assert.Equal(t, []domain.ParticipantID{2}, h.s.Links())
}

func TestJoinCapabilityDenied(t *testing.T) {
	h := newHarness(t, 1, nil)
	denied := errors.New("permission denied")
	h.mic.err = denied
	h.roster(t, 1, 2)
	h.ch.reset()

	err := h.s.Join(context.Background())
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, NotJoined, h.s.JoinState())
	assert.Empty(t, h.ch.events())
	assert.Empty(t, h.s.Links())

	h.mic.mu.Lock()
	h.mic.err = nil
	h.mic.mu.Unlock()
	require.NoError(t, h.s.Join(context.Background()))
	assert.Equal(t, []domain.ParticipantID{2}, h.s.Links())
}

func TestJoinTwice(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.join(t)
	assert.ErrorIs(t, h.s.Join(context.Background()), ErrAlreadyJoined)
	assert.Len(t, h.mic.captures, 1)
}

func TestLeaveReleasesEverything(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.join(t)
	h.roster(t, 1, 2, 3)
	h.signal(t, 5, candidate("x"))
	l1, l3 := h.factory.latest(1), h.factory.latest(3)
	capture := h.mic.last()
	h.ch.reset()

	h.s.Leave()

	assert.Equal(t, NotJoined, h.s.JoinState())
	assert.Equal(t, []string{protocol.EventLeave}, h.ch.events())
	assert.Empty(t, h.s.Links())
	assert.True(t, l1.snapshot().closed)
	assert.True(t, l3.snapshot().closed)
	assert.True(t, capture.closed.Load())
	assert.Zero(t, h.buffered(5))
	assert.Len(t, h.s.Roster(), 3)

	h.s.Leave()
	assert.Len(t, h.ch.events(), 1)
}

func TestRejoinAfterLeave(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.join(t)
	h.roster(t, 1, 2)
	h.s.Leave()

	h.join(t)
	assert.Equal(t, []domain.ParticipantID{2}, h.s.Links())
	assert.Equal(t, 2, h.factory.created(2))
	assert.Len(t, h.mic.captures, 2)
	assert.False(t, h.mic.last().closed.Load())
}

func TestTerminateAnnouncesSilenceAndLeave(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.join(t)
	h.roster(t, 1, 2)
	capture := h.mic.last()
	capture.loud.Store(true)
	require.True(t, h.s.speaking.Sample())
	h.ch.reset()

	h.s.Terminate()

	assert.Equal(t, []string{protocol.EventActivity, protocol.EventLeave}, h.ch.events())
	assert.Equal(t, []bool{false}, h.ch.activity())
	assert.True(t, capture.closed.Load())
	assert.True(t, h.factory.latest(2).snapshot().closed)

	h.s.Terminate()
	assert.Len(t, h.ch.events(), 2)
}

func TestTerminateWhenNotJoinedIsSilent(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.ch.reset()
	h.s.Terminate()
	assert.Empty(t, h.ch.events())
}

type gatedMic struct {
	entered chan struct{}
	release chan struct{}
	capture *fakeCapture
}

func (m *gatedMic) Acquire(context.Context) (core.Capture, error) {
	close(m.entered)
	<-m.release
	return m.capture, nil
}

func TestLeaveDuringJoinAborts(t *testing.T) {
	mic := &gatedMic{entered: make(chan struct{}), release: make(chan struct{}), capture: &fakeCapture{}}
	ch := newFakeChannel()
	s, err := New(Options{SelfID: 1, Channel: ch, Links: newFakeFactory(), Microphone: mic, Dispatcher: inlineDispatcher{}})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	errc := make(chan error, 1)
	go func() { errc <- s.Join(context.Background()) }()
	<-mic.entered
	assert.Equal(t, Joining, s.JoinState())

	s.Leave()
	close(mic.release)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrJoinAborted)
	case <-time.After(time.Second):
		t.Fatal("join did not return")
	}
	assert.Equal(t, NotJoined, s.JoinState())
	assert.True(t, mic.capture.closed.Load())
	assert.NotContains(t, ch.events(), protocol.EventJoin)
	assert.NotContains(t, ch.events(), protocol.EventLeave, "nothing to leave")
}

func TestJoinRejectedFallsBack(t *testing.T) {
	var lost []error
	h := newHarness(t, 1, nil, func(o *Options) {
		o.OnJoinLost = func(err error) { lost = append(lost, err) }
	})
	h.join(t)
	h.roster(t, 2)
	l2 := h.factory.latest(2)
	capture := h.mic.last()
	h.ch.reset()

	h.ch.deliver(t, protocol.EventJoinRejected, `{"reason":"rate_limited"}`)

	assert.Equal(t, NotJoined, h.s.JoinState())
	assert.Empty(t, h.s.Links())
	assert.True(t, l2.snapshot().closed)
	assert.True(t, capture.closed.Load())
	assert.Empty(t, h.ch.events(), "no leave for a join the relay never took")
	require.Len(t, lost, 1)
	assert.ErrorIs(t, lost[0], ErrJoinLost)
	assert.Contains(t, lost[0].Error(), "rate_limited")

	h.ch.deliver(t, protocol.EventJoinRejected, `{"reason":"rate_limited"}`)
	assert.Len(t, lost, 1, "ignored when not joined")

	h.join(t)
	assert.Equal(t, Joined, h.s.JoinState())
}

func TestDroppedFromRosterFallsBack(t *testing.T) {
	var lost []error
	h := newHarness(t, 1, nil, func(o *Options) {
		o.OnJoinLost = func(err error) { lost = append(lost, err) }
	})
	h.join(t)

	// rosters sent before the relay saw the join do not list self yet
	h.roster(t, 2)
	assert.Equal(t, Joined, h.s.JoinState())
	assert.Equal(t, []domain.ParticipantID{2}, h.s.Links())

	h.roster(t, 1, 2)
	h.ch.deliver(t, protocol.EventRosterUpdate, `[]`)
	assert.Equal(t, Joined, h.s.JoinState(), "an empty roster says nothing about self")
	assert.Empty(t, lost)

	h.roster(t, 1, 2)
	l2 := h.factory.latest(2)
	h.roster(t, 2, 3)

	assert.Equal(t, NotJoined, h.s.JoinState())
	assert.Empty(t, h.s.Links())
	assert.True(t, l2.snapshot().closed)
	assert.True(t, h.mic.last().closed.Load())
	require.Len(t, lost, 1)
	assert.ErrorIs(t, lost[0], ErrJoinLost)
	assert.Len(t, h.s.Roster(), 2)
}

func TestRosterAndSpeakingCallbacks(t *testing.T) {
	var (
		mu       sync.Mutex
		rosters  [][]domain.Participant
		speaking [][]domain.ParticipantID
	)
	h := newHarness(t, 1, nil, func(o *Options) {
		o.OnRoster = func(r []domain.Participant) {
			mu.Lock()
			defer mu.Unlock()
			rosters = append(rosters, r)
		}
		o.OnSpeaking = func(ids []domain.ParticipantID) {
			mu.Lock()
			defer mu.Unlock()
			speaking = append(speaking, ids)
		}
	})

	h.roster(t, 1, 2)
	h.ch.deliver(t, protocol.EventActivityUpdate, `{"speaking_user_ids":[2,1]}`)
	h.ch.deliver(t, protocol.EventActivityUpdate, `{"speaking_user_ids":[]}`)
	h.ch.deliver(t, protocol.EventActivityUpdate, `garbage`)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, rosters, 1)
	assert.Len(t, rosters[0], 2)
	require.Len(t, speaking, 3)
	assert.Equal(t, []domain.ParticipantID{1, 2}, speaking[0])
	assert.Empty(t, speaking[1])
	assert.Empty(t, speaking[2])
	assert.Empty(t, h.s.Speaking())
}

func TestWorkerPoolDispatch(t *testing.T) {
	ch, f := newFakeChannel(), newFakeFactory()
	s, err := New(Options{SelfID: 1, Channel: ch, Links: f, Microphone: &fakeMic{}, NegotiationWorkers: 2, SampleInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Join(context.Background()))

	raw := `[{"id":1,"displayName":"a"},{"id":2,"displayName":"b"},{"id":3,"displayName":"c"}]`
	ch.deliver(t, protocol.EventRosterUpdate, raw)

	assert.Eventually(t, func() bool { return len(ch.signals()) == 2 }, time.Second, 5*time.Millisecond)

	s.Close()
	s.Close()
	assert.Equal(t, NotJoined, s.JoinState())
}
