package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleAnnouncesTransitionsOnly(t *testing.T) {
	ch := newFakeChannel()
	a := NewSpeakingAggregator(ch, time.Hour)
	capture := &fakeCapture{}
	a.Start(context.Background(), capture)
	t.Cleanup(func() { a.Stop() })

	assert.False(t, a.Sample())
	capture.loud.Store(true)
	assert.True(t, a.Sample())
	assert.False(t, a.Sample())
	assert.False(t, a.Sample())
	capture.loud.Store(false)
	assert.True(t, a.Sample())
	assert.False(t, a.Sample())

	assert.Equal(t, []bool{true, false}, ch.activity())
}

func TestSampleWithoutCapture(t *testing.T) {
	ch := newFakeChannel()
	a := NewSpeakingAggregator(ch, 0)
	assert.False(t, a.Sample())
	assert.Empty(t, ch.events())
}

func TestStopReportsLastAnnouncedState(t *testing.T) {
	ch := newFakeChannel()
	a := NewSpeakingAggregator(ch, time.Hour)
	capture := &fakeCapture{}
	capture.loud.Store(true)
	a.Start(context.Background(), capture)
	require.True(t, a.Sample())

	assert.True(t, a.Stop())
	assert.False(t, a.Sample())
	assert.False(t, a.Stop())
}

func TestRestartReannounces(t *testing.T) {
	ch := newFakeChannel()
	a := NewSpeakingAggregator(ch, time.Hour)
	capture := &fakeCapture{}
	capture.loud.Store(true)
	a.Start(context.Background(), capture)
	require.True(t, a.Sample())
	require.True(t, a.Stop())

	a.Start(context.Background(), capture)
	defer a.Stop()
	assert.True(t, a.Sample())
	assert.Equal(t, []bool{true, true}, ch.activity())
}

func TestSamplingLoopAnnounces(t *testing.T) {
	ch := newFakeChannel()
	a := NewSpeakingAggregator(ch, 5*time.Millisecond)
	capture := &fakeCapture{}
	capture.loud.Store(true)
	a.Start(context.Background(), capture)
	defer a.Stop()

	assert.Eventually(t, func() bool {
		return len(ch.activity()) == 1
	}, time.Second, 5*time.Millisecond)

	capture.loud.Store(false)
	assert.Eventually(t, func() bool {
		got := ch.activity()
		return len(got) == 2 && !got[1]
	}, time.Second, 5*time.Millisecond)
}

func TestReplaceIsWholesale(t *testing.T) {
	a := NewSpeakingAggregator(newFakeChannel(), 0)

	a.Replace([]domain.ParticipantID{3, 1, 3})
	assert.Equal(t, []domain.ParticipantID{1, 3}, a.Speaking())
	assert.True(t, a.IsSpeaking(3))
	assert.False(t, a.IsSpeaking(2))

	a.Replace([]domain.ParticipantID{})
	assert.Empty(t, a.Speaking())
	assert.False(t, a.IsSpeaking(1))

	a.Replace([]domain.ParticipantID{2})
	a.Replace(nil)
	assert.Empty(t, a.Speaking())
}
