package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{}

func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}

func TestRegistryBindAndUnbind(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.Bind("s1", "main", domain.Participant{ID: 1, DisplayName: "a"}, nopConn{}, cancel)
	r.Bind("s2", "main", domain.Participant{ID: 2, DisplayName: "b"}, nopConn{}, nil)
	r.Bind("s3", "other", domain.Participant{ID: 3, DisplayName: "c"}, nopConn{}, nil)

	room, p, ok := r.RoomOf("s1")
	require.True(t, ok)
	assert.Equal(t, domain.RoomName("main"), room)
	assert.Equal(t, domain.ParticipantID(1), p.ID)
	assert.Len(t, r.MembersOfRoom("main"), 2)
	assert.Equal(t, 3, r.Count())

	assert.True(t, r.Cancel("s1"))
	assert.Error(t, ctx.Err())
	assert.True(t, r.Cancel("s2"))
	assert.False(t, r.Cancel("missing"))

	assert.True(t, r.Unbind("s1"))
	assert.False(t, r.Unbind("s1"))
	_, ok = r.ConnOf("s1")
	assert.False(t, ok)
	assert.Len(t, r.MembersOfRoom("main"), 1)
}

func TestRoomManagerReusesRooms(t *testing.T) {
	m := NewRoomManager()
	a := m.GetOrCreate("b-room")
	assert.Same(t, a, m.GetOrCreate("b-room"))
	m.GetOrCreate("a-room")

	_, ok := m.GetRoom("missing")
	assert.False(t, ok)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.RoomName("a-room"), list[0].Name)

	m.StopRoom("b-room")
	_, ok = m.GetRoom("b-room")
	assert.False(t, ok)
}

func TestRoomManagerReapsOnlyEmptyRooms(t *testing.T) {
	m := NewRoomManager()
	room := m.GetOrCreate("main")
	room.Join("s1", domain.Participant{ID: 1, DisplayName: "a"})

	assert.False(t, m.Reap("main"))
	assert.False(t, m.Reap("missing"))

	room.Leave("s1")
	assert.True(t, m.Reap("main"))
	_, ok := m.GetRoom("main")
	assert.False(t, ok)
	assert.NotSame(t, room, m.GetOrCreate("main"))
}

func TestJoinRateLimiterSlidingWindow(t *testing.T) {
	rl := NewJoinRateLimiter(2, time.Minute)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow(1))
	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))
	assert.True(t, rl.Allow(2))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow(1))
}

func TestJoinRateLimiterForgetsIdleParticipants(t *testing.T) {
	rl := NewJoinRateLimiter(1, time.Minute)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	for id := domain.ParticipantID(1); id <= 3; id++ {
		require.True(t, rl.Allow(id))
	}
	assert.Len(t, rl.history, 3)

	now = now.Add(2 * time.Minute)
	require.True(t, rl.Allow(4))
	assert.Len(t, rl.history, 1)
	assert.Contains(t, rl.history, domain.ParticipantID(4))
	assert.False(t, rl.Allow(4), "live entries still limit")
}

func TestJoinRateLimiterDisabled(t *testing.T) {
	var nilLimiter *JoinRateLimiter
	assert.True(t, nilLimiter.Allow(1))

	rl := NewJoinRateLimiter(0, time.Second)
	for range 10 {
		assert.True(t, rl.Allow(1))
	}
}

func TestSimplePolicy(t *testing.T) {
	var p SimplePolicy
	assert.Equal(t, DropFrame, p.OnBackPressure(nil, "s", protocol.EventActivityUpdate))
	assert.Equal(t, KickMember, p.OnBackPressure(nil, "s", protocol.EventRosterUpdate))
	assert.Equal(t, KickMember, p.OnBackPressure(nil, "s", protocol.EventSignal))
}
