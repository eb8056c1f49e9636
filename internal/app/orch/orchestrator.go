package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("session not connected")
	ErrRateLimited  = errors.New("join rate limited")
)

// Orchestrator is the relay: it keeps rosters, forwards negotiation
// messages between joined participants and fans out speaking updates.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Limiter  *app.JoinRateLimiter
	Metrics  *Metrics

	// ActivityDebounce coalesces voice_activity_update broadcasts per room.
	// Zero broadcasts every change immediately.
	ActivityDebounce time.Duration

	once       sync.Once
	mu         sync.Mutex
	debouncers map[domain.RoomName]func(func())
}

func (o *Orchestrator) setup() {
	o.once.Do(func() {
		if o.Metrics == nil {
			o.Metrics = NewMetrics(nil)
		}
		o.debouncers = make(map[domain.RoomName]func(func()))
	})
}

// Connect registers a websocket connection in a room. The connection
// receives roster updates from now on but is not joined.
func (o *Orchestrator) Connect(
	sid core.SessionID,
	roomName domain.RoomName,
	p domain.Participant,
	conn core.SignalConnection,
	cancel context.CancelFunc,
) {
	o.setup()
	// bound first so a concurrent last disconnect cannot reap the room
	o.Registry.Bind(sid, roomName, p, conn, cancel)
	o.Rooms.GetOrCreate(roomName)
	o.Metrics.Connections.Inc()
}

// RequestRoster sends the room's roster and speaking set to sid only.
func (o *Orchestrator) RequestRoster(sid core.SessionID) {
	o.setup()
	roomName, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	conn, ok := o.Registry.ConnOf(sid)
	if !ok {
		return
	}
	room := o.Rooms.GetOrCreate(roomName)
	o.send(room, sid, conn, protocol.EventRosterUpdate, room.Roster())
	o.send(room, sid, conn, protocol.EventActivityUpdate, protocol.ActivityUpdate{SpeakingUserIDs: room.Speaking()})
}

// JoinVoice adds sid's participant to the room's roster and broadcasts it.
// A second connection of the same participant replaces the first.
func (o *Orchestrator) JoinVoice(sid core.SessionID) error {
	o.setup()
	roomName, p, ok := o.Registry.RoomOf(sid)
	if !ok {
		return ErrNotConnected
	}
	room := o.Rooms.GetOrCreate(roomName)
	if cur, joined := room.SessionOf(p.ID); joined && cur == sid {
		o.broadcastRoster(room)
		return nil
	}
	if !o.Limiter.Allow(p.ID) {
		o.Metrics.JoinsRejected.Inc()
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Stringer("participant", p.ID).Msg("join rate limited")
		if conn, ok := o.Registry.ConnOf(sid); ok {
			o.send(room, sid, conn, protocol.EventJoinRejected, protocol.JoinRejected{Reason: protocol.RejectRateLimited})
		}
		return ErrRateLimited
	}

	replaced, hadOld := room.Join(sid, p)
	if hadOld {
		log.Info().Str("module", "orch").Str("sid", string(replaced)).Stringer("participant", p.ID).Msg("replaced by new connection")
		o.Kick(replaced)
		// the old connection's speaking flag went with it
		o.scheduleActivity(room)
	} else {
		o.Metrics.Joined.Inc()
	}
	o.broadcastRoster(room)
	return nil
}

// LeaveVoice removes sid from the roster. The connection stays open.
func (o *Orchestrator) LeaveVoice(sid core.SessionID) {
	o.setup()
	roomName, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	room, ok := o.Rooms.GetRoom(roomName)
	if !ok {
		return
	}
	id, ok := room.Leave(sid)
	if !ok {
		return
	}
	o.Metrics.Joined.Dec()
	log.Info().Str("module", "orch").Str("sid", string(sid)).Stringer("participant", id).Msg("left voice")
	o.broadcastRoster(room)
	o.scheduleActivity(room)
}

// UpdateActivity records a joined member's speaking flag.
func (o *Orchestrator) UpdateActivity(sid core.SessionID, raw json.RawMessage) {
	o.setup()
	speaking, err := protocol.ParseActivity(raw)
	if err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("bad voice_activity")
		return
	}
	roomName, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	room, ok := o.Rooms.GetRoom(roomName)
	if !ok {
		return
	}
	if room.SetSpeaking(sid, speaking) {
		o.scheduleActivity(room)
	}
}

// ForwardSignal relays a voice_signal from one joined member to another in
// the same room, stamping the sender's id.
func (o *Orchestrator) ForwardSignal(sid core.SessionID, raw json.RawMessage) {
	o.setup()
	target, sig, err := protocol.ParseOutboundSignal(raw)
	if err != nil {
		o.drop(sid, dropMalformed, err)
		return
	}
	roomName, p, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	room, ok := o.Rooms.GetRoom(roomName)
	if !ok {
		o.drop(sid, dropNotJoined, nil)
		return
	}
	if cur, joined := room.SessionOf(p.ID); !joined || cur != sid {
		o.drop(sid, dropNotJoined, nil)
		return
	}
	tsid, ok := room.SessionOf(target)
	if !ok {
		o.drop(sid, dropUnknownTarget, nil)
		return
	}
	conn, ok := o.Registry.ConnOf(tsid)
	if !ok {
		o.drop(sid, dropUnknownTarget, nil)
		return
	}
	if o.send(room, tsid, conn, protocol.EventSignal, protocol.InboundSignal{FromID: p.ID, Signal: sig}) {
		o.Metrics.SignalsForwarded.Inc()
	}
}

// OnDisconnect is called by the transport once a connection is gone.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	o.setup()
	roomName, _, bound := o.Registry.RoomOf(sid)
	o.LeaveVoice(sid)
	if o.Registry.Unbind(sid) {
		o.Metrics.Connections.Dec()
	}
	if bound && len(o.Registry.MembersOfRoom(roomName)) == 0 && o.Rooms.Reap(roomName) {
		o.mu.Lock()
		delete(o.debouncers, roomName)
		o.mu.Unlock()
	}
}

// Kick closes sid's connection. Cleanup follows through OnDisconnect.
func (o *Orchestrator) Kick(sid core.SessionID) {
	o.setup()
	conn, ok := o.Registry.ConnOf(sid)
	if !ok {
		return
	}
	o.Metrics.Kicks.Inc()
	o.Registry.Cancel(sid)
	conn.Close()
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("kicked")
}

// EvictRoom kicks every connection in the room and forgets it.
func (o *Orchestrator) EvictRoom(name domain.RoomName) bool {
	o.setup()
	if _, ok := o.Rooms.GetRoom(name); !ok {
		return false
	}
	for _, snap := range o.Registry.MembersOfRoom(name) {
		o.Kick(snap.SID)
	}
	o.Rooms.StopRoom(name)
	o.mu.Lock()
	delete(o.debouncers, name)
	o.mu.Unlock()
	log.Info().Str("module", "orch").Str("room", string(name)).Msg("room evicted")
	return true
}

func (o *Orchestrator) broadcastRoster(room core.VoiceRoom) {
	o.broadcast(room, protocol.EventRosterUpdate, room.Roster())
}

func (o *Orchestrator) broadcastActivity(room core.VoiceRoom) {
	o.broadcast(room, protocol.EventActivityUpdate, protocol.ActivityUpdate{SpeakingUserIDs: room.Speaking()})
}

func (o *Orchestrator) scheduleActivity(room core.VoiceRoom) {
	if o.ActivityDebounce <= 0 {
		o.broadcastActivity(room)
		return
	}
	name := room.Room().Name
	o.mu.Lock()
	d, ok := o.debouncers[name]
	if !ok {
		d = debounce.New(o.ActivityDebounce)
		o.debouncers[name] = d
	}
	o.mu.Unlock()
	d(func() { o.broadcastActivity(room) })
}

// broadcast goes to every connection in the room, joined or not.
func (o *Orchestrator) broadcast(room core.VoiceRoom, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode broadcast")
		return
	}
	for _, snap := range o.Registry.MembersOfRoom(room.Room().Name) {
		o.deliver(room, snap.SID, snap.Conn, event, frame)
	}
}

func (o *Orchestrator) send(room core.VoiceRoom, sid core.SessionID, conn core.SignalConnection, event string, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode")
		return false
	}
	return o.deliver(room, sid, conn, event, frame)
}

func (o *Orchestrator) deliver(room core.VoiceRoom, sid core.SessionID, conn core.SignalConnection, event string, frame []byte) bool {
	err := conn.TrySend(core.Frame(frame))
	if err == nil {
		return true
	}
	if !errors.Is(err, core.ErrBackpressure) {
		log.Debug().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("event", event).Msg("send failed")
		return false
	}
	if event == protocol.EventSignal {
		o.Metrics.SignalsDropped.WithLabelValues(dropBackpressure).Inc()
	}
	if o.Policy == nil {
		return false
	}
	switch o.Policy.OnBackPressure(room, sid, event) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Str("event", event).Msg("slow connection, kicking")
		o.Kick(sid)
	case app.DropFrame, app.NoAction:
	}
	return false
}

func (o *Orchestrator) drop(sid core.SessionID, reason string, err error) {
	o.Metrics.SignalsDropped.WithLabelValues(reason).Inc()
	log.Debug().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("reason", reason).Msg("signal dropped")
}
