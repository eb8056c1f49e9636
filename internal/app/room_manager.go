package app

import (
	"cmp"
	"slices"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomDirectory keeps one VoiceRoom per name. Rooms are created on first
// use and dropped on eviction or once the last connection is gone.
type RoomDirectory struct {
	mu    sync.Mutex
	rooms map[domain.RoomName]core.VoiceRoom
}

var _ core.RoomManager = (*RoomDirectory)(nil)

func NewRoomManager() *RoomDirectory {
	return &RoomDirectory{rooms: make(map[domain.RoomName]core.VoiceRoom)}
}

func (d *RoomDirectory) GetOrCreate(name domain.RoomName) core.VoiceRoom {
	d.mu.Lock()
	defer d.mu.Unlock()
	if room, ok := d.rooms[name]; ok {
		return room
	}
	room := core.NewVoiceRoom(&domain.Room{Name: name})
	d.rooms[name] = room
	log.Debug().Str("module", "app.rooms").Str("room", string(name)).Int("rooms", len(d.rooms)).Msg("room opened")
	return room
}

func (d *RoomDirectory) GetRoom(name domain.RoomName) (core.VoiceRoom, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[name]
	return room, ok
}

// List is sorted by room name.
func (d *RoomDirectory) List() []core.RoomInfo {
	d.mu.Lock()
	out := make([]core.RoomInfo, 0, len(d.rooms))
	for name, r := range d.rooms {
		out = append(out, core.RoomInfo{Name: name, MemberCount: r.MemberCount()})
	}
	d.mu.Unlock()
	slices.SortFunc(out, func(a, b core.RoomInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (d *RoomDirectory) StopRoom(name domain.RoomName) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop(name)
}

// Reap drops the room if nobody is joined to it. The caller checks that no
// connection still points at it.
func (d *RoomDirectory) Reap(name domain.RoomName) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[name]
	if !ok || room.MemberCount() > 0 {
		return false
	}
	d.drop(name)
	return true
}

func (d *RoomDirectory) drop(name domain.RoomName) {
	if _, ok := d.rooms[name]; !ok {
		return
	}
	delete(d.rooms, name)
	log.Debug().Str("module", "app.rooms").Str("room", string(name)).Int("rooms", len(d.rooms)).Msg("room closed")
}
