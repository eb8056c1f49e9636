package domain

type RoomName string

// DefaultRoom is used when a client does not name a room.
const DefaultRoom RoomName = "main"

type Room struct {
	Name RoomName
}
