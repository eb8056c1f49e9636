package http

import (
	"net/http"

	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/gin-gonic/gin"
)

type RoomHandlers struct {
	Orch *orch.Orchestrator
}

func (h *RoomHandlers) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.Orch.Rooms.List())
}

func (h *RoomHandlers) Members(c *gin.Context) {
	room, ok := h.Orch.Rooms.GetRoom(domain.RoomName(c.Param("name")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, room.Roster())
}

func (h *RoomHandlers) Speaking(c *gin.Context) {
	room, ok := h.Orch.Rooms.GetRoom(domain.RoomName(c.Param("name")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, protocol.ActivityUpdate{SpeakingUserIDs: room.Speaking()})
}

func (h *RoomHandlers) EvictRoom(c *gin.Context) {
	if !h.Orch.EvictRoom(domain.RoomName(c.Param("name"))) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
