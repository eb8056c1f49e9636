package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer = 64
	defaultReadLimit  = 32768
	defaultPingPeriod = 54 * time.Second
	writeWait         = 5 * time.Second
)

type SignalWSController struct {
	Orch *orch.Orchestrator

	readLimit  int64
	pingPeriod time.Duration
	sendBuffer int
}

func NewSignalWSController(o *orch.Orchestrator, cfg *config.Config) *SignalWSController {
	ctl := &SignalWSController{
		Orch:       o,
		readLimit:  defaultReadLimit,
		pingPeriod: defaultPingPeriod,
		sendBuffer: defaultSendBuffer,
	}
	if cfg != nil {
		if cfg.ReadLimit > 0 {
			ctl.readLimit = cfg.ReadLimit
		}
		if cfg.PingPeriod > 0 {
			ctl.pingPeriod = cfg.PingPeriod
		}
		if cfg.SendBuffer > 0 {
			ctl.sendBuffer = cfg.SendBuffer
		}
	}
	return ctl
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type joinQuery struct {
	Room   string `form:"room"`
	ID     string `form:"id" binding:"required"`
	Name   string `form:"name" binding:"required"`
	Avatar string `form:"avatar"`
}

// HandleSignal upgrades /ws/voice?room=&id=&name=&avatar= and attaches the
// connection to the room. Joining the voice roster is a separate event.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	var q joinQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and name are required"})
		return
	}
	id, err := domain.ParseParticipantID(q.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := domain.NewParticipant(id, q.Name, q.Avatar)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room := domain.RoomName(q.Room)
	if room == "" {
		room = domain.DefaultRoom
	}

	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client", c.GetString("client_token")).Stringer("participant", id).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.sendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(sid, room, *p, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
