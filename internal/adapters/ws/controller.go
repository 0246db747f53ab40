package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/syncroom/internal/config"
	"github.com/dkeye/syncroom/internal/domain"
	"github.com/dkeye/syncroom/internal/relay"
)

const writeTimeout = 5 * time.Second

type Controller struct {
	Rooms *relay.Manager
	Cfg   *config.Config
}

func NewController(rooms *relay.Manager, cfg *config.Config) *Controller {
	return &Controller{Rooms: rooms, Cfg: cfg}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleRoom upgrades the request and binds the connection to its room
// actor. The room id comes from the path; username/avatarUrl come from the
// query string and are read once, at connect time.
func (ctl *Controller) HandleRoom(ctx context.Context, c *gin.Context) {
	roomID := domain.RoomID(c.Param("room"))
	if roomID == "" {
		c.Status(http.StatusNotFound)
		return
	}

	clientID := domain.ClientID(uuid.NewString())
	peer, err := domain.NewPeer(
		clientID,
		c.Query("username"),
		c.Query("avatarUrl"),
		ctl.Cfg.AvatarURLBase,
	)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("upgrade failed")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	conn := newConn(ws, ctl.Cfg.SendBuffer)

	log.Info().
		Str("module", "ws").
		Str("room", string(roomID)).
		Str("client", string(clientID)).
		Str("visitor", c.GetString("client_token")).
		Msg("new connection")

	ctx, cancel := context.WithCancel(ctx)

	// The room can be reaped between lookup and Join; a stopped actor
	// rejects the join, and the next lookup creates a fresh one.
	room := ctl.Rooms.GetOrCreate(roomID)
	for !room.Join(clientID, peer, conn) {
		room = ctl.Rooms.GetOrCreate(roomID)
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, room, clientID, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	ping := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, room *relay.Room, id domain.ClientID, c *Conn) {
	defer func() {
		log.Info().Str("module", "ws").Str("client", string(id)).Msg("readPump closing")
		room.Leave(id)
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			room.HandleFrame(id, data)
		}
	}
}
