package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mixlnk/beacon/internal/app"
	"github.com/mixlnk/beacon/internal/core"
	"github.com/rs/zerolog/log"
)

// Settings are the per-connection transport knobs.
type Settings struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
	RateLimit  int
	RateWindow time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		ReadLimit:  65536,
		PingPeriod: 25 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  5 * time.Second,
		SendBuffer: 64,
		RateWindow: time.Second,
	}
}

// SignalWSController is the transport gateway: it accepts WebSocket
// connections, feeds decoded frames to the router and reports open/close to
// the lifecycle manager.
type SignalWSController struct {
	Router    *app.Router
	Lifecycle *app.Lifecycle
	Settings  Settings

	limiter *RateLimiter
}

func NewSignalWSController(router *app.Router, lifecycle *app.Lifecycle, s Settings) *SignalWSController {
	ctl := &SignalWSController{
		Router:    router,
		Lifecycle: lifecycle,
		Settings:  s,
	}
	if s.RateLimit > 0 {
		ctl.limiter = NewRateLimiter(s.RateLimit, s.RateWindow)
	}
	return ctl
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
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

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and starts the connection's pumps. The
// connection lives until the peer goes away, keep-alive fails or ctx ends.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ctl.ServeWS(ctx, c.Writer, c.Request, c.GetString("client_token"))
}

func (ctl *SignalWSController) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, clientToken string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Settings.SendBuffer),
	}
	id := ctl.Lifecycle.Open(conn)
	log.Info().
		Str("module", "signal").
		Str("conn", string(id)).
		Str("client_token", clientToken).
		Str("remote", r.RemoteAddr).
		Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, id, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}
