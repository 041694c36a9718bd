package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mixlnk/beacon/internal/core"
	"github.com/mixlnk/beacon/internal/protocol"
	"github.com/rs/zerolog/log"
)

// writePump drains the send queue and probes the peer every PingPeriod. It
// is the only goroutine writing to the socket.
func (ctl *SignalWSController) writePump(ctx context.Context, id core.ConnID, c *wsSignalConn) {
	ticker := time.NewTicker(ctl.Settings.PingPeriod)
	defer func() {
		ticker.Stop()
		// Unblocks readPump when writing fails or the server shuts down.
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(id)).Msg("writePump ctx done")
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(ctl.Settings.WriteWait),
			)
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Settings.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.Settings.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("writePump ping failed")
				return
			}
		}
	}
}

// readPump owns the connection's lifetime: when it returns, the lifecycle
// manager purges the connection and the transport is closed.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, id core.ConnID, c *wsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		ctl.Lifecycle.Close(id)
		if ctl.limiter != nil {
			ctl.limiter.Forget(id)
		}
		c.Close()
		cancel()
	}()

	pongWait := ctl.Settings.PongWait
	c.conn.SetReadLimit(ctl.Settings.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(id)).Msg("readPump ctx done")
			return
		default:
		}
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
			} else {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump done")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			log.Debug().Str("module", "signal").Str("conn", string(id)).Int("ws_type", msgType).Msg("ignoring non-text frame")
			continue
		}
		if ctl.limiter != nil && !ctl.limiter.Allow(id) {
			log.Warn().Str("module", "signal").Str("conn", string(id)).Msg("rate limit exceeded, dropping frame")
			continue
		}
		ctl.handleSignal(id, data)
	}
}

// handleSignal decodes one frame and dispatches it. Bad frames are dropped.
func (ctl *SignalWSController) handleSignal(id core.ConnID, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		ev := log.Debug()
		if errors.Is(err, protocol.ErrMalformed) {
			ev = log.Warn()
		}
		ev.Err(err).Str("module", "signal").Str("conn", string(id)).Msg("dropping frame")
		return
	}
	ctl.Router.Handle(id, msg)
}
