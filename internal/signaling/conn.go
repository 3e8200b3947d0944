// Package signaling is the client-facing tier: it owns the websocket
// connections, relays negotiation frames between peers in a room, and
// translates client intents into bus commands for the media tier. It
// never touches media state directly.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// wsConn wraps one websocket with a bounded outbound queue. A full
// queue fails TrySend instead of blocking the caller; the peer's own
// retry logic covers the dropped frame.
type wsConn struct {
	id   domain.ConnectionID
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWSConn(id domain.ConnectionID, conn *websocket.Conn) *wsConn {
	return &wsConn{
		id:   id,
		conn: conn,
		send: make(chan []byte, 32),
	}
}

func (c *wsConn) ID() domain.ConnectionID { return c.id }

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
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

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signaling").Str("socket", string(c.id)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signaling").Str("socket", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, sid domain.ParticipantID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signaling").Str("socket", string(c.id)).Msg("readPump closing")
		ctl.onDisconnect(ctx, c)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signaling").Str("socket", string(c.id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signaling").Str("socket", string(c.id)).Msg("readPump read error")
				return
			}
			ctl.handleFrame(ctx, sid, c, data)
		}
	}
}
