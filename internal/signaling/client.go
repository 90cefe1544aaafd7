package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamloom/call-relay/internal/metrics"
	"github.com/streamloom/call-relay/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// client is one connected participant. The relay assigns the participant id
// on connect; it is opaque to the application.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	log  *slog.Logger
	m    *metrics.Metrics

	limiter         *ratelimit.TokenBucket
	maxMessageBytes int64
	idleTimeout     time.Duration
	pingInterval    time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) ID() string { return c.id }

// Send marshals and writes one message. Writes are serialized and bounded
// by a deadline so one slow reader cannot wedge the hub.
func (c *client) Send(msg SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) run() {
	defer c.Close()

	c.conn.SetReadLimit(c.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})
	go c.pingLoop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// Rate limit *after* reading so bytes already in the TCP receive
		// buffer are consumed. Closing with unread data can turn into an
		// abortive close (RST) and the client never sees the close reason.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.m.Inc(metrics.DropReasonRateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := ParseSignalMessage(data)
		if err != nil {
			// Malformed payloads are dropped, not fatal: the relay is a
			// forwarding fabric and one bad message must not kill the call.
			c.m.Inc(metrics.DropReasonBadMessage)
			c.log.Debug("dropping malformed signal", "participant", c.id, "err", err)
			continue
		}

		switch msg.Type {
		case MessageTypeJoin:
			if err := c.hub.Join(msg.RoomID, c); err != nil {
				c.handleJoinError(msg.RoomID, err)
			}
		case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
			c.hub.Relay(msg, c)
		default:
			c.m.Inc(metrics.DropReasonBadMessage)
			c.log.Debug("dropping unexpected signal type", "participant", c.id, "type", string(msg.Type))
		}
	}
}

func (c *client) handleJoinError(roomID string, err error) {
	switch {
	case errors.Is(err, ErrRoomFull):
		c.m.Inc(metrics.DropReasonRoomFull)
		_ = c.Send(SignalMessage{
			Type:    MessageTypeError,
			RoomID:  roomID,
			Code:    "room_full",
			Message: "room is full",
		})
	case errors.Is(err, ErrTooManyRooms):
		c.m.Inc(metrics.DropReasonTooManyRooms)
		_ = c.Send(SignalMessage{
			Type:    MessageTypeError,
			RoomID:  roomID,
			Code:    "too_many_rooms",
			Message: "too many rooms",
		})
	default:
		c.log.Warn("join failed", "participant", c.id, "room", roomID, "err", err)
	}
}

func (c *client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) fail(code, message string, closeCode int, closeReason string) {
	_ = c.Send(SignalMessage{
		Type:    MessageTypeError,
		Code:    code,
		Message: message,
	})
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, closeReason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
}

func (c *client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.Leave(c)
		_ = c.conn.Close()
	})
}
