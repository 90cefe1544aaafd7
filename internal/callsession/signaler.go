package callsession

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamloom/call-relay/internal/signaling"
)

// Signaler is the controller's view of the relay transport. Messages is
// closed when the transport drops; the controller maps that to
// ErrTransportDropped.
type Signaler interface {
	Send(msg signaling.SignalMessage) error
	Messages() <-chan signaling.SignalMessage
	Close() error
}

const signalerWriteWait = 5 * time.Second

// WSSignaler is the production Signaler over a relay WebSocket.
type WSSignaler struct {
	conn *websocket.Conn

	incoming chan signaling.SignalMessage
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialSignaler connects to a relay signaling endpoint
// (e.g. ws://host:port/signaling) and starts the read pump.
func DialSignaler(ctx context.Context, url string) (*WSSignaler, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	s := &WSSignaler{
		conn:     conn,
		incoming: make(chan signaling.SignalMessage, 32),
		done:     make(chan struct{}),
	}
	go s.readPump()
	return s, nil
}

func (s *WSSignaler) readPump() {
	defer close(s.incoming)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg signaling.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		// Close must be able to end the pump even when the consumer is gone
		// and the buffer is full.
		select {
		case s.incoming <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *WSSignaler) Send(msg signaling.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(signalerWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WSSignaler) Messages() <-chan signaling.SignalMessage {
	return s.incoming
}

func (s *WSSignaler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(signalerWriteWait),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
