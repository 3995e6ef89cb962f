package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	DefaultSendBuffer = 256
)

// Message is the wire form of an event sent to a websocket client
type Message struct {
	Type      types.EventType `json:"type"`
	Room      string          `json:"room,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Data      any             `json:"data,omitempty"`
}

// WSClient is a Client backed by a gorilla websocket connection
type WSClient struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan types.BroadcastEvent
	done   chan struct{}
	once   sync.Once
}

func NewWSClient(id, userID string, conn *websocket.Conn, buffer int) *WSClient {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &WSClient{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan types.BroadcastEvent, buffer),
		done:   make(chan struct{}),
	}
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) UserID() string {
	return c.userID
}

// Send queues an event without blocking. It returns false when the buffer is
// full or the client is closed.
func (c *WSClient) Send(event types.BroadcastEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *WSClient) Close() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed once the client is closed
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// ReadPump hands every inbound message to handle until the connection fails
// or the client is closed. The connection is closed on return.
func (c *WSClient) ReadPump(handle func(data []byte)) {
	defer func() {
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			return
		}
		handle(message)
	}
}

// WritePump writes queued events and keepalive pings to the connection
func (c *WSClient) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case event := <-c.send:
			data, err := json.Marshal(Message{
				Type:      event.Type,
				Room:      event.Room,
				RequestID: event.RequestID,
				Data:      event.Data,
			})
			if err != nil {
				log.Warn().Err(err).Str("type", string(event.Type)).Msg("unable to marshal event")
				continue
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("client_id", c.id).Msg("websocket write failed")
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
