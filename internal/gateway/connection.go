package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/crm-gateway/internal/stats"
	"github.com/npezzotti/crm-gateway/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

// Socket is the subset of *websocket.Conn a connection needs.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Connection is one live client session. It is owned by the Gateway that
// created it and is unusable after Disconnect.
type Connection struct {
	id          string
	gw          *Gateway
	log         *log.Logger
	socket      Socket
	identity    types.Identity
	connectedAt time.Time
	send        chan *types.OutboundMessage
	stop        chan struct{}
	closeOnce   sync.Once
}

func newConnection(id string, identity types.Identity, socket Socket, gw *Gateway) *Connection {
	return &Connection{
		id:          id,
		gw:          gw,
		log:         gw.log,
		socket:      socket,
		identity:    identity,
		connectedAt: types.Now(),
		send:        make(chan *types.OutboundMessage, sendQueueSize),
		stop:        make(chan struct{}),
	}
}

func (c *Connection) Id() string {
	return c.id
}

func (c *Connection) Identity() types.Identity {
	return c.identity
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Send queues msg for the write pump without blocking. A closed connection
// or a full queue drops the frame.
func (c *Connection) Send(msg *types.OutboundMessage) error {
	select {
	case <-c.stop:
		return fmt.Errorf("%w: connection %s closed", ErrTransport, c.id)
	default:
	}

	if !c.queueMessage(msg) {
		return fmt.Errorf("%w: send queue full for connection %s", ErrTransport, c.id)
	}
	return nil
}

func (c *Connection) queueMessage(msg *types.OutboundMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.gw.stats.Incr(stats.ClientEventsDropped)
		c.log.Printf("send queue full for connection %s, dropping %q", c.id, msg.Event)
		return false
	}

	return true
}

// sendError reports a rejected client event to this connection only.
func (c *Connection) sendError(event, reason string) {
	data, _ := json.Marshal(errorData{Event: event, Message: reason})
	c.queueMessage(&types.OutboundMessage{
		Event:     EventError,
		Data:      data,
		Timestamp: types.Now(),
	})
}

// close stops the write pump, which then closes the socket. It reports
// whether this call did the closing.
func (c *Connection) close() bool {
	closed := false
	c.closeOnce.Do(func() {
		close(c.stop)
		closed = true
	})
	return closed
}

func (c *Connection) write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.socket.Close()
		c.gw.wg.Done()
	}()

	for {
		select {
		case msg := <-c.send:
			raw, err := json.Marshal(msg)
			if err != nil {
				c.log.Printf("serialize %q for connection %s: %v", msg.Event, c.id, err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, raw) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Connection) read() {
	reason := "client closed"
	defer func() {
		c.gw.Disconnect(c, reason)
		c.gw.wg.Done()
	}()

	c.socket.SetReadLimit(maxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read from %s: %v", c.id, err)
			}
			reason = err.Error()
			return
		}

		var msg types.InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			c.gw.stats.Incr(stats.ClientEventsDropped)
			c.log.Printf("connection %s: %v: invalid frame", c.id, ErrMalformedEvent)
			c.sendError("", "invalid message format")
			continue
		}

		c.gw.HandleClientEvent(c, msg.Event, msg.Data)
	}
}

func (c *Connection) sendMessage(msgType int, msg []byte) bool {
	c.socket.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.socket.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message to %s: %s", c.id, err)
		}
		return false
	}

	return true
}
