package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/carecoord/caresync/internal/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one websocket connection to the relay.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	log  *log.Logger
	send chan *realtime.ServerMessage
	// topics is owned by the hub goroutine.
	topics   map[string]struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(conn *websocket.Conn, hub *Hub, l *log.Logger) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		hub:    hub,
		log:    l,
		send:   make(chan *realtime.ServerMessage, 256),
		topics: make(map[string]struct{}),
		stop:   make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.hub.deRegister(c)
		c.stopClient()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg realtime.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}
		if msg.Subscribe == nil && msg.Unsubscribe == nil && msg.Track == nil {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			continue
		}

		select {
		case c.hub.clientMsgChan <- &clientMessage{ClientMessage: &msg, client: c}:
		case <-c.stop:
			return
		default:
			c.log.Printf("clientMsgChan full, rejecting message from %s", c.id)
			c.queueMessage(ErrServiceUnavailable(msg.Id))
		}
	}
}

func (c *Client) queueMessage(msg *realtime.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *realtime.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
