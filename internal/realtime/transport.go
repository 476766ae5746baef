package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carecoord/caresync/internal/stats"
	"github.com/carecoord/caresync/internal/types"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	DefaultSubscribeTimeout = 10 * time.Second
)

type TransportConfig struct {
	URL              string
	Header           http.Header
	Dialer           *websocket.Dialer
	SubscribeTimeout time.Duration
	// SessionKey identifies this tab/process in presence state.
	SessionKey string
	Log        *log.Logger
	Stats      stats.StatsProvider
}

// Transport multiplexes every topic over one websocket to the relay.
// A dropped socket fails all its channels; the next Subscribe redials.
type Transport struct {
	cfg    TransportConfig
	dialMu sync.Mutex
	mu     sync.Mutex
	conn   *wsConn
	closed bool
	nextId atomic.Int64
}

func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if cfg.Log == nil {
		cfg.Log = log.New(log.Writer(), "[realtime] ", log.LstdFlags)
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) Subscribe(topic Topic, h Handler) (Subscription, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, &TransportError{Topic: topic, Err: ErrConnectionClosed}
	}

	sub := &wsSubscription{t: t, topic: topic, handler: h}
	go sub.open()
	return sub, nil
}

// Close drops the socket. Channels still open on it receive an error.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	c := t.conn
	t.mu.Unlock()

	if c != nil {
		c.shutdown(ErrConnectionClosed)
	}
	return nil
}

func (t *Transport) connect() (*wsConn, error) {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if t.conn != nil && !t.conn.dead {
		c := t.conn
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SubscribeTimeout)
	defer cancel()

	ws, _, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxMessageSize)

	c := &wsConn{
		t:       t,
		ws:      ws,
		send:    make(chan *ClientMessage, 256),
		stop:    make(chan struct{}),
		subs:    make(map[string]*wsSubscription),
		pending: make(map[int64]*wsSubscription),
	}

	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()

	t.cfg.Log.Printf("connected to %s", t.cfg.URL)
	go c.write()
	go c.read()
	return c, nil
}

type wsConn struct {
	t        *Transport
	ws       *websocket.Conn
	send     chan *ClientMessage
	stop     chan struct{}
	stopOnce sync.Once

	// guarded by t.mu
	subs    map[string]*wsSubscription
	pending map[int64]*wsSubscription
	dead    bool
}

func (c *wsConn) write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			raw, err := json.Marshal(msg)
			if err != nil {
				c.t.cfg.Log.Println("failed to serialize message:", err)
				continue
			}
			if !c.sendMessage(websocket.TextMessage, raw) {
				return
			}
		case <-c.stop:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *wsConn) sendMessage(msgType int, msg []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.t.cfg.Log.Printf("write message: %s", err)
		}
		return false
	}
	return true
}

func (c *wsConn) read() {
	var readErr error
	defer func() {
		c.shutdown(readErr)
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.t.cfg.Log.Printf("ws: read: %v", err)
			}
			readErr = err
			return
		}

		var msg ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.drop(&DataShapeError{Err: err})
			continue
		}

		switch {
		case msg.Response != nil:
			c.handleResponse(&msg)
		case msg.Change != nil:
			c.handleChange(msg.Change)
		case msg.Presence != nil:
			c.handlePresence(msg.Presence)
		}
	}
}

func (c *wsConn) handleResponse(msg *ServerMessage) {
	c.t.mu.Lock()
	sub, ok := c.pending[msg.Id]
	if ok {
		delete(c.pending, msg.Id)
		sub.stopTimer()
	}
	failed := ok && msg.Response.ResponseCode >= http.StatusMultipleChoices
	if failed && c.subs[sub.topic.String()] == sub {
		delete(c.subs, sub.topic.String())
	}
	c.t.mu.Unlock()

	if !ok {
		return
	}
	if failed {
		sub.handler.lifecycle(SignalError, &TransportError{Topic: sub.topic, Err: errors.New(msg.Response.Error)})
		return
	}
	sub.handler.lifecycle(SignalSubscribed, nil)
}

func (c *wsConn) handleChange(change *Change) {
	sub := c.lookup(change.Topic)
	if sub == nil {
		return
	}

	ev, err := DecodeChange(sub.topic, change)
	if err != nil {
		c.drop(err)
		return
	}
	sub.handler.event(ev)
}

func (c *wsConn) handlePresence(state *PresenceState) {
	sub := c.lookup(state.Topic)
	if sub == nil {
		return
	}
	sub.handler.event(Event{Type: EventPresenceSync, Topic: sub.topic, Presence: state.Sessions})
}

func (c *wsConn) lookup(topic string) *wsSubscription {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.subs[topic]
}

func (c *wsConn) drop(err error) {
	c.t.cfg.Log.Printf("dropping inbound event: %v", err)
	if c.t.cfg.Stats != nil {
		c.t.cfg.Stats.Incr("DroppedEvents")
	}
}

func (c *wsConn) queue(msg *ClientMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.stop:
		return false
	default:
		c.t.cfg.Log.Println("failed to queue message, send channel is full")
		return false
	}
}

// shutdown fails every channel on the connection exactly once.
func (c *wsConn) shutdown(cause error) {
	c.t.mu.Lock()
	if c.dead {
		c.t.mu.Unlock()
		return
	}
	c.dead = true
	subs := make([]*wsSubscription, 0, len(c.subs))
	for _, sub := range c.subs {
		sub.stopTimer()
		subs = append(subs, sub)
	}
	clear(c.subs)
	clear(c.pending)
	if c.t.conn == c {
		c.t.conn = nil
	}
	c.t.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })

	if cause == nil {
		cause = ErrConnectionClosed
	}
	for _, sub := range subs {
		sub.handler.lifecycle(SignalError, &TransportError{Topic: sub.topic, Err: cause})
	}
}

type wsSubscription struct {
	t       *Transport
	topic   Topic
	handler Handler

	// guarded by t.mu
	conn  *wsConn
	id    int64
	timer *time.Timer
	done  bool
}

func (s *wsSubscription) open() {
	c, err := s.t.connect()
	if err != nil {
		s.handler.lifecycle(SignalError, &TransportError{Topic: s.topic, Err: err})
		return
	}

	s.t.mu.Lock()
	if s.done {
		s.t.mu.Unlock()
		return
	}
	if c.dead {
		s.t.mu.Unlock()
		s.handler.lifecycle(SignalError, &TransportError{Topic: s.topic, Err: ErrConnectionClosed})
		return
	}
	s.conn = c
	s.id = s.t.nextId.Add(1)
	c.subs[s.topic.String()] = s
	c.pending[s.id] = s
	id := s.id
	s.timer = time.AfterFunc(s.t.cfg.SubscribeTimeout, func() { s.expire(id) })
	s.t.mu.Unlock()

	ok := c.queue(&ClientMessage{
		BaseMessage: BaseMessage{Id: id, Timestamp: types.Now()},
		Subscribe:   &Subscribe{Topic: s.topic.String()},
	})
	if !ok {
		s.fail(ErrConnectionClosed)
	}
}

func (s *wsSubscription) expire(id int64) {
	s.t.mu.Lock()
	c := s.conn
	if c == nil || c.pending[id] != s {
		s.t.mu.Unlock()
		return
	}
	delete(c.pending, id)
	if c.subs[s.topic.String()] == s {
		delete(c.subs, s.topic.String())
	}
	s.t.mu.Unlock()

	s.handler.lifecycle(SignalTimedOut, &TransportError{Topic: s.topic, Err: ErrSubscribeTimeout})
}

func (s *wsSubscription) fail(err error) {
	s.t.mu.Lock()
	c := s.conn
	if c == nil || s.done {
		s.t.mu.Unlock()
		return
	}
	delete(c.pending, s.id)
	if c.subs[s.topic.String()] == s {
		delete(c.subs, s.topic.String())
	}
	s.stopTimer()
	s.t.mu.Unlock()

	s.handler.lifecycle(SignalError, &TransportError{Topic: s.topic, Err: err})
}

func (s *wsSubscription) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *wsSubscription) Unsubscribe() error {
	s.t.mu.Lock()
	if s.done {
		s.t.mu.Unlock()
		return nil
	}
	s.done = true
	s.stopTimer()
	c := s.conn
	send := false
	if c != nil && !c.dead {
		delete(c.pending, s.id)
		// a subscription that timed out or failed may still be acked by
		// the relay later, so it is released too unless a newer one owns
		// the topic on this socket
		switch owner := c.subs[s.topic.String()]; owner {
		case s:
			delete(c.subs, s.topic.String())
			send = true
		case nil:
			send = s.id != 0
		}
	}
	s.t.mu.Unlock()

	if send {
		c.queue(&ClientMessage{
			BaseMessage: BaseMessage{Timestamp: types.Now()},
			Unsubscribe: &Unsubscribe{Topic: s.topic.String()},
		})
	}
	return nil
}

func (s *wsSubscription) Track(payload PresencePayload) error {
	s.t.mu.Lock()
	c := s.conn
	live := c != nil && !c.dead && !s.done
	s.t.mu.Unlock()

	if !live {
		return &TransportError{Topic: s.topic, Err: ErrConnectionClosed}
	}
	if !c.queue(&ClientMessage{
		BaseMessage: BaseMessage{Timestamp: types.Now()},
		Track: &Track{
			Topic:      s.topic.String(),
			SessionKey: s.t.cfg.SessionKey,
			Payload:    payload,
		},
	}) {
		return &TransportError{Topic: s.topic, Err: ErrConnectionClosed}
	}
	return nil
}
