package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/stats"
	"github.com/carecoord/caresync/internal/types"
)

// Hub fans changes and presence out to the clients subscribed to each
// topic. All of its state is owned by the Run goroutine.
type Hub struct {
	log            *log.Logger
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	topics         map[string]*topic
	registerChan   chan *Client
	deRegisterChan chan *Client
	clientMsgChan  chan *clientMessage
	publishChan    chan *realtime.Change
	stop           chan struct{}
	done           chan struct{}
}

// clientMessage is an inbound frame together with the client it came from.
type clientMessage struct {
	*realtime.ClientMessage
	client *Client
}

func NewHub(logger *log.Logger, statsProvider stats.StatsProvider) *Hub {
	statsProvider.RegisterMetric("NumActiveClients")
	statsProvider.RegisterMetric("NumActiveTopics")
	statsProvider.RegisterMetric("ChangesPublished")

	return &Hub{
		log:            logger,
		stats:          statsProvider,
		clients:        make(map[*Client]struct{}),
		topics:         make(map[string]*topic),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		clientMsgChan:  make(chan *clientMessage, 256),
		publishChan:    make(chan *realtime.Change, 256),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.registerChan:
			h.log.Printf("adding connection %s", c.id)
			h.clients[c] = struct{}{}
			h.stats.Incr("NumActiveClients")
		case c := <-h.deRegisterChan:
			h.removeClient(c)
		case msg := <-h.clientMsgChan:
			h.handleClientMessage(msg)
		case change := <-h.publishChan:
			h.broadcastChange(change)
		case <-h.stop:
			h.log.Println("shutting down hub")
			for c := range h.clients {
				h.removeClient(c)
			}
			return
		}
	}
}

// Publish queues a change for every topic whose filter matches its record.
func (h *Hub) Publish(ctx context.Context, change *realtime.Change) error {
	select {
	case <-h.done:
		return errHubStopped
	default:
	}

	select {
	case h.publishChan <- change:
		return nil
	case <-h.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Shutdown(ctx context.Context) error {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.registerChan <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) deRegister(c *Client) {
	select {
	case h.deRegisterChan <- c:
	case <-h.done:
	}
}

func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.log.Printf("removing connection %s", c.id)
	delete(h.clients, c)
	h.stats.Decr("NumActiveClients")

	for name := range c.topics {
		if t, ok := h.topics[name]; ok {
			h.leave(t, c)
		}
	}
	c.stopClient()
}

func (h *Hub) handleClientMessage(msg *clientMessage) {
	if _, ok := h.clients[msg.client]; !ok {
		return
	}

	switch {
	case msg.Subscribe != nil:
		h.handleSubscribe(msg)
	case msg.Unsubscribe != nil:
		if t, ok := h.topics[msg.Unsubscribe.Topic]; ok {
			h.leave(t, msg.client)
		}
	case msg.Track != nil:
		h.handleTrack(msg)
	}
}

func (h *Hub) handleSubscribe(msg *clientMessage) {
	parsed, err := realtime.ParseTopic(msg.Subscribe.Topic)
	if err != nil {
		msg.client.queueMessage(ErrInvalidTopic(msg.Id, msg.Subscribe.Topic, err))
		return
	}
	if _, err := parseFilter(parsed.Filter); err != nil {
		msg.client.queueMessage(ErrInvalidTopic(msg.Id, msg.Subscribe.Topic, err))
		return
	}

	name := parsed.String()
	t, ok := h.topics[name]
	if !ok {
		t = newTopic(parsed)
		h.topics[name] = t
		h.stats.Incr("NumActiveTopics")
		h.log.Printf("opened topic %q", name)
	}
	t.addClient(msg.client)

	msg.client.queueMessage(NoErrOK(msg.Id, name))
	if len(t.presence) > 0 {
		msg.client.queueMessage(t.presenceMessage())
	}
}

func (h *Hub) handleTrack(msg *clientMessage) {
	t, ok := h.topics[msg.Track.Topic]
	if !ok || !t.hasClient(msg.client) {
		msg.client.queueMessage(ErrNotSubscribed(msg.Id, msg.Track.Topic))
		return
	}
	if msg.Track.SessionKey == "" {
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	t.track(msg.client, msg.Track.SessionKey, msg.Track.Payload)
	t.broadcast(t.presenceMessage())
}

func (h *Hub) leave(t *topic, c *Client) {
	hadPresence := t.removeClient(c)
	if len(t.clients) == 0 {
		delete(h.topics, t.name)
		h.stats.Decr("NumActiveTopics")
		h.log.Printf("closed topic %q", t.name)
		return
	}
	if hadPresence {
		t.broadcast(t.presenceMessage())
	}
}

func (h *Hub) broadcastChange(change *realtime.Change) {
	parsed, err := realtime.ParseTopic(change.Topic)
	if err != nil {
		h.log.Printf("dropping change: %v", err)
		return
	}
	h.stats.Incr("ChangesPublished")

	record := change.Record
	if len(record) == 0 {
		record = change.OldRecord
	}
	var fields map[string]any
	if len(record) > 0 {
		if err := json.Unmarshal(record, &fields); err != nil {
			h.log.Printf("dropping change on %q: %v", change.Topic, err)
			return
		}
	}

	for _, t := range h.topics {
		if t.parsed.Kind != parsed.Kind || !t.filter.matches(fields) {
			continue
		}
		t.broadcast(&realtime.ServerMessage{
			BaseMessage: realtime.BaseMessage{Timestamp: types.Now()},
			Change: &realtime.Change{
				Topic:     t.name,
				Type:      change.Type,
				Record:    change.Record,
				OldRecord: change.OldRecord,
				Truncated: change.Truncated,
			},
		})
	}
}

var errHubStopped = &ApiError{StatusCode: http.StatusServiceUnavailable, Message: "hub stopped"}
