package relay

import (
	"fmt"
	"strings"

	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/types"
)

// topic is one subscribed stream together with its presence state.
type topic struct {
	name     string
	parsed   realtime.Topic
	filter   filter
	clients  map[*Client]struct{}
	presence map[string]realtime.PresencePayload
	// sessions maps each client to the session keys it tracked here.
	sessions map[*Client]map[string]struct{}
}

func newTopic(parsed realtime.Topic) *topic {
	f, _ := parseFilter(parsed.Filter)
	return &topic{
		name:     parsed.String(),
		parsed:   parsed,
		filter:   f,
		clients:  make(map[*Client]struct{}),
		presence: make(map[string]realtime.PresencePayload),
		sessions: make(map[*Client]map[string]struct{}),
	}
}

func (t *topic) addClient(c *Client) {
	t.clients[c] = struct{}{}
	c.topics[t.name] = struct{}{}
}

func (t *topic) hasClient(c *Client) bool {
	_, ok := t.clients[c]
	return ok
}

// removeClient reports whether the client had presence on the topic.
func (t *topic) removeClient(c *Client) bool {
	delete(t.clients, c)
	delete(c.topics, t.name)

	keys, ok := t.sessions[c]
	if !ok {
		return false
	}
	for key := range keys {
		delete(t.presence, key)
	}
	delete(t.sessions, c)
	return true
}

func (t *topic) track(c *Client, sessionKey string, payload realtime.PresencePayload) {
	if t.sessions[c] == nil {
		t.sessions[c] = make(map[string]struct{})
	}
	t.sessions[c][sessionKey] = struct{}{}
	t.presence[sessionKey] = payload
}

func (t *topic) presenceMessage() *realtime.ServerMessage {
	sessions := make(map[string][]realtime.PresencePayload, len(t.presence))
	for key, p := range t.presence {
		sessions[key] = []realtime.PresencePayload{p}
	}
	return &realtime.ServerMessage{
		BaseMessage: realtime.BaseMessage{Timestamp: types.Now()},
		Presence:    &realtime.PresenceState{Topic: t.name, Sessions: sessions},
	}
}

func (t *topic) broadcast(msg *realtime.ServerMessage) {
	for c := range t.clients {
		c.queueMessage(msg)
	}
}

// filter is the row filter of a topic, "column=eq.value"; the zero value
// matches every row.
type filter struct {
	column string
	value  string
}

func parseFilter(s string) (filter, error) {
	if s == "" {
		return filter{}, nil
	}
	column, value, ok := strings.Cut(s, "=eq.")
	if !ok || column == "" || value == "" {
		return filter{}, fmt.Errorf("unsupported filter %q", s)
	}
	return filter{column: column, value: value}, nil
}

func (f filter) matches(fields map[string]any) bool {
	if f.column == "" {
		return true
	}
	v, ok := fields[f.column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.value
}
