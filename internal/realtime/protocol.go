package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/carecoord/caresync/internal/types"
)

// Topic is one change-notification stream: a resource kind narrowed by an
// optional row filter such as "conversation_id=eq.c-1".
type Topic struct {
	Kind   types.Kind
	Filter string
}

func (t Topic) String() string {
	if t.Filter == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.Filter
}

func ParseTopic(s string) (Topic, error) {
	kind, filter, _ := strings.Cut(s, ":")
	t := Topic{Kind: types.Kind(kind), Filter: filter}
	if !t.Kind.Valid() {
		return Topic{}, fmt.Errorf("unknown resource kind %q", kind)
	}
	return t, nil
}

// Eq builds the equality filter used by scoped topics.
func Eq(column, value string) string {
	return column + "=eq." + value
}

func IssuesTopic() Topic {
	return Topic{Kind: types.KindIssues}
}

func IssueMessagesTopic(issueId string) Topic {
	return Topic{Kind: types.KindIssueMessages, Filter: Eq("issue_id", issueId)}
}

func ConversationsTopic() Topic {
	return Topic{Kind: types.KindConversations}
}

func ChatMessagesTopic(conversationId string) Topic {
	return Topic{Kind: types.KindChatMessages, Filter: Eq("conversation_id", conversationId)}
}

// AllChatMessagesTopic carries messages of every conversation the user
// can see; the unread counter listens here.
func AllChatMessagesTopic() Topic {
	return Topic{Kind: types.KindChatMessages}
}

func NotificationsTopic(userId string) Topic {
	return Topic{Kind: types.KindNotifications, Filter: Eq("user_id", userId)}
}

type EventType string

const (
	EventInsert       EventType = "INSERT"
	EventUpdate       EventType = "UPDATE"
	EventDelete       EventType = "DELETE"
	EventPresenceSync EventType = "PRESENCE_SYNC"
)

// Event is a validated inbound change. Record holds the concrete record
// type of the topic's kind (types.Issue, types.ChatMessage, ...).
type Event struct {
	Type   EventType
	Topic  Topic
	Record types.Record
	Id     string
	// Partial is set when the row was too large to travel; Record is nil
	// and the receiver refetches.
	Partial  bool
	Presence map[string][]PresencePayload
}

type Signal int

const (
	SignalSubscribed Signal = iota + 1
	SignalError
	SignalTimedOut
	SignalClosed
)

func (s Signal) String() string {
	switch s {
	case SignalSubscribed:
		return "subscribed"
	case SignalError:
		return "error"
	case SignalTimedOut:
		return "timed_out"
	case SignalClosed:
		return "closed"
	}
	return "unknown"
}

// Handler receives what a channel emits. Either func may be nil.
type Handler struct {
	Event     func(Event)
	Lifecycle func(Signal, error)
}

func (h Handler) event(e Event) {
	if h.Event != nil {
		h.Event(e)
	}
}

func (h Handler) lifecycle(sig Signal, err error) {
	if h.Lifecycle != nil {
		h.Lifecycle(sig, err)
	}
}

// Subscriber opens channels. Subscribe returns at once; the outcome is
// reported later through the handler's Lifecycle func.
type Subscriber interface {
	Subscribe(topic Topic, h Handler) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
	Track(payload PresencePayload) error
}

// Wire messages. Clients send ClientMessage, the relay answers with
// ServerMessage; Id correlates a request with its Response.

type BaseMessage struct {
	Id        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
	Track       *Track       `json:"track,omitempty"`
}

type Subscribe struct {
	Topic string `json:"topic"`
}

type Unsubscribe struct {
	Topic string `json:"topic"`
}

type Track struct {
	Topic      string          `json:"topic"`
	SessionKey string          `json:"session_key"`
	Payload    PresencePayload `json:"payload"`
}

type PresencePayload struct {
	User     types.User `json:"user"`
	IsTyping bool       `json:"is_typing"`
	LastSeen time.Time  `json:"last_seen"`
}

type ServerMessage struct {
	BaseMessage
	Response *Response      `json:"response,omitempty"`
	Change   *Change        `json:"change,omitempty"`
	Presence *PresenceState `json:"presence,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Topic        string `json:"topic,omitempty"`
	Error        string `json:"error,omitempty"`
}

type Change struct {
	Topic     string          `json:"topic"`
	Type      EventType       `json:"type"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
	// Truncated marks a change whose records carry only the key and
	// filter columns.
	Truncated bool `json:"truncated,omitempty"`
}

// PresenceState is the complete presence of a topic keyed by session.
type PresenceState struct {
	Topic    string                       `json:"topic"`
	Sessions map[string][]PresencePayload `json:"sessions"`
}
