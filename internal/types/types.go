package types

import (
	"strings"
	"time"

	"github.com/teris-io/shortid"
)

// TempIdPrefix marks an id that has not been confirmed by the backend yet.
const TempIdPrefix = "temp-"

type Kind string

const (
	KindIssues        Kind = "issues"
	KindIssueMessages Kind = "issue_messages"
	KindChatMessages  Kind = "chat_messages"
	KindConversations Kind = "conversations"
	KindNotifications Kind = "notifications"
)

func (k Kind) Valid() bool {
	switch k {
	case KindIssues, KindIssueMessages, KindChatMessages, KindConversations, KindNotifications:
		return true
	}
	return false
}

// Record is implemented by every resource kept in a store.
type Record interface {
	GetId() string
	GetCreatedAt() time.Time
}

type IssueStatus string

const (
	StatusOpen       IssueStatus = "open"
	StatusInProgress IssueStatus = "in_progress"
	StatusResolved   IssueStatus = "resolved"
)

type Issue struct {
	Id          string      `json:"id"`
	PatientId   string      `json:"patient_id"`
	PatientName string      `json:"patient_name,omitempty"`
	IssueType   string      `json:"issue_type"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Status      IssueStatus `json:"status"`
	Priority    string      `json:"priority,omitempty"`
	AssignedTo  string      `json:"assigned_to,omitempty"`
	CreatedBy   string      `json:"created_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at,omitempty"`
}

func (i Issue) GetId() string           { return i.Id }
func (i Issue) GetCreatedAt() time.Time { return i.CreatedAt }

type IssueMessage struct {
	Id        string    `json:"id"`
	IssueId   string    `json:"issue_id"`
	SenderId  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (m IssueMessage) GetId() string           { return m.Id }
func (m IssueMessage) GetCreatedAt() time.Time { return m.CreatedAt }

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
)

type ChatMessage struct {
	Id             string      `json:"id"`
	ConversationId string      `json:"conversation_id"`
	SenderId       string      `json:"sender_id"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type,omitempty"`
	IsEdited       bool        `json:"is_edited"`
	IsDeleted      bool        `json:"is_deleted"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at,omitempty"`
}

func (m ChatMessage) GetId() string           { return m.Id }
func (m ChatMessage) GetCreatedAt() time.Time { return m.CreatedAt }

type Conversation struct {
	Id                 string    `json:"id"`
	Title              string    `json:"title,omitempty"`
	Participants       []string  `json:"participants,omitempty"`
	LastMessageAt      time.Time `json:"last_message_at,omitempty"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func (c Conversation) GetId() string           { return c.Id }
func (c Conversation) GetCreatedAt() time.Time { return c.CreatedAt }

type Notification struct {
	Id        string         `json:"id"`
	UserId    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
	IsRead    bool           `json:"is_read"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (n Notification) GetId() string           { return n.Id }
func (n Notification) GetCreatedAt() time.Time { return n.CreatedAt }

type User struct {
	Id       string `json:"id"`
	Username string `json:"username"`
}

// NewTempId returns a fresh placeholder id for an unconfirmed record.
func NewTempId() string {
	id, err := shortid.Generate()
	if err != nil {
		id = strings.ReplaceAll(time.Now().UTC().Format("150405.000000000"), ".", "")
	}
	return TempIdPrefix + id
}

func IsTempId(id string) bool {
	return strings.HasPrefix(id, TempIdPrefix)
}

// Now returns the current time truncated the way timestamps travel on the wire.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
