package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/carecoord/caresync/internal/optimistic"
	"github.com/carecoord/caresync/internal/presence"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/store"
	"github.com/carecoord/caresync/internal/types"
)

type ConversationList struct {
	*feed[types.Conversation]
}

func (e *Engine) ConversationList(opts ViewOptions) (*ConversationList, error) {
	l := &ConversationList{feed: &feed[types.Conversation]{
		e:        e,
		topic:    realtime.ConversationsTopic(),
		store:    store.New[types.Conversation](),
		load:     e.opts.Backend.ListConversations,
		onChange: opts.OnChange,
	}}
	if err := openFeed(e, l.feed); err != nil {
		return nil, err
	}
	return l, nil
}

// Conversations returns the list with the most recent activity first.
func (l *ConversationList) Conversations() []types.Conversation {
	convs := l.items()
	slices.SortStableFunc(convs, func(a, b types.Conversation) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
	return convs
}

// Unread returns the badge count of one conversation.
func (l *ConversationList) Unread(conversationId string) int {
	return l.e.unreadAggregate().PerConversation[conversationId]
}

func (l *ConversationList) Close() {
	l.e.do(l.close)
}

// ChatThread is an open conversation: its messages, who is typing, and
// the read marker that keeps it out of the unread badge.
type ChatThread struct {
	*feed[types.ChatMessage]
	conversationId string
	presence       *presence.Tracker

	pageMu  sync.Mutex
	cursor  string
	hasMore bool

	typingMu sync.RWMutex
	typing   []presence.Entry
}

func (e *Engine) ChatThread(conversationId string, opts ViewOptions) (*ChatThread, error) {
	s := store.New[types.ChatMessage]()
	self := e.opts.Self.Id
	th := &ChatThread{conversationId: conversationId}

	topic := realtime.ChatMessagesTopic(conversationId)
	th.presence = presence.New(presence.Config{
		Topic:      topic,
		Publisher:  e.reg,
		Self:       e.opts.Self,
		SessionKey: e.opts.SessionKey,
		Clock:      e.opts.Clock,
		TypingTTL:  e.opts.TypingTTL,
		Post:       e.loop.Post,
		Log:        e.log,
		OnChange:   func() { th.publishTyping(opts.OnChange) },
	})

	th.feed = &feed[types.ChatMessage]{
		e:     e,
		topic: topic,
		store: s,
		tracker: newTracker(e, s, opts,
			func(m types.ChatMessage) string { return m.ConversationId },
			func(m types.ChatMessage) bool { return m.SenderId == self },
		),
		load:     th.loadLatest,
		extra:    th.presence.Handle,
		onChange: opts.OnChange,
	}

	err := e.do(func() {
		th.feed.open()
		e.unread.SetActive(conversationId)
		e.unread.MarkRead(e.ctx, conversationId)
	})
	if err != nil {
		return nil, err
	}
	return th, nil
}

func (th *ChatThread) loadLatest(ctx context.Context) ([]types.ChatMessage, error) {
	page, err := th.e.opts.Backend.ListChatMessages(ctx, th.conversationId, "")
	if err != nil {
		return nil, err
	}
	th.pageMu.Lock()
	th.cursor, th.hasMore = page.Cursor, page.HasMore
	th.pageMu.Unlock()
	return page.Messages, nil
}

// Messages returns the thread without soft-deleted messages.
func (th *ChatThread) Messages() []types.ChatMessage {
	return store.VisibleMessages(th.items())
}

func (th *ChatThread) HasMore() bool {
	th.pageMu.Lock()
	defer th.pageMu.Unlock()
	return th.hasMore
}

// LoadOlder fetches the next older page and merges it into the thread.
func (th *ChatThread) LoadOlder(ctx context.Context) error {
	th.pageMu.Lock()
	cursor, more := th.cursor, th.hasMore
	th.pageMu.Unlock()
	if !more {
		return nil
	}

	page, err := th.e.opts.Backend.ListChatMessages(ctx, th.conversationId, cursor)
	if err != nil {
		return err
	}

	th.pageMu.Lock()
	th.cursor, th.hasMore = page.Cursor, page.HasMore
	th.pageMu.Unlock()

	return th.e.do(func() {
		merged := page.Messages
		for _, m := range th.store.List() {
			if !types.IsTempId(m.Id) {
				merged = append(merged, m)
			}
		}
		th.store.Load(merged)
	})
}

// Send shows the message at once and returns its temp id.
func (th *ChatThread) Send(ctx context.Context, content string) (string, error) {
	e := th.e
	var tempId string
	err := e.do(func() {
		tempId = th.tracker.Submit(ctx, optimistic.Mutation[types.ChatMessage]{
			Build: func(id string) types.ChatMessage {
				now := e.opts.Clock.Now().UTC()
				return types.ChatMessage{
					Id:             id,
					ConversationId: th.conversationId,
					SenderId:       e.opts.Self.Id,
					Content:        content,
					MessageType:    types.MessageText,
					CreatedAt:      now,
					UpdatedAt:      now,
				}
			},
			Send: func(ctx context.Context) (types.ChatMessage, bool, error) {
				return e.opts.Backend.SendChatMessage(ctx, th.conversationId, content)
			},
		})
	})
	return tempId, err
}

func (th *ChatThread) Edit(ctx context.Context, messageId, content string) error {
	backend := th.e.opts.Backend
	var perr error
	err := th.e.do(func() {
		perr = th.tracker.Patch(ctx, messageId, func(m types.ChatMessage) types.ChatMessage {
			m.Content = content
			m.IsEdited = true
			return m
		}, func(ctx context.Context, _ types.ChatMessage) (types.ChatMessage, bool, error) {
			msg, err := backend.EditChatMessage(ctx, th.conversationId, messageId, content)
			return msg, err == nil && msg.Id != "", err
		})
	})
	if err != nil {
		return err
	}
	return perr
}

// SetTyping publishes the local user's typing flag to the thread.
func (th *ChatThread) SetTyping(ctx context.Context, typing bool) error {
	var terr error
	if err := th.e.do(func() { terr = th.presence.Track(ctx, typing) }); err != nil {
		return err
	}
	return terr
}

// Typing returns the other users currently typing.
func (th *ChatThread) Typing() []presence.Entry {
	th.typingMu.RLock()
	defer th.typingMu.RUnlock()
	return slices.Clone(th.typing)
}

func (th *ChatThread) publishTyping(onChange func()) {
	typing := th.presence.Typing()
	th.typingMu.Lock()
	th.typing = typing
	th.typingMu.Unlock()
	if onChange != nil {
		onChange()
	}
}

func (th *ChatThread) Close() {
	th.e.do(func() {
		th.close()
		th.presence.Close()
		if th.e.unread.Active() == th.conversationId {
			th.e.unread.SetActive("")
		}
	})
}
