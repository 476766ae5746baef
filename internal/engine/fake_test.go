package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/carecoord/caresync/internal/api"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/types"
)

type fakeTransport struct {
	mu   sync.Mutex
	subs []*fakeSub
}

func (f *fakeTransport) Subscribe(topic realtime.Topic, h realtime.Handler) (realtime.Subscription, error) {
	s := &fakeSub{topic: topic, h: h}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()

	h.Lifecycle(realtime.SignalSubscribed, nil)
	return s, nil
}

// sub returns the newest channel opened for topic.
func (f *fakeTransport) sub(topic realtime.Topic) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.subs) - 1; i >= 0; i-- {
		if f.subs[i].topic == topic {
			return f.subs[i]
		}
	}
	return nil
}

func (f *fakeTransport) count(topic realtime.Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s.topic == topic {
			n++
		}
	}
	return n
}

type fakeSub struct {
	topic realtime.Topic
	h     realtime.Handler

	mu      sync.Mutex
	closed  bool
	tracked []realtime.PresencePayload
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) Track(p realtime.PresencePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.tracked = append(s.tracked, p)
	return nil
}

func (s *fakeSub) trackedPayloads() []realtime.PresencePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.PresencePayload(nil), s.tracked...)
}

func (s *fakeSub) emit(typ realtime.EventType, rec types.Record) {
	s.h.Event(realtime.Event{Type: typ, Topic: s.topic, Record: rec, Id: rec.GetId()})
}

// emitTruncated delivers a change whose row was too large to send.
func (s *fakeSub) emitTruncated(typ realtime.EventType, id string) {
	s.h.Event(realtime.Event{Type: typ, Topic: s.topic, Id: id, Partial: true})
}

func (s *fakeSub) fail() {
	s.h.Lifecycle(realtime.SignalError, errors.New("socket closed"))
}

type fakeBackend struct {
	mu sync.Mutex

	issues      map[types.IssueStatus][]types.Issue
	issueCalls  int
	blockIssue  chan struct{}
	createIssue func(api.NewIssue) (types.Issue, error)
	patches     []api.IssuePatch

	issueMessages []types.IssueMessage

	conversations []types.Conversation
	chatPage      api.MessagePage
	sent          []string
	markedRead    []string

	notifications []types.Notification
	readAllErr    error
	readAllCalls  int

	unread      api.UnreadCount
	unreadCalls int
	// tally, when set, replaces unread with a per-conversation count that
	// MarkConversationRead clears.
	tally map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{issues: make(map[types.IssueStatus][]types.Issue)}
}

func (b *fakeBackend) ListIssues(ctx context.Context, status types.IssueStatus) ([]types.Issue, error) {
	b.mu.Lock()
	b.issueCalls++
	block := b.blockIssue
	issues := append([]types.Issue(nil), b.issues[status]...)
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return issues, nil
}

func (b *fakeBackend) CreateIssue(_ context.Context, in api.NewIssue) (types.Issue, error) {
	b.mu.Lock()
	fn := b.createIssue
	b.mu.Unlock()
	if fn == nil {
		return types.Issue{}, errors.New("not implemented")
	}
	return fn(in)
}

func (b *fakeBackend) UpdateIssue(_ context.Context, id string, patch api.IssuePatch) (types.Issue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patches = append(b.patches, patch)
	issue := types.Issue{Id: id, Status: types.StatusOpen}
	if patch.Status != nil {
		issue.Status = *patch.Status
	}
	if patch.AssignedTo != nil {
		issue.AssignedTo = *patch.AssignedTo
	}
	return issue, nil
}

func (b *fakeBackend) ListIssueMessages(context.Context, string) ([]types.IssueMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.IssueMessage(nil), b.issueMessages...), nil
}

func (b *fakeBackend) CreateIssueMessage(_ context.Context, issueId, content string) (types.IssueMessage, error) {
	return types.IssueMessage{Id: "im-100", IssueId: issueId, SenderId: "u1", Content: content}, nil
}

func (b *fakeBackend) ListConversations(context.Context) ([]types.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Conversation(nil), b.conversations...), nil
}

func (b *fakeBackend) ListChatMessages(context.Context, string, string) (api.MessagePage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chatPage, nil
}

func (b *fakeBackend) SendChatMessage(_ context.Context, _, content string) (types.ChatMessage, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, content)
	return types.ChatMessage{}, false, nil
}

func (b *fakeBackend) EditChatMessage(_ context.Context, conv, id, content string) (types.ChatMessage, error) {
	return types.ChatMessage{Id: id, ConversationId: conv, Content: content, IsEdited: true}, nil
}

func (b *fakeBackend) ListNotifications(context.Context) ([]types.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Notification(nil), b.notifications...), nil
}

func (b *fakeBackend) MarkNotificationRead(context.Context, string) error {
	return nil
}

func (b *fakeBackend) MarkAllNotificationsRead(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readAllCalls++
	return b.readAllErr
}

func (b *fakeBackend) UnreadCount(context.Context) (api.UnreadCount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreadCalls++
	if b.tally == nil {
		return b.unread, nil
	}
	uc := api.UnreadCount{Conversations: make(map[string]int)}
	for conv, n := range b.tally {
		if n > 0 {
			uc.Count += n
			uc.Conversations[conv] = n
		}
	}
	return uc, nil
}

func (b *fakeBackend) MarkConversationRead(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markedRead = append(b.markedRead, id)
	if b.tally != nil {
		b.tally[id] = 0
	}
	return nil
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueCalls
}

func (b *fakeBackend) set(f func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b)
}

func (b *fakeBackend) get(f func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b)
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
