package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/stats"
	"github.com/carecoord/caresync/internal/testutil"
	"github.com/carecoord/caresync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	return NewHub(testutil.TestLogger(t), stats.NewPermissiveMock())
}

// newTestClient adds a connectionless client to h.
func newTestClient(t *testing.T, h *Hub) *Client {
	c := &Client{
		id:     t.Name(),
		hub:    h,
		log:    testutil.TestLogger(t),
		send:   make(chan *realtime.ServerMessage, 16),
		topics: make(map[string]struct{}),
		stop:   make(chan struct{}),
	}
	h.clients[c] = struct{}{}
	return c
}

func recv(t *testing.T, c *Client) *realtime.ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	default:
		t.Fatal("expected a queued message")
		return nil
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message: %+v", msg)
	default:
	}
}

func subscribe(h *Hub, c *Client, id int64, topic string) {
	h.handleClientMessage(&clientMessage{
		ClientMessage: &realtime.ClientMessage{
			BaseMessage: realtime.BaseMessage{Id: id},
			Subscribe:   &realtime.Subscribe{Topic: topic},
		},
		client: c,
	})
}

func track(h *Hub, c *Client, topic, sessionKey string, user types.User, typing bool) {
	h.handleClientMessage(&clientMessage{
		ClientMessage: &realtime.ClientMessage{
			Track: &realtime.Track{
				Topic:      topic,
				SessionKey: sessionKey,
				Payload:    realtime.PresencePayload{User: user, IsTyping: typing},
			},
		},
		client: c,
	})
}

func TestNewHub(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", "NumActiveClients").Once()
	su.On("RegisterMetric", "NumActiveTopics").Once()
	su.On("RegisterMetric", "ChangesPublished").Once()

	h := NewHub(testutil.TestLogger(t), su)
	assert.NotNil(t, h.clients, "expected clients map to be initialized")
	assert.NotNil(t, h.topics, "expected topics map to be initialized")
	assert.NotNil(t, h.publishChan, "expected publishChan to be initialized")
}

func TestHubSubscribe(t *testing.T) {
	su := stats.NewPermissiveMock()
	h := NewHub(testutil.TestLogger(t), su)
	a := newTestClient(t, h)
	b := newTestClient(t, h)

	subscribe(h, a, 1, "chat_messages:conversation_id=eq.c-1")
	subscribe(h, b, 7, "chat_messages:conversation_id=eq.c-1")

	for id, c := range map[int64]*Client{1: a, 7: b} {
		msg := recv(t, c)
		require.NotNil(t, msg.Response)
		assert.Equal(t, id, msg.Id)
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
		assert.Equal(t, "chat_messages:conversation_id=eq.c-1", msg.Response.Topic)
	}

	assert.Len(t, h.topics, 1)
	su.AssertNumberOfCalls(t, "Incr", 1)
}

func TestHubSubscribeInvalid(t *testing.T) {
	tcases := []struct {
		name  string
		topic string
	}{
		{"unknown kind", "rooms"},
		{"unsupported filter", "chat_messages:conversation_id=gt.5"},
		{"empty value", "issues:status=eq."},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHub(t)
			c := newTestClient(t, h)

			subscribe(h, c, 3, tc.topic)

			msg := recv(t, c)
			require.NotNil(t, msg.Response)
			assert.Equal(t, int64(3), msg.Id)
			assert.Equal(t, http.StatusBadRequest, msg.Response.ResponseCode)
			assert.NotEmpty(t, msg.Response.Error)
			assert.Empty(t, h.topics)
		})
	}
}

func TestHubBroadcastChange(t *testing.T) {
	h := newTestHub(t)
	c1 := newTestClient(t, h)
	c2 := newTestClient(t, h)
	all := newTestClient(t, h)
	issues := newTestClient(t, h)

	subscribe(h, c1, 1, "chat_messages:conversation_id=eq.c-1")
	subscribe(h, c2, 1, "chat_messages:conversation_id=eq.c-2")
	subscribe(h, all, 1, "chat_messages")
	subscribe(h, issues, 1, "issues")
	for _, c := range []*Client{c1, c2, all, issues} {
		recv(t, c)
	}

	record := json.RawMessage(`{"id":"m-1","conversation_id":"c-1","sender_id":"u2","content":"hi"}`)
	h.broadcastChange(&realtime.Change{Topic: "chat_messages", Type: realtime.EventInsert, Record: record})

	msg := recv(t, c1)
	require.NotNil(t, msg.Change)
	assert.Equal(t, "chat_messages:conversation_id=eq.c-1", msg.Change.Topic)
	assert.Equal(t, realtime.EventInsert, msg.Change.Type)
	assert.JSONEq(t, string(record), string(msg.Change.Record))

	msg = recv(t, all)
	require.NotNil(t, msg.Change)
	assert.Equal(t, "chat_messages", msg.Change.Topic)

	assertNoMessage(t, c2)
	assertNoMessage(t, issues)
}

func TestHubBroadcastDeleteUsesOldRecord(t *testing.T) {
	h := newTestHub(t)
	c := newTestClient(t, h)
	subscribe(h, c, 1, "issue_messages:issue_id=eq.iss-1")
	recv(t, c)

	h.broadcastChange(&realtime.Change{
		Topic:     "issue_messages",
		Type:      realtime.EventDelete,
		OldRecord: json.RawMessage(`{"id":"im-1","issue_id":"iss-1"}`),
	})

	msg := recv(t, c)
	require.NotNil(t, msg.Change)
	assert.Equal(t, realtime.EventDelete, msg.Change.Type)
}

func TestHubBroadcastTruncatedChange(t *testing.T) {
	h := newTestHub(t)
	c1 := newTestClient(t, h)
	c2 := newTestClient(t, h)
	subscribe(h, c1, 1, "chat_messages:conversation_id=eq.c-1")
	subscribe(h, c2, 1, "chat_messages:conversation_id=eq.c-2")
	recv(t, c1)
	recv(t, c2)

	h.broadcastChange(&realtime.Change{
		Topic:     "chat_messages",
		Type:      realtime.EventInsert,
		Record:    json.RawMessage(`{"id":"m-9","conversation_id":"c-1"}`),
		Truncated: true,
	})

	msg := recv(t, c1)
	require.NotNil(t, msg.Change)
	assert.True(t, msg.Change.Truncated, "expected the truncation flag to reach subscribers")
	assertNoMessage(t, c2)
}

func TestHubPresence(t *testing.T) {
	h := newTestHub(t)
	a := newTestClient(t, h)
	b := newTestClient(t, h)
	topic := "chat_messages:conversation_id=eq.c-1"
	nurse := types.User{Id: "u1", Username: "nurse.kim"}

	subscribe(h, a, 1, topic)
	subscribe(h, b, 1, topic)
	recv(t, a)
	recv(t, b)

	track(h, a, topic, "sess-a", nurse, true)
	for _, c := range []*Client{a, b} {
		msg := recv(t, c)
		require.NotNil(t, msg.Presence)
		assert.Equal(t, topic, msg.Presence.Topic)
		require.Len(t, msg.Presence.Sessions["sess-a"], 1)
		assert.True(t, msg.Presence.Sessions["sess-a"][0].IsTyping)
	}

	// a late subscriber gets the current state after its ack
	late := newTestClient(t, h)
	subscribe(h, late, 2, topic)
	assert.NotNil(t, recv(t, late).Response)
	assert.Contains(t, recv(t, late).Presence.Sessions, "sess-a")

	// leaving drops the session for everyone else
	h.removeClient(a)
	for _, c := range []*Client{b, late} {
		msg := recv(t, c)
		require.NotNil(t, msg.Presence)
		assert.Empty(t, msg.Presence.Sessions)
	}
	select {
	case <-a.stop:
	default:
		t.Error("expected removed client to be stopped")
	}
}

func TestHubTrackRequiresSubscription(t *testing.T) {
	h := newTestHub(t)
	c := newTestClient(t, h)

	track(h, c, "chat_messages:conversation_id=eq.c-1", "sess", types.User{Id: "u1"}, false)

	msg := recv(t, c)
	require.NotNil(t, msg.Response)
	assert.Equal(t, http.StatusNotFound, msg.Response.ResponseCode)
}

func TestHubUnsubscribeClosesTopic(t *testing.T) {
	su := stats.NewPermissiveMock()
	h := NewHub(testutil.TestLogger(t), su)
	c := newTestClient(t, h)

	subscribe(h, c, 1, "issues")
	recv(t, c)

	h.handleClientMessage(&clientMessage{
		ClientMessage: &realtime.ClientMessage{Unsubscribe: &realtime.Unsubscribe{Topic: "issues"}},
		client:        c,
	})

	assert.Empty(t, h.topics)
	assert.Empty(t, c.topics)
	su.AssertCalled(t, "Decr", "NumActiveTopics")
}

func TestHubIgnoresUnknownClients(t *testing.T) {
	h := newTestHub(t)
	c := &Client{send: make(chan *realtime.ServerMessage, 1), topics: make(map[string]struct{})}

	subscribe(h, c, 1, "issues")
	assert.Empty(t, h.topics)
	assertNoMessage(t, c)
}

func TestHubRunAndShutdown(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", "NumActiveClients").Once()
	su.On("Decr", "NumActiveClients").Once()

	h := NewHub(testutil.TestLogger(t), su)
	go h.Run()

	c := &Client{
		id:     "c1",
		hub:    h,
		send:   make(chan *realtime.ServerMessage, 1),
		topics: make(map[string]struct{}),
		stop:   make(chan struct{}),
	}
	require.True(t, h.register(c))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	require.NoError(t, h.Shutdown(ctx), "expected a second shutdown to be a no-op")

	select {
	case <-c.stop:
	default:
		t.Error("expected client to be stopped on shutdown")
	}
	su.AssertExpectations(t)

	err := h.Publish(ctx, &realtime.Change{Topic: "issues"})
	assert.ErrorIs(t, err, errHubStopped)
	assert.False(t, h.register(c))
}

func TestParseFilter(t *testing.T) {
	tcases := []struct {
		in     string
		want   filter
		fields map[string]any
		match  bool
		err    bool
	}{
		{in: "", want: filter{}, fields: nil, match: true},
		{in: "user_id=eq.u1", want: filter{"user_id", "u1"}, fields: map[string]any{"user_id": "u1"}, match: true},
		{in: "user_id=eq.u1", want: filter{"user_id", "u1"}, fields: map[string]any{"user_id": "u2"}, match: false},
		{in: "user_id=eq.u1", want: filter{"user_id", "u1"}, fields: map[string]any{}, match: false},
		{in: "seq=eq.5", want: filter{"seq", "5"}, fields: map[string]any{"seq": float64(5)}, match: true},
		{in: "user_id", err: true},
		{in: "=eq.u1", err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			f, err := parseFilter(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, f)
			assert.Equal(t, tc.match, f.matches(tc.fields))
		})
	}
}
