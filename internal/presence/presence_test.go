package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carecoord/caresync/internal/clock"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/testutil"
	"github.com/carecoord/caresync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakePublisher struct {
	tracked []realtime.PresencePayload
	err     error
}

func (p *fakePublisher) Track(_ realtime.Topic, payload realtime.PresencePayload) error {
	if p.err != nil {
		return p.err
	}
	p.tracked = append(p.tracked, payload)
	return nil
}

var (
	self     = types.User{Id: "u1", Username: "nurse.kim"}
	chaplain = types.User{Id: "u2", Username: "chaplain.ortiz"}
	social   = types.User{Id: "u3", Username: "sw.banks"}
)

func newTestTracker(t *testing.T, clk clock.Clock, pub Publisher) (*Tracker, *int) {
	changes := 0
	tr := New(Config{
		Topic:      realtime.ChatMessagesTopic("conv-a"),
		Publisher:  pub,
		Self:       self,
		SessionKey: "tab-self",
		Clock:      clk,
		TypingTTL:  5 * time.Second,
		Post:       testutil.Inline,
		Log:        testutil.TestLogger(t),
		OnChange:   func() { changes++ },
	})
	return tr, &changes
}

func TestTracker_SyncExcludesSelf(t *testing.T) {
	clk := clock.Fake(epoch)
	tr, changes := newTestTracker(t, clk, &fakePublisher{})

	tr.Sync(map[string][]realtime.PresencePayload{
		"tab-self":  {{User: self, IsTyping: true, LastSeen: epoch}},
		"tab-other": {{User: chaplain, IsTyping: true, LastSeen: epoch}},
	})

	present := tr.Present()
	require.Len(t, present, 1)
	assert.Equal(t, "tab-other", present[0].SessionKey)

	typing := tr.Typing()
	require.Len(t, typing, 1)
	assert.Equal(t, chaplain, typing[0].User)
	assert.Equal(t, 1, *changes)
}

func TestTracker_SelfOnAnotherTabIsVisible(t *testing.T) {
	tr, _ := newTestTracker(t, clock.Fake(epoch), &fakePublisher{})

	tr.Sync(map[string][]realtime.PresencePayload{
		"tab-self":   {{User: self, IsTyping: true, LastSeen: epoch}},
		"tab-laptop": {{User: self, IsTyping: true, LastSeen: epoch}},
	})

	require.Len(t, tr.Typing(), 1, "expected only the local session to be excluded")
}

func TestTracker_SyncRebuildsFromFullState(t *testing.T) {
	tr, _ := newTestTracker(t, clock.Fake(epoch), &fakePublisher{})

	tr.Sync(map[string][]realtime.PresencePayload{
		"tab-2": {{User: chaplain, IsTyping: true, LastSeen: epoch}},
		"tab-3": {{User: social, IsTyping: true, LastSeen: epoch}},
	})
	require.Len(t, tr.Typing(), 2)

	// tab-3 left; the state no longer carries it
	tr.Sync(map[string][]realtime.PresencePayload{
		"tab-2": {{User: chaplain, IsTyping: false, LastSeen: epoch}},
	})
	assert.Empty(t, tr.Typing())
	assert.Len(t, tr.Present(), 1)
}

func TestTracker_NewestMetaWins(t *testing.T) {
	tr, _ := newTestTracker(t, clock.Fake(epoch), &fakePublisher{})

	tr.Sync(map[string][]realtime.PresencePayload{
		"tab-2": {
			{User: chaplain, IsTyping: true, LastSeen: epoch.Add(-time.Second)},
			{User: chaplain, IsTyping: false, LastSeen: epoch},
		},
	})
	assert.Empty(t, tr.Typing())
}

func TestTracker_TypingExpires(t *testing.T) {
	clk := clock.Fake(epoch)
	tr, changes := newTestTracker(t, clk, &fakePublisher{})

	tr.Sync(map[string][]realtime.PresencePayload{
		"tab-2": {{User: chaplain, IsTyping: true, LastSeen: epoch}},
		"tab-3": {{User: social, IsTyping: true, LastSeen: epoch.Add(2 * time.Second)}},
	})
	require.Len(t, tr.Typing(), 2)
	assert.Equal(t, 1, clk.Pending(), "expected a single expiry timer")

	clk.Advance(5 * time.Second)
	typing := tr.Typing()
	require.Len(t, typing, 1)
	assert.Equal(t, social, typing[0].User)
	assert.Equal(t, 2, *changes)

	clk.Advance(2 * time.Second)
	assert.Empty(t, tr.Typing())
	assert.Equal(t, 3, *changes)
	assert.Equal(t, 0, clk.Pending())
}

func TestTracker_Track(t *testing.T) {
	clk := clock.Fake(epoch)
	pub := &fakePublisher{}
	tr, _ := newTestTracker(t, clk, pub)

	require.NoError(t, tr.Track(context.Background(), true))
	require.Len(t, pub.tracked, 1)
	assert.Equal(t, self, pub.tracked[0].User)
	assert.True(t, pub.tracked[0].IsTyping)
	assert.Equal(t, epoch, pub.tracked[0].LastSeen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Track(ctx, false), context.Canceled)

	pub.err = errors.New("channel not subscribed")
	assert.Error(t, tr.Track(context.Background(), false))
}

func TestTracker_HandleIgnoresChanges(t *testing.T) {
	tr, changes := newTestTracker(t, clock.Fake(epoch), &fakePublisher{})

	tr.Handle(realtime.Event{Type: realtime.EventInsert, Id: "msg-1"})
	assert.Equal(t, 0, *changes)

	tr.Handle(realtime.Event{Type: realtime.EventPresenceSync, Presence: map[string][]realtime.PresencePayload{
		"tab-2": {{User: chaplain, LastSeen: epoch}},
	}})
	assert.Equal(t, 1, *changes)
}

func TestTracker_CloseStopsExpiry(t *testing.T) {
	clk := clock.Fake(epoch)
	tr, changes := newTestTracker(t, clk, &fakePublisher{})

	tr.Sync(map[string][]realtime.PresencePayload{
		"tab-2": {{User: chaplain, IsTyping: true, LastSeen: epoch}},
	})
	tr.Close()
	assert.Equal(t, 0, clk.Pending())

	tr.Sync(map[string][]realtime.PresencePayload{
		"tab-3": {{User: social, IsTyping: true, LastSeen: epoch}},
	})
	assert.Empty(t, tr.Present())
	assert.Equal(t, 1, *changes)
}
