// Package presence keeps the ephemeral who-is-here and who-is-typing
// state of one topic.
package presence

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/carecoord/caresync/internal/clock"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/types"
)

const DefaultTypingTTL = 6 * time.Second

type Entry struct {
	SessionKey string
	User       types.User
	IsTyping   bool
	LastSeen   time.Time
}

// Publisher sends presence on a topic's channel; realtime.Registry
// implements it.
type Publisher interface {
	Track(topic realtime.Topic, payload realtime.PresencePayload) error
}

type Config struct {
	Topic      realtime.Topic
	Publisher  Publisher
	Self       types.User
	SessionKey string
	Clock      clock.Clock
	// TypingTTL hides typing flags not refreshed within it.
	TypingTTL time.Duration
	Post      func(f func())
	Log       *log.Logger
	OnChange  func()
}

// Tracker must only be used from the engine loop.
type Tracker struct {
	cfg     Config
	entries []Entry
	expiry  clock.Timer
	closed  bool
}

func New(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultTypingTTL
	}
	if cfg.Post == nil {
		cfg.Post = func(f func()) { f() }
	}
	return &Tracker{cfg: cfg}
}

// Track publishes the local user's presence.
func (t *Tracker) Track(ctx context.Context, isTyping bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.cfg.Publisher.Track(t.cfg.Topic, realtime.PresencePayload{
		User:     t.cfg.Self,
		IsTyping: isTyping,
		LastSeen: t.cfg.Clock.Now().UTC(),
	})
}

// Handle consumes presence frames of the topic and ignores the rest.
func (t *Tracker) Handle(ev realtime.Event) {
	if ev.Type == realtime.EventPresenceSync {
		t.Sync(ev.Presence)
	}
}

// Sync rebuilds the entries from the complete presence state. The local
// session is left out.
func (t *Tracker) Sync(state map[string][]realtime.PresencePayload) {
	if t.closed {
		return
	}

	entries := make([]Entry, 0, len(state))
	for key, metas := range state {
		if key == t.cfg.SessionKey || len(metas) == 0 {
			continue
		}
		// the newest meta of a session wins
		latest := metas[0]
		for _, m := range metas[1:] {
			if m.LastSeen.After(latest.LastSeen) {
				latest = m
			}
		}
		entries = append(entries, Entry{
			SessionKey: key,
			User:       latest.User,
			IsTyping:   latest.IsTyping,
			LastSeen:   latest.LastSeen,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].User.Username != entries[j].User.Username {
			return entries[i].User.Username < entries[j].User.Username
		}
		return entries[i].SessionKey < entries[j].SessionKey
	})

	t.entries = entries
	t.scheduleExpiry()
	t.changed()
}

// Present returns every other session on the topic.
func (t *Tracker) Present() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Typing returns the users currently typing, one entry per user.
func (t *Tracker) Typing() []Entry {
	now := t.cfg.Clock.Now()
	seen := make(map[string]struct{})
	var out []Entry
	for _, e := range t.entries {
		if !t.typing(e, now) {
			continue
		}
		if _, ok := seen[e.User.Id]; ok {
			continue
		}
		seen[e.User.Id] = struct{}{}
		out = append(out, e)
	}
	return out
}

func (t *Tracker) Close() {
	t.closed = true
	t.stopExpiry()
	t.entries = nil
}

func (t *Tracker) typing(e Entry, now time.Time) bool {
	return e.IsTyping && now.Sub(e.LastSeen) < t.cfg.TypingTTL
}

// scheduleExpiry arms one timer for the next typing flag to go stale so
// views refresh without waiting for another sync.
func (t *Tracker) scheduleExpiry() {
	t.stopExpiry()

	now := t.cfg.Clock.Now()
	var next time.Duration
	for _, e := range t.entries {
		if !t.typing(e, now) {
			continue
		}
		left := t.cfg.TypingTTL - now.Sub(e.LastSeen)
		if next == 0 || left < next {
			next = left
		}
	}
	if next == 0 {
		return
	}

	var timer clock.Timer
	timer = t.cfg.Clock.AfterFunc(next, func() {
		t.cfg.Post(func() {
			if t.closed || t.expiry != timer {
				return
			}
			t.expiry = nil
			t.scheduleExpiry()
			t.changed()
		})
	})
	t.expiry = timer
}

func (t *Tracker) stopExpiry() {
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
}

func (t *Tracker) changed() {
	if t.cfg.OnChange != nil {
		t.cfg.OnChange()
	}
}
