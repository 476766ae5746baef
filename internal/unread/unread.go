// Package unread maintains the unread chat badge: counted optimistically
// from the change stream and corrected by the backend's tally.
package unread

import (
	"context"
	"log"
	"maps"
	"time"

	"github.com/carecoord/caresync/internal/api"
	"github.com/carecoord/caresync/internal/clock"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/types"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	// maxCounted bounds the set of message ids remembered for replay
	// detection.
	maxCounted = 10000
)

type Source interface {
	UnreadCount(ctx context.Context) (api.UnreadCount, error)
	MarkConversationRead(ctx context.Context, conversationId string) error
}

type Aggregate struct {
	Count           int
	PerConversation map[string]int
	LastSyncedAt    time.Time
}

type Config struct {
	// Self is the local user's id; their own messages never count.
	Self     string
	Source   Source
	Clock    clock.Clock
	Debounce time.Duration
	// Post runs f on the engine loop; Go runs a blocking call off it.
	Post     func(f func())
	Go       func(f func())
	Log      *log.Logger
	OnChange func(Aggregate)
}

// Counter must only be used from the engine loop.
type Counter struct {
	cfg    Config
	agg    Aggregate
	active string
	// readPending is a conversation to mark read before the next fetch.
	readPending string
	counted     map[string]struct{}
	timer       clock.Timer
	gen         int
	closed      bool
}

func New(cfg Config) *Counter {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Post == nil {
		cfg.Post = func(f func()) { f() }
	}
	if cfg.Go == nil {
		cfg.Go = func(f func()) { go f() }
	}
	return &Counter{
		cfg:     cfg,
		agg:     Aggregate{PerConversation: make(map[string]int)},
		counted: make(map[string]struct{}),
	}
}

func (c *Counter) Aggregate() Aggregate {
	agg := c.agg
	agg.PerConversation = maps.Clone(c.agg.PerConversation)
	return agg
}

// Handle counts chat message inserts and ignores every other event. An
// insert that arrived without its row only schedules a sync.
func (c *Counter) Handle(ev realtime.Event) {
	if ev.Type != realtime.EventInsert {
		return
	}
	if ev.Partial {
		if !c.closed {
			c.schedule()
		}
		return
	}
	if msg, ok := ev.Record.(types.ChatMessage); ok {
		c.Observe(msg)
	}
}

// Observe counts msg once if it is unread from the local user's point of
// view, then schedules a sync with the backend.
func (c *Counter) Observe(msg types.ChatMessage) {
	if c.closed || types.IsTempId(msg.Id) {
		return
	}
	if msg.SenderId == c.cfg.Self || msg.MessageType == types.MessageSystem {
		return
	}
	if _, ok := c.counted[msg.Id]; ok {
		return
	}
	if len(c.counted) >= maxCounted {
		clear(c.counted)
	}
	c.counted[msg.Id] = struct{}{}

	if msg.ConversationId == c.active {
		c.readPending = c.active
		c.schedule()
		return
	}
	c.agg.Count++
	c.agg.PerConversation[msg.ConversationId]++
	c.changed()
	c.schedule()
}

// SetActive records the conversation on screen. Its messages are read as
// they arrive, so they stop counting.
func (c *Counter) SetActive(conversationId string) {
	c.active = conversationId
	if n := c.agg.PerConversation[conversationId]; n > 0 {
		c.agg.Count = max(c.agg.Count-n, 0)
		delete(c.agg.PerConversation, conversationId)
		c.changed()
	}
}

func (c *Counter) Active() string {
	return c.active
}

// MarkRead clears conversationId locally, tells the backend and then
// resyncs with its tally.
func (c *Counter) MarkRead(ctx context.Context, conversationId string) {
	if c.closed {
		return
	}
	if n := c.agg.PerConversation[conversationId]; n > 0 {
		c.agg.Count = max(c.agg.Count-n, 0)
		delete(c.agg.PerConversation, conversationId)
		c.changed()
	}

	c.cfg.Go(func() {
		err := c.cfg.Source.MarkConversationRead(ctx, conversationId)
		c.cfg.Post(func() {
			if c.closed {
				return
			}
			if err != nil {
				c.logf("mark %s read: %v", conversationId, err)
			}
			c.Sync(ctx)
		})
	})
}

// Sync fetches the authoritative count now, superseding any pending
// debounced fetch. Messages that arrived in the open conversation are
// marked read first so the tally leaves them out.
func (c *Counter) Sync(ctx context.Context) {
	if c.closed {
		return
	}
	c.stopTimer()
	c.gen++
	gen := c.gen
	read := c.readPending
	c.readPending = ""

	c.cfg.Go(func() {
		var markErr error
		if read != "" {
			markErr = c.cfg.Source.MarkConversationRead(ctx, read)
		}
		uc, err := c.cfg.Source.UnreadCount(ctx)
		c.cfg.Post(func() {
			if markErr != nil && !c.closed {
				c.logf("mark %s read: %v", read, markErr)
			}
			c.apply(gen, uc, err, read)
		})
	})
}

func (c *Counter) Close() {
	c.closed = true
	c.stopTimer()
}

// schedule restarts the debounce window so a burst ends in one fetch.
func (c *Counter) schedule() {
	c.stopTimer()
	var timer clock.Timer
	timer = c.cfg.Clock.AfterFunc(c.cfg.Debounce, func() {
		c.cfg.Post(func() {
			if c.closed || c.timer != timer {
				return
			}
			c.timer = nil
			c.Sync(context.Background())
		})
	})
	c.timer = timer
}

// apply installs a fetched tally. marked is the conversation the fetch
// marked read beforehand, if any.
func (c *Counter) apply(gen int, uc api.UnreadCount, err error, marked string) {
	if c.closed || gen != c.gen {
		return
	}
	if err != nil {
		c.logf("unread count: %v", err)
		return
	}

	c.agg.Count = uc.Count
	// without a breakdown the old per-conversation numbers no longer add
	// up to the total
	c.agg.PerConversation = make(map[string]int, len(uc.Conversations))
	maps.Copy(c.agg.PerConversation, uc.Conversations)

	// the open conversation is read; a tally that still counts it is
	// marked once more unless this fetch just did so
	if n := c.agg.PerConversation[c.active]; c.active != "" && n > 0 {
		c.agg.Count = max(c.agg.Count-n, 0)
		delete(c.agg.PerConversation, c.active)
		if marked != c.active {
			c.readPending = c.active
			c.schedule()
		}
	}
	c.agg.LastSyncedAt = c.cfg.Clock.Now()
	c.changed()
}

func (c *Counter) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Counter) changed() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(c.Aggregate())
	}
}

func (c *Counter) logf(format string, args ...any) {
	if c.cfg.Log != nil {
		c.cfg.Log.Printf(format, args...)
	}
}
