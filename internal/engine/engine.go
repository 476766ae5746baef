// Package engine wires the stores, trackers and change-stream channels
// behind the dashboard's views. All state lives on one loop goroutine;
// view handles expose copies that are safe to read from anywhere.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/carecoord/caresync/internal/api"
	"github.com/carecoord/caresync/internal/clock"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/stats"
	"github.com/carecoord/caresync/internal/types"
	"github.com/carecoord/caresync/internal/unread"
)

// Backend is the collaborator REST surface; *api.Client implements it.
type Backend interface {
	ListIssues(ctx context.Context, status types.IssueStatus) ([]types.Issue, error)
	CreateIssue(ctx context.Context, in api.NewIssue) (types.Issue, error)
	UpdateIssue(ctx context.Context, id string, patch api.IssuePatch) (types.Issue, error)
	ListIssueMessages(ctx context.Context, issueId string) ([]types.IssueMessage, error)
	CreateIssueMessage(ctx context.Context, issueId, content string) (types.IssueMessage, error)
	ListConversations(ctx context.Context) ([]types.Conversation, error)
	ListChatMessages(ctx context.Context, conversationId, cursor string) (api.MessagePage, error)
	SendChatMessage(ctx context.Context, conversationId, content string) (types.ChatMessage, bool, error)
	EditChatMessage(ctx context.Context, conversationId, messageId, content string) (types.ChatMessage, error)
	ListNotifications(ctx context.Context) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	unread.Source
}

var _ Backend = (*api.Client)(nil)

type Options struct {
	Self       types.User
	SessionKey string
	Backend    Backend
	Transport  realtime.Subscriber
	Clock      clock.Clock
	Backoff    realtime.Backoff
	// UnreadDebounce and TypingTTL fall back to the package defaults.
	UnreadDebounce time.Duration
	TypingTTL      time.Duration
	Log            *log.Logger
	Stats          stats.StatsProvider
	OnConnectivity func(realtime.Connectivity)
}

type Engine struct {
	opts   Options
	log    *log.Logger
	loop   *Loop
	reg    *realtime.Registry
	ctx    context.Context
	cancel context.CancelFunc

	// loop-owned
	unread        *unread.Counter
	unreadCancel  func()
	unreadWatch   map[int]func(unread.Aggregate)
	nextWatcherId int

	mu           sync.RWMutex
	connectivity realtime.Connectivity
	aggregate    unread.Aggregate
	started      bool
	closed       bool
}

func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("engine: backend is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("engine: transport is required")
	}
	if opts.Self.Id == "" {
		return nil, fmt.Errorf("engine: local user id is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Log == nil {
		opts.Log = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	if opts.Stats != nil {
		for _, name := range []string{"ActiveChannels", "ReconnectAttempts", "DroppedEvents", "PendingMutations"} {
			opts.Stats.RegisterMetric(name)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:        opts,
		log:         opts.Log,
		loop:        NewLoop(opts.Log),
		ctx:         ctx,
		cancel:      cancel,
		unreadWatch: make(map[int]func(unread.Aggregate)),
	}

	e.reg = realtime.NewRegistry(realtime.RegistryConfig{
		Transport:      opts.Transport,
		Clock:          opts.Clock,
		Backoff:        opts.Backoff,
		Post:           e.loop.Post,
		Log:            opts.Log,
		Stats:          opts.Stats,
		OnConnectivity: e.setConnectivity,
	})

	e.unread = unread.New(unread.Config{
		Self:     opts.Self.Id,
		Source:   opts.Backend,
		Clock:    opts.Clock,
		Debounce: opts.UnreadDebounce,
		Post:     e.loop.Post,
		Go:       e.loop.Go,
		Log:      opts.Log,
		OnChange: e.setAggregate,
	})
	return e, nil
}

// Start runs the loop and opens the engine-wide unread channel.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go e.loop.Run()
	e.loop.Post(func() {
		e.unreadCancel = e.reg.Watch(realtime.AllChatMessagesTopic(), realtime.Watcher{
			Event:   e.unread.Handle,
			Recover: func() { e.unread.Sync(e.ctx) },
		})
		e.unread.Sync(e.ctx)
	})
}

// Close tears down every channel and timer and drops in-flight results.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	if started {
		e.loop.Do(func() {
			if e.unreadCancel != nil {
				e.unreadCancel()
			}
			e.unread.Close()
			e.reg.Close()
		})
	}
	e.cancel()
	if started {
		e.loop.Shutdown()
	}
}

func (e *Engine) Connectivity() realtime.Connectivity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connectivity
}

func (e *Engine) setConnectivity(c realtime.Connectivity) {
	e.mu.Lock()
	e.connectivity = c
	e.mu.Unlock()

	e.log.Printf("connectivity: %s", c)
	if e.opts.OnConnectivity != nil {
		e.opts.OnConnectivity(c)
	}
}

func (e *Engine) setAggregate(agg unread.Aggregate) {
	e.mu.Lock()
	e.aggregate = agg
	e.mu.Unlock()

	for _, fn := range e.unreadWatch {
		fn(agg)
	}
}

// do runs f on the loop, failing once the engine is closed.
func (e *Engine) do(f func()) error {
	e.mu.RLock()
	ok := e.started && !e.closed
	e.mu.RUnlock()
	if !ok || !e.loop.Do(f) {
		return ErrClosed
	}
	return nil
}

func (e *Engine) dropped(err error) {
	e.log.Printf("dropping event: %v", err)
	if e.opts.Stats != nil {
		e.opts.Stats.Incr("DroppedEvents")
	}
}
