package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/carecoord/caresync/internal/optimistic"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/store"
	"github.com/carecoord/caresync/internal/types"
)

var ErrClosed = errors.New("engine closed")

// feed keeps one store in step with its topic: it loads a REST snapshot,
// applies change events and reloads after the channel recovers. Events
// arriving while a snapshot loads are held and replayed on top of it.
type feed[T types.Record] struct {
	e        *Engine
	topic    realtime.Topic
	store    *store.Store[T]
	tracker  *optimistic.Tracker[T]
	load     func(ctx context.Context) ([]T, error)
	extra    func(realtime.Event)
	onChange func()

	// loop-owned
	ready    bool
	buffered []realtime.Event
	gen      int
	cancel   func()
	unlisten func()
	closed   bool

	mu       sync.RWMutex
	snapshot []T
	focused  *T
	loaded   bool
	err      error
}

func (f *feed[T]) open() {
	f.unlisten = f.store.OnChange(f.publish)
	f.cancel = f.e.reg.Watch(f.topic, realtime.Watcher{Event: f.handle, Recover: f.resync})
	f.resync()
}

func (f *feed[T]) resync() {
	if f.closed {
		return
	}
	f.ready = false
	f.gen++
	gen := f.gen

	f.e.loop.Go(func() {
		recs, err := f.load(f.e.ctx)
		f.e.loop.Post(func() { f.loadDone(gen, recs, err) })
	})
}

func (f *feed[T]) loadDone(gen int, recs []T, err error) {
	if f.closed || gen != f.gen {
		return
	}

	f.store.Batch(func() {
		if err != nil {
			f.e.log.Printf("load %s: %v", f.topic, err)
		} else {
			f.store.Load(recs)
			if f.tracker != nil {
				f.tracker.DropSettled()
			}
		}
		for _, ev := range f.buffered {
			f.apply(ev)
		}
	})
	f.buffered = nil
	f.ready = true

	f.mu.Lock()
	f.err = err
	f.loaded = f.loaded || err == nil
	f.mu.Unlock()
	f.publish()
}

func (f *feed[T]) handle(ev realtime.Event) {
	if f.closed {
		return
	}
	if f.extra != nil {
		f.extra(ev)
	}
	if ev.Type == realtime.EventPresenceSync {
		return
	}
	if ev.Partial {
		// the row was too large to travel; refetch the snapshot
		f.resync()
		return
	}
	if !f.ready {
		f.buffered = append(f.buffered, ev)
		return
	}
	f.apply(ev)
}

func (f *feed[T]) apply(ev realtime.Event) {
	if ev.Type == realtime.EventDelete {
		f.store.Remove(ev.Id)
		return
	}

	rec, ok := ev.Record.(T)
	if !ok {
		f.e.dropped(&realtime.DataShapeError{Kind: f.topic.Kind, Err: fmt.Errorf("unexpected record %T", ev.Record)})
		return
	}
	switch ev.Type {
	case realtime.EventInsert:
		if f.tracker != nil {
			f.tracker.Reconcile(rec)
		} else {
			f.store.Insert(rec)
		}
	case realtime.EventUpdate:
		f.store.Update(rec)
	}
}

func (f *feed[T]) publish() {
	items := f.store.List()
	focused, ok := f.store.Focused()

	f.mu.Lock()
	f.snapshot = items
	f.focused = nil
	if ok {
		f.focused = &focused
	}
	f.mu.Unlock()

	if f.onChange != nil && !f.closed {
		f.onChange()
	}
}

func (f *feed[T]) close() {
	if f.closed {
		return
	}
	f.closed = true
	if f.cancel != nil {
		f.cancel()
	}
	if f.unlisten != nil {
		f.unlisten()
	}
	if f.tracker != nil {
		f.tracker.Close()
	}
}

func (f *feed[T]) items() []T {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.snapshot)
}

func (f *feed[T]) focusedItem() (T, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.focused == nil {
		var zero T
		return zero, false
	}
	return *f.focused, true
}

// Loaded reports whether a snapshot has been applied at least once.
func (f *feed[T]) Loaded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loaded
}

// Err returns the error of the last snapshot load, if it failed.
func (f *feed[T]) Err() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

// ViewOptions are the callbacks of a view handle. Both run on the engine
// loop: they may read the handle but must not call its actions.
type ViewOptions struct {
	OnChange func()
	// OnError reports a rolled back optimistic action.
	OnError func(*optimistic.MutationError)
}

func newTracker[T types.Record](e *Engine, s *store.Store[T], opts ViewOptions, scope func(T) string, mine func(T) bool) *optimistic.Tracker[T] {
	return optimistic.New(optimistic.Config[T]{
		Store:   s,
		Scope:   scope,
		Mine:    mine,
		Post:    e.loop.Post,
		Go:      e.loop.Go,
		Log:     e.log,
		Stats:   e.opts.Stats,
		OnError: opts.OnError,
	})
}

// openFeed starts f on the loop.
func openFeed[T types.Record](e *Engine, f *feed[T]) error {
	return e.do(f.open)
}
