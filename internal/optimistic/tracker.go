// Package optimistic applies local mutations to a store before the
// backend confirms them and reconciles them once it does.
package optimistic

import (
	"context"
	"log"

	"github.com/carecoord/caresync/internal/stats"
	"github.com/carecoord/caresync/internal/store"
	"github.com/carecoord/caresync/internal/types"
)

// Mutation creates one record optimistically.
type Mutation[T types.Record] struct {
	// Build returns the placeholder shown until the backend answers.
	Build func(tempId string) T
	// Send performs the request. confirmed reports whether rec is the
	// stored record; endpoints that answer without it leave the
	// placeholder until the change stream delivers the insert.
	Send func(ctx context.Context) (rec T, confirmed bool, err error)
	// OnError overrides the tracker's error callback for this mutation.
	OnError func(*MutationError)
}

type Config[T types.Record] struct {
	Store *store.Store[T]
	// Scope returns the parent a record belongs to (issue id for issue
	// messages, conversation id for chat messages). Nil means the whole
	// kind is one scope.
	Scope func(T) string
	// Mine reports whether rec was written by the local user. Inserts by
	// others never replace placeholders. Nil treats every record as mine.
	Mine func(T) bool
	// Post runs f on the engine loop; Go runs a request off it.
	Post    func(f func())
	Go      func(f func())
	Log     *log.Logger
	Stats   stats.StatsProvider
	OnError func(*MutationError)
}

// Tracker owns the temp entries of one store. Every method must be called
// from the engine loop; request goroutines post their results back.
type Tracker[T types.Record] struct {
	cfg      Config[T]
	inflight map[string]struct{}
	patches  map[string]int
	patching int
	closed   bool
}

func New[T types.Record](cfg Config[T]) *Tracker[T] {
	if cfg.Scope == nil {
		cfg.Scope = func(T) string { return "" }
	}
	if cfg.Post == nil {
		cfg.Post = func(f func()) { f() }
	}
	if cfg.Go == nil {
		cfg.Go = func(f func()) { go f() }
	}
	return &Tracker[T]{
		cfg:      cfg,
		inflight: make(map[string]struct{}),
		patches:  make(map[string]int),
	}
}

// Submit shows m's placeholder at once and sends the request in the
// background. It returns the placeholder's temp id.
func (t *Tracker[T]) Submit(ctx context.Context, m Mutation[T]) string {
	tempId := types.NewTempId()
	placeholder := m.Build(tempId)
	if t.closed {
		return tempId
	}

	t.cfg.Store.Insert(placeholder)
	t.inflight[tempId] = struct{}{}
	t.incr()

	t.cfg.Go(func() {
		rec, confirmed, err := m.Send(ctx)
		t.cfg.Post(func() {
			t.complete(tempId, placeholder, rec, confirmed, err, m.OnError)
		})
	})
	return tempId
}

func (t *Tracker[T]) complete(tempId string, placeholder, rec T, confirmed bool, err error, onError func(*MutationError)) {
	if t.closed {
		return
	}
	delete(t.inflight, tempId)
	t.decr()

	if err != nil {
		t.cfg.Store.Remove(tempId)
		t.logf("mutation %s rolled back: %v", tempId, err)
		t.report(onError, &MutationError{TempId: tempId, Placeholder: placeholder, Err: err})
		return
	}
	if !confirmed {
		return
	}

	if t.cfg.Store.Has(tempId) {
		t.cfg.Store.Replace(tempId, rec)
	} else {
		// the placeholder was already unified with a change event
		t.cfg.Store.Insert(rec)
	}
}

// Reconcile unifies a confirmed insert from the change stream with the
// placeholders of its scope: they are dropped and rec is appended.
func (t *Tracker[T]) Reconcile(rec T) {
	if t.closed || types.IsTempId(rec.GetId()) {
		return
	}
	if t.cfg.Mine != nil && !t.cfg.Mine(rec) {
		t.cfg.Store.Insert(rec)
		return
	}
	scope := t.cfg.Scope(rec)
	t.cfg.Store.Batch(func() {
		t.cfg.Store.RemoveWhere(func(e T) bool {
			return types.IsTempId(e.GetId()) && t.cfg.Scope(e) == scope
		})
		t.cfg.Store.Insert(rec)
	})
}

// DropSettled removes placeholders whose request already succeeded. It is
// meant to follow a snapshot reload, which carries their confirmed rows.
func (t *Tracker[T]) DropSettled() int {
	if t.closed {
		return 0
	}
	return t.cfg.Store.RemoveWhere(func(e T) bool {
		if !types.IsTempId(e.GetId()) {
			return false
		}
		_, pending := t.inflight[e.GetId()]
		return !pending
	})
}

// Patch applies a field change to an existing record at once and sends it
// in the background. A failed request restores the previous record unless
// a newer patch of the same record was issued meanwhile.
func (t *Tracker[T]) Patch(ctx context.Context, id string, apply func(T) T, send func(ctx context.Context, next T) (T, bool, error)) error {
	if t.closed {
		return nil
	}
	prev, ok := t.cfg.Store.Get(id)
	if !ok {
		return &MutationError{RecordId: id, Err: ErrUnknownRecord}
	}
	next := apply(prev)
	t.cfg.Store.Upsert(next)

	t.patches[id]++
	seq := t.patches[id]
	t.patching++
	t.incr()

	t.cfg.Go(func() {
		rec, confirmed, err := send(ctx, next)
		t.cfg.Post(func() {
			t.completePatch(id, seq, prev, next, rec, confirmed, err)
		})
	})
	return nil
}

func (t *Tracker[T]) completePatch(id string, seq int, prev, next, rec T, confirmed bool, err error) {
	if t.closed {
		return
	}
	t.patching--
	t.decr()
	latest := t.patches[id] == seq
	if latest {
		delete(t.patches, id)
	}

	if err != nil {
		if latest {
			t.cfg.Store.Upsert(prev)
		}
		t.logf("patch of %s rolled back: %v", id, err)
		t.report(nil, &MutationError{RecordId: id, Placeholder: next, Err: err})
		return
	}
	if confirmed && latest {
		t.cfg.Store.Update(rec)
	}
}

// Pending returns how many requests have not answered yet.
func (t *Tracker[T]) Pending() int {
	return len(t.inflight) + t.patching
}

// Close discards every result that arrives afterwards.
func (t *Tracker[T]) Close() {
	if t.closed {
		return
	}
	t.closed = true
	for i := 0; i < t.Pending(); i++ {
		t.decr()
	}
	clear(t.inflight)
	clear(t.patches)
	t.patching = 0
}

func (t *Tracker[T]) report(onError func(*MutationError), err *MutationError) {
	if onError == nil {
		onError = t.cfg.OnError
	}
	if onError != nil {
		onError(err)
	}
}

func (t *Tracker[T]) incr() {
	if t.cfg.Stats != nil {
		t.cfg.Stats.Incr("PendingMutations")
	}
}

func (t *Tracker[T]) decr() {
	if t.cfg.Stats != nil {
		t.cfg.Stats.Decr("PendingMutations")
	}
}

func (t *Tracker[T]) logf(format string, args ...any) {
	if t.cfg.Log != nil {
		t.cfg.Log.Printf(format, args...)
	}
}
