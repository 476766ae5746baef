// Package store keeps the single in-memory collection for one resource
// kind. A Store is not safe for concurrent use; the engine only touches
// it from its event loop.
package store

import (
	"slices"
	"sort"

	"github.com/carecoord/caresync/internal/types"
)

type Op int

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Change is an inbound mutation for a store. Id is only consulted for
// deletes, where the record may carry nothing but its key.
type Change[T types.Record] struct {
	Op     Op
	Record T
	Id     string
}

func (c Change[T]) id() string {
	if c.Id != "" {
		return c.Id
	}
	return c.Record.GetId()
}

type Option[T types.Record] func(*Store[T])

// WithRetain installs a view rule: records failing keep are evicted on
// insert or update.
func WithRetain[T types.Record](keep func(T) bool) Option[T] {
	return func(s *Store[T]) { s.retain = keep }
}

// WithMerge controls how an update is folded into the existing entry.
// The default replaces the entry with the incoming record.
func WithMerge[T types.Record](merge func(existing, incoming T) T) Option[T] {
	return func(s *Store[T]) { s.merge = merge }
}

type Store[T types.Record] struct {
	items     []T
	index     map[string]int
	retain    func(T) bool
	merge     func(existing, incoming T) T
	focusId   string
	focused   *T
	listeners map[int]func()
	nextId    int
	batching  int
	dirty     bool
}

func New[T types.Record](opts ...Option[T]) *Store[T] {
	s := &Store[T]{
		index:     make(map[string]int),
		listeners: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply folds a change into the collection. Every branch is an upsert or
// removal, so replaying a change leaves the store as it was.
func (s *Store[T]) Apply(c Change[T]) bool {
	switch c.Op {
	case OpInsert:
		return s.Insert(c.Record)
	case OpUpdate:
		return s.Update(c.Record)
	case OpDelete:
		return s.Remove(c.id())
	}
	return false
}

// Insert appends rec unless an entry with the same id already exists.
func (s *Store[T]) Insert(rec T) bool {
	if _, ok := s.index[rec.GetId()]; ok {
		return false
	}
	if !s.keep(rec) {
		return false
	}

	s.index[rec.GetId()] = len(s.items)
	s.items = append(s.items, rec)
	s.notify()
	return true
}

// Update merges rec into the existing entry, inserting it when absent.
// The focused record is refreshed even if the view rule evicts it.
func (s *Store[T]) Update(rec T) bool {
	id := rec.GetId()
	pos, ok := s.index[id]
	if ok {
		rec = s.mergeInto(s.items[pos], rec)
	} else if s.focused != nil && s.focusId == id {
		rec = s.mergeInto(*s.focused, rec)
	}

	if s.focusId == id {
		snapshot := rec
		s.focused = &snapshot
	}

	if !s.keep(rec) {
		if ok {
			s.removeAt(pos)
		}
		s.notify()
		return ok
	}

	if ok {
		s.items[pos] = rec
	} else {
		s.index[id] = len(s.items)
		s.items = append(s.items, rec)
	}
	s.notify()
	return true
}

// Upsert is an update that never merges with an older entry.
func (s *Store[T]) Upsert(rec T) bool {
	if pos, ok := s.index[rec.GetId()]; ok {
		if !s.keep(rec) {
			s.removeAt(pos)
		} else {
			s.items[pos] = rec
		}
		s.notify()
		return true
	}
	return s.Insert(rec)
}

func (s *Store[T]) Remove(id string) bool {
	pos, ok := s.index[id]
	if !ok {
		return false
	}
	s.removeAt(pos)
	s.notify()
	return true
}

// RemoveWhere drops every entry matching pred and returns how many went.
func (s *Store[T]) RemoveWhere(pred func(T) bool) int {
	before := len(s.items)
	s.items = slices.DeleteFunc(s.items, pred)
	removed := before - len(s.items)
	if removed > 0 {
		s.reindex()
		s.notify()
	}
	return removed
}

// Replace swaps the entry stored under oldId for rec, keeping its
// position. If rec's id is already present the old entry is only removed.
func (s *Store[T]) Replace(oldId string, rec T) bool {
	pos, ok := s.index[oldId]
	if !ok {
		return s.Upsert(rec)
	}
	if existing, dup := s.index[rec.GetId()]; dup && existing != pos {
		s.items[existing] = rec
		s.removeAt(pos)
		s.notify()
		return true
	}
	if !s.keep(rec) {
		s.removeAt(pos)
		s.notify()
		return true
	}

	delete(s.index, oldId)
	s.items[pos] = rec
	s.index[rec.GetId()] = pos
	if s.focusId == oldId {
		s.focusId = rec.GetId()
		snapshot := rec
		s.focused = &snapshot
	}
	s.notify()
	return true
}

// Load replaces the collection with a server snapshot. Unconfirmed temp
// entries survive so a refetch never drops pending optimistic state.
func (s *Store[T]) Load(recs []T) {
	var pending []T
	for _, rec := range s.items {
		if types.IsTempId(rec.GetId()) {
			pending = append(pending, rec)
		}
	}

	items := make([]T, 0, len(recs)+len(pending))
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if _, ok := seen[rec.GetId()]; ok || !s.keep(rec) {
			continue
		}
		seen[rec.GetId()] = struct{}{}
		items = append(items, rec)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].GetCreatedAt().Before(items[j].GetCreatedAt())
	})

	s.items = append(items, pending...)
	s.reindex()
	if s.focusId != "" {
		if pos, ok := s.index[s.focusId]; ok {
			snapshot := s.items[pos]
			s.focused = &snapshot
		}
	}
	s.notify()
}

func (s *Store[T]) Get(id string) (T, bool) {
	if pos, ok := s.index[id]; ok {
		return s.items[pos], true
	}
	var zero T
	return zero, false
}

func (s *Store[T]) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// List returns a copy of the collection in display order.
func (s *Store[T]) List() []T {
	return slices.Clone(s.items)
}

func (s *Store[T]) Len() int {
	return len(s.items)
}

// Focus marks id as the record shown in a detail panel. Updates to it are
// tracked even after the view rule evicts it from the collection.
func (s *Store[T]) Focus(id string) {
	s.focusId = id
	s.focused = nil
	if pos, ok := s.index[id]; ok {
		snapshot := s.items[pos]
		s.focused = &snapshot
	}
}

func (s *Store[T]) Focused() (T, bool) {
	if s.focused == nil {
		var zero T
		return zero, false
	}
	return *s.focused, true
}

// OnChange registers fn to run after every mutation and returns a func
// that unregisters it.
func (s *Store[T]) OnChange(fn func()) func() {
	id := s.nextId
	s.nextId++
	s.listeners[id] = fn
	return func() { delete(s.listeners, id) }
}

// Batch runs fn with change notifications held back, then notifies once
// if anything changed.
func (s *Store[T]) Batch(fn func()) {
	s.batching++
	defer func() {
		s.batching--
		if s.batching == 0 && s.dirty {
			s.dirty = false
			s.notify()
		}
	}()
	fn()
}

func (s *Store[T]) keep(rec T) bool {
	return s.retain == nil || s.retain(rec)
}

func (s *Store[T]) mergeInto(existing, incoming T) T {
	if s.merge == nil {
		return incoming
	}
	return s.merge(existing, incoming)
}

func (s *Store[T]) removeAt(pos int) {
	rec := s.items[pos]
	s.items = slices.Delete(s.items, pos, pos+1)
	delete(s.index, rec.GetId())
	for i := pos; i < len(s.items); i++ {
		s.index[s.items[i].GetId()] = i
	}
}

func (s *Store[T]) reindex() {
	clear(s.index)
	for i, rec := range s.items {
		s.index[rec.GetId()] = i
	}
}

func (s *Store[T]) notify() {
	if s.batching > 0 {
		s.dirty = true
		return
	}
	for _, fn := range s.listeners {
		fn()
	}
}
