package engine

import (
	"context"
	"maps"

	"github.com/carecoord/caresync/internal/unread"
)

// UnreadBadge follows the engine-wide unread chat count.
type UnreadBadge struct {
	e  *Engine
	id int
}

// Unread registers onChange, which runs on the loop with every new
// aggregate, and returns the badge handle.
func (e *Engine) Unread(onChange func(unread.Aggregate)) (*UnreadBadge, error) {
	b := &UnreadBadge{e: e}
	err := e.do(func() {
		b.id = e.nextWatcherId
		e.nextWatcherId++
		if onChange != nil {
			e.unreadWatch[b.id] = onChange
		}
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *UnreadBadge) Aggregate() unread.Aggregate {
	return b.e.unreadAggregate()
}

// MarkRead marks a conversation read without opening it.
func (b *UnreadBadge) MarkRead(ctx context.Context, conversationId string) error {
	return b.e.do(func() { b.e.unread.MarkRead(ctx, conversationId) })
}

func (b *UnreadBadge) Close() {
	b.e.do(func() { delete(b.e.unreadWatch, b.id) })
}

func (e *Engine) unreadAggregate() unread.Aggregate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	agg := e.aggregate
	agg.PerConversation = maps.Clone(agg.PerConversation)
	return agg
}
