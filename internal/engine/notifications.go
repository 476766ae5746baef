package engine

import (
	"context"

	"github.com/carecoord/caresync/internal/optimistic"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/store"
	"github.com/carecoord/caresync/internal/types"
)

type NotificationTray struct {
	*feed[types.Notification]
	onError func(*optimistic.MutationError)
}

func (e *Engine) NotificationTray(opts ViewOptions) (*NotificationTray, error) {
	s := store.New[types.Notification]()
	tr := &NotificationTray{onError: opts.OnError, feed: &feed[types.Notification]{
		e:        e,
		topic:    realtime.NotificationsTopic(e.opts.Self.Id),
		store:    s,
		tracker:  newTracker(e, s, opts, nil, nil),
		load:     e.opts.Backend.ListNotifications,
		onChange: opts.OnChange,
	}}
	if err := openFeed(e, tr.feed); err != nil {
		return nil, err
	}
	return tr, nil
}

func (tr *NotificationTray) Notifications() []types.Notification {
	return tr.items()
}

func (tr *NotificationTray) UnreadCount() int {
	return store.UnreadNotifications(tr.items())
}

func (tr *NotificationTray) MarkRead(ctx context.Context, id string) error {
	backend := tr.e.opts.Backend
	var perr error
	err := tr.e.do(func() {
		perr = tr.tracker.Patch(ctx, id, markRead, func(ctx context.Context, _ types.Notification) (types.Notification, bool, error) {
			return types.Notification{}, false, backend.MarkNotificationRead(ctx, id)
		})
	})
	if err != nil {
		return err
	}
	return perr
}

// MarkAllRead marks the tray read at once with a single request. A
// failure reloads the tray from the backend.
func (tr *NotificationTray) MarkAllRead(ctx context.Context) error {
	e := tr.e
	return e.do(func() {
		tr.store.Batch(func() {
			for _, n := range tr.store.List() {
				if !n.IsRead {
					tr.store.Upsert(markRead(n))
				}
			}
		})

		e.loop.Go(func() {
			err := e.opts.Backend.MarkAllNotificationsRead(ctx)
			if err == nil {
				return
			}
			e.loop.Post(func() {
				if tr.closed {
					return
				}
				e.log.Printf("mark all notifications read: %v", err)
				tr.resync()
				if tr.onError != nil {
					tr.onError(&optimistic.MutationError{Err: err})
				}
			})
		})
	})
}

func (tr *NotificationTray) Close() {
	tr.e.do(tr.close)
}

func markRead(n types.Notification) types.Notification {
	n.IsRead = true
	return n
}
