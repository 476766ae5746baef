package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/stats"
	"github.com/lib/pq"
)

const pingInterval = 90 * time.Second

// Notifier is the part of *pq.Listener the change listener reads from.
type Notifier interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Publisher receives every decoded change; *relay.Hub implements it.
type Publisher interface {
	Publish(ctx context.Context, change *realtime.Change) error
}

// notification is the JSON payload the change trigger sends.
type notification struct {
	Topic     string             `json:"topic"`
	Type      realtime.EventType `json:"type"`
	Record    json.RawMessage    `json:"record"`
	OldRecord json.RawMessage    `json:"old_record"`
	Truncated bool               `json:"truncated"`
}

// ChangeListener forwards NOTIFY payloads from Postgres to the relay.
type ChangeListener struct {
	log       *log.Logger
	notifier  Notifier
	publisher Publisher
	stats     stats.StatsProvider
}

func NewChangeListener(logger *log.Logger, notifier Notifier, publisher Publisher, statsProvider stats.StatsProvider) *ChangeListener {
	statsProvider.RegisterMetric("DatabaseNotifications")
	return &ChangeListener{
		log:       logger,
		notifier:  notifier,
		publisher: publisher,
		stats:     statsProvider,
	}
}

// Run forwards notifications until ctx is done, then closes the notifier.
func (l *ChangeListener) Run(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if err := l.notifier.Close(); err != nil {
			l.log.Println("close listener:", err)
		}
	}()

	for {
		select {
		case n, ok := <-l.notifier.NotificationChannel():
			if !ok {
				return fmt.Errorf("notification channel closed")
			}
			if n == nil {
				// pq sends nil after re-establishing the connection; changes
				// made in between are lost, and clients refetch on resubscribe
				l.log.Println("listener reconnected")
				continue
			}
			l.forward(ctx, n)
		case <-ticker.C:
			if err := l.notifier.Ping(); err != nil {
				l.log.Println("listener ping:", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *ChangeListener) forward(ctx context.Context, n *pq.Notification) {
	change, err := decodeNotification(n.Extra)
	if err != nil {
		l.log.Printf("dropping notification on %q: %v", n.Channel, err)
		return
	}

	l.stats.Incr("DatabaseNotifications")
	if err := l.publisher.Publish(ctx, change); err != nil {
		l.log.Printf("publish %s on %q: %v", change.Type, change.Topic, err)
	}
}

func decodeNotification(payload string) (*realtime.Change, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	topic, err := realtime.ParseTopic(n.Topic)
	if err != nil {
		return nil, err
	}
	switch n.Type {
	case realtime.EventInsert, realtime.EventUpdate, realtime.EventDelete:
	default:
		return nil, fmt.Errorf("unknown change type %q", n.Type)
	}

	change := &realtime.Change{
		Topic:     topic.String(),
		Type:      n.Type,
		Record:    nullToEmpty(n.Record),
		OldRecord: nullToEmpty(n.OldRecord),
		Truncated: n.Truncated,
	}
	if len(change.Record) == 0 && len(change.OldRecord) == 0 {
		return nil, fmt.Errorf("change without record")
	}
	return change, nil
}

// nullToEmpty treats a JSON null row (OLD on insert, NEW on delete) as absent.
func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if string(raw) == "null" {
		return nil
	}
	return raw
}
