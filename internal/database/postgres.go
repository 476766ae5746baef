package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/carecoord/caresync/internal/types"
	"github.com/lib/pq"
)

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute

	// maxNotifyPayload is the largest payload NOTIFY accepts. Past it the
	// trigger sends only the key and filter columns.
	maxNotifyPayload = 7999
)

// PgChangeSource owns the connections used to watch the backend tables.
type PgChangeSource struct {
	conn     *sql.DB
	listener *pq.Listener
	channel  string
}

func NewPgChangeSource(dsn, channel string, logger *log.Logger) (*PgChangeSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	listener := pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Printf("listener event %d: %v", ev, err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		db.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	return &PgChangeSource{conn: db, listener: listener, channel: channel}, nil
}

// Listener returns the notifier to hand to a ChangeListener.
func (s *PgChangeSource) Listener() *pq.Listener {
	return s.listener
}

// InstallTriggers creates the notify function and a trigger on each
// resource table. It is idempotent.
func (s *PgChangeSource) InstallTriggers(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, rowKeyFunctionSQL); err != nil {
		return fmt.Errorf("create row key function: %w", err)
	}
	if _, err := tx.ExecContext(ctx, notifyFunctionSQL(s.channel)); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}
	for _, r := range resources {
		if _, err := tx.ExecContext(ctx, triggerSQL(string(r.kind), r.filterColumns...)); err != nil {
			return fmt.Errorf("create trigger on %s: %w", r.kind, err)
		}
	}
	return tx.Commit()
}

func (s *PgChangeSource) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// resources lists the watched tables with the columns topics filter on.
// They survive truncation so the relay can still route the change.
var resources = []struct {
	kind          types.Kind
	filterColumns []string
}{
	{kind: types.KindIssues},
	{kind: types.KindIssueMessages, filterColumns: []string{"issue_id"}},
	{kind: types.KindChatMessages, filterColumns: []string{"conversation_id"}},
	{kind: types.KindConversations},
	{kind: types.KindNotifications, filterColumns: []string{"user_id"}},
}

// rowKeyFunctionSQL reduces a row to its id plus the given columns.
const rowKeyFunctionSQL = `CREATE OR REPLACE FUNCTION caresync_row_key(r json, cols text[]) RETURNS json AS $$
	SELECT CASE WHEN r IS NULL THEN NULL ELSE
		(SELECT json_object_agg(k, r->k) FROM unnest(array_prepend('id', cols)) AS k)
	END
$$ LANGUAGE sql IMMUTABLE`

func notifyFunctionSQL(channel string) string {
	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION caresync_notify_change() RETURNS trigger AS $$
DECLARE
	new_row json := CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END;
	old_row json := CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END;
	payload text;
BEGIN
	payload := json_build_object(
		'topic', TG_TABLE_NAME,
		'type', TG_OP,
		'record', new_row,
		'old_record', old_row
	)::text;
	IF octet_length(payload) > %[2]d THEN
		payload := json_build_object(
			'topic', TG_TABLE_NAME,
			'type', TG_OP,
			'record', caresync_row_key(new_row, TG_ARGV),
			'old_record', caresync_row_key(old_row, TG_ARGV),
			'truncated', true
		)::text;
	END IF;
	PERFORM pg_notify(%[1]s, payload);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`, pq.QuoteLiteral(channel), maxNotifyPayload)
}

func triggerSQL(table string, filterColumns ...string) string {
	name := pq.QuoteIdentifier("caresync_notify_" + table)
	args := make([]string, len(filterColumns))
	for i, col := range filterColumns {
		args[i] = pq.QuoteLiteral(col)
	}
	return fmt.Sprintf(`DROP TRIGGER IF EXISTS %[1]s ON %[2]s;
CREATE TRIGGER %[1]s AFTER INSERT OR UPDATE OR DELETE ON %[2]s
	FOR EACH ROW EXECUTE FUNCTION caresync_notify_change(%[3]s)`, name, pq.QuoteIdentifier(table), strings.Join(args, ", "))
}
