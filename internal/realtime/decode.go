package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/carecoord/caresync/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const keySchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {"id": {"type": "string", "minLength": 1}}
}`

var recordSchemas = map[types.Kind]string{
	types.KindIssues: `{
		"type": "object",
		"required": ["id", "status"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"patient_id": {"type": ["string", "null"]},
			"status": {"enum": ["open", "in_progress", "resolved"]},
			"assigned_to": {"type": ["string", "null"]},
			"created_at": {"type": "string"}
		}
	}`,
	types.KindIssueMessages: `{
		"type": "object",
		"required": ["id", "issue_id", "content"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"issue_id": {"type": "string", "minLength": 1},
			"sender_id": {"type": ["string", "null"]},
			"content": {"type": ["string", "null"]}
		}
	}`,
	types.KindChatMessages: `{
		"type": "object",
		"required": ["id", "conversation_id", "sender_id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"conversation_id": {"type": "string", "minLength": 1},
			"sender_id": {"type": ["string", "null"]},
			"content": {"type": ["string", "null"]},
			"message_type": {"enum": ["text", "system", null]},
			"is_edited": {"type": ["boolean", "null"]},
			"is_deleted": {"type": ["boolean", "null"]}
		}
	}`,
	types.KindConversations: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"participants": {"type": ["array", "null"], "items": {"type": "string"}}
		}
	}`,
	types.KindNotifications: `{
		"type": "object",
		"required": ["id", "user_id", "type"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"user_id": {"type": "string"},
			"type": {"type": ["string", "null"]},
			"is_read": {"type": ["boolean", "null"]},
			"metadata": {"type": ["object", "null"]}
		}
	}`,
}

type schemaSet struct {
	records map[types.Kind]*jsonschema.Schema
	key     *jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     *schemaSet
	schemasErr  error
)

func loadSchemas() (*schemaSet, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		set := &schemaSet{records: make(map[types.Kind]*jsonschema.Schema)}

		compile := func(name, src string) (*jsonschema.Schema, error) {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				return nil, fmt.Errorf("parse schema %s: %w", name, err)
			}
			url := "mem://caresync/" + name + ".json"
			if err := c.AddResource(url, doc); err != nil {
				return nil, fmt.Errorf("add schema %s: %w", name, err)
			}
			return c.Compile(url)
		}

		for kind, src := range recordSchemas {
			sch, err := compile(string(kind), src)
			if err != nil {
				schemasErr = err
				return
			}
			set.records[kind] = sch
		}

		set.key, schemasErr = compile("key", keySchema)
		schemas = set
	})
	return schemas, schemasErr
}

// DecodeChange validates a change against the schema of the topic's kind
// and decodes it into the kind's record type. A truncated insert or update
// decodes to a partial event carrying only the id.
func DecodeChange(topic Topic, c *Change) (Event, error) {
	ev := Event{Type: c.Type, Topic: topic}

	switch c.Type {
	case EventInsert, EventUpdate:
		if c.Truncated {
			id, err := decodeKey(topic.Kind, c.Record)
			if err != nil {
				return Event{}, err
			}
			ev.Id = id
			ev.Partial = true
			break
		}
		rec, err := DecodeRecord(topic.Kind, c.Record)
		if err != nil {
			return Event{}, err
		}
		ev.Record = rec
		ev.Id = rec.GetId()
	case EventDelete:
		raw := c.OldRecord
		if len(raw) == 0 {
			raw = c.Record
		}
		id, err := decodeKey(topic.Kind, raw)
		if err != nil {
			return Event{}, err
		}
		ev.Id = id
	default:
		return Event{}, &DataShapeError{Kind: topic.Kind, Err: fmt.Errorf("unknown event type %q", c.Type)}
	}

	return ev, nil
}

func DecodeRecord(kind types.Kind, raw json.RawMessage) (types.Record, error) {
	set, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	sch, ok := set.records[kind]
	if !ok {
		return nil, &DataShapeError{Kind: kind, Err: fmt.Errorf("no schema for kind")}
	}
	if err := validate(sch, raw); err != nil {
		return nil, &DataShapeError{Kind: kind, Err: err}
	}

	var rec types.Record
	switch kind {
	case types.KindIssues:
		rec, err = unmarshal[types.Issue](raw)
	case types.KindIssueMessages:
		rec, err = unmarshal[types.IssueMessage](raw)
	case types.KindChatMessages:
		rec, err = unmarshal[types.ChatMessage](raw)
	case types.KindConversations:
		rec, err = unmarshal[types.Conversation](raw)
	case types.KindNotifications:
		rec, err = unmarshal[types.Notification](raw)
	}
	if err != nil {
		return nil, &DataShapeError{Kind: kind, Err: err}
	}
	return rec, nil
}

func decodeKey(kind types.Kind, raw json.RawMessage) (string, error) {
	set, err := loadSchemas()
	if err != nil {
		return "", err
	}
	if err := validate(set.key, raw); err != nil {
		return "", &DataShapeError{Kind: kind, Err: err}
	}

	var key struct {
		Id string `json:"id"`
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", &DataShapeError{Kind: kind, Err: err}
	}
	return key.Id, nil
}

func validate(sch *jsonschema.Schema, raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty record")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

func unmarshal[T types.Record](raw json.RawMessage) (types.Record, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
