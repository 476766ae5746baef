package store

import (
	"testing"
	"time"

	"github.com/carecoord/caresync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func issue(id string, status types.IssueStatus) types.Issue {
	return types.Issue{
		Id:        id,
		PatientId: "pat-1",
		IssueType: "fall_risk",
		Title:     "Fall Risk",
		Status:    status,
		CreatedAt: t0,
	}
}

func TestStore_InsertIsIdempotent(t *testing.T) {
	s := New[types.ChatMessage]()
	msg := types.ChatMessage{Id: "msg-1", ConversationId: "conv-a", Content: "hello", CreatedAt: t0}

	assert.True(t, s.Apply(Change[types.ChatMessage]{Op: OpInsert, Record: msg}))
	once := s.List()

	assert.False(t, s.Apply(Change[types.ChatMessage]{Op: OpInsert, Record: msg}), "expected duplicate insert to be ignored")
	assert.Equal(t, once, s.List(), "expected replayed insert to leave the store unchanged")
	assert.Equal(t, 1, s.Len())
}

func TestStore_UpdateMergesAndUpserts(t *testing.T) {
	s := New[types.ChatMessage]()
	s.Insert(types.ChatMessage{Id: "msg-1", Content: "helo", CreatedAt: t0})

	s.Apply(Change[types.ChatMessage]{Op: OpUpdate, Record: types.ChatMessage{Id: "msg-1", Content: "hello", IsEdited: true, CreatedAt: t0}})
	got, ok := s.Get("msg-1")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Content)
	assert.True(t, got.IsEdited)

	s.Apply(Change[types.ChatMessage]{Op: OpUpdate, Record: types.ChatMessage{Id: "msg-2", Content: "late"}})
	assert.True(t, s.Has("msg-2"), "expected update for unknown id to upsert")
}

func TestStore_Delete(t *testing.T) {
	s := New[types.Notification]()
	s.Insert(types.Notification{Id: "n-1"})
	s.Insert(types.Notification{Id: "n-2"})
	s.Insert(types.Notification{Id: "n-3"})

	assert.True(t, s.Apply(Change[types.Notification]{Op: OpDelete, Id: "n-2"}))
	assert.False(t, s.Apply(Change[types.Notification]{Op: OpDelete, Id: "n-2"}), "expected second delete to be a no-op")

	ids := []string{}
	for _, n := range s.List() {
		ids = append(ids, n.Id)
	}
	assert.Equal(t, []string{"n-1", "n-3"}, ids)
	got, ok := s.Get("n-3")
	assert.True(t, ok, "expected index to be rebuilt after delete")
	assert.Equal(t, "n-3", got.Id)
}

func TestIssueQueue_OrderingWithinTopic(t *testing.T) {
	s := NewIssueQueue()
	s.Insert(issue("iss-1", types.StatusOpen))
	s.Insert(issue("iss-2", types.StatusOpen))

	for _, status := range []types.IssueStatus{types.StatusOpen, types.StatusInProgress, types.StatusResolved} {
		s.Apply(Change[types.Issue]{Op: OpUpdate, Record: issue("iss-1", status)})
	}

	assert.False(t, s.Has("iss-1"), "expected resolved issue to leave the active queue")
	assert.True(t, s.Has("iss-2"))
	assert.Equal(t, 1, s.Len())
}

func TestIssueQueue_ResolvedInsertIgnored(t *testing.T) {
	s := NewIssueQueue()
	assert.False(t, s.Insert(issue("iss-9", types.StatusResolved)))
	assert.Equal(t, 0, s.Len())
}

func TestIssueQueue_MergeKeepsPatientName(t *testing.T) {
	s := NewIssueQueue()
	orig := issue("iss-1", types.StatusOpen)
	orig.PatientName = "Ada Byron"
	s.Insert(orig)

	row := issue("iss-1", types.StatusInProgress)
	row.CreatedAt = time.Time{}
	s.Update(row)

	got, _ := s.Get("iss-1")
	assert.Equal(t, "Ada Byron", got.PatientName)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Equal(t, types.StatusInProgress, got.Status)
}

func TestStore_FocusRefreshedOnUpdate(t *testing.T) {
	s := NewIssueQueue()
	s.Insert(issue("iss-1", types.StatusOpen))
	s.Focus("iss-1")

	s.Update(issue("iss-1", types.StatusInProgress))
	focused, ok := s.Focused()
	require.True(t, ok)
	assert.Equal(t, types.StatusInProgress, focused.Status)

	s.Update(issue("iss-1", types.StatusResolved))
	focused, ok = s.Focused()
	require.True(t, ok, "expected detail panel to keep the evicted record")
	assert.Equal(t, types.StatusResolved, focused.Status)
	assert.False(t, s.Has("iss-1"))
}

func TestStore_Replace(t *testing.T) {
	t.Run("swaps in place", func(t *testing.T) {
		s := New[types.Issue]()
		s.Insert(issue("iss-1", types.StatusOpen))
		s.Insert(issue("temp-123", types.StatusOpen))
		s.Insert(issue("iss-2", types.StatusOpen))

		s.Replace("temp-123", issue("iss-55", types.StatusOpen))

		var ids []string
		for _, i := range s.List() {
			ids = append(ids, i.Id)
		}
		assert.Equal(t, []string{"iss-1", "iss-55", "iss-2"}, ids)
		assert.False(t, s.Has("temp-123"))
	})

	t.Run("confirmed already present", func(t *testing.T) {
		s := New[types.Issue]()
		s.Insert(issue("temp-123", types.StatusOpen))
		s.Insert(issue("iss-55", types.StatusOpen))

		s.Replace("temp-123", issue("iss-55", types.StatusOpen))
		assert.Equal(t, 1, s.Len())
		assert.True(t, s.Has("iss-55"))
	})

	t.Run("old id missing", func(t *testing.T) {
		s := New[types.Issue]()
		s.Replace("temp-1", issue("iss-55", types.StatusOpen))
		assert.True(t, s.Has("iss-55"))
	})
}

func TestStore_LoadKeepsTempEntries(t *testing.T) {
	s := New[types.ChatMessage]()
	s.Insert(types.ChatMessage{Id: "temp-abc", Content: "draft", CreatedAt: t0.Add(time.Hour)})
	s.Insert(types.ChatMessage{Id: "msg-old", CreatedAt: t0})

	s.Load([]types.ChatMessage{
		{Id: "msg-2", CreatedAt: t0.Add(2 * time.Minute)},
		{Id: "msg-1", CreatedAt: t0.Add(time.Minute)},
		{Id: "msg-1", CreatedAt: t0.Add(time.Minute)},
	})

	var ids []string
	for _, m := range s.List() {
		ids = append(ids, m.Id)
	}
	assert.Equal(t, []string{"msg-1", "msg-2", "temp-abc"}, ids)
}

func TestStore_RemoveWhere(t *testing.T) {
	s := New[types.ChatMessage]()
	s.Insert(types.ChatMessage{Id: "temp-1", ConversationId: "a"})
	s.Insert(types.ChatMessage{Id: "msg-1", ConversationId: "a"})
	s.Insert(types.ChatMessage{Id: "temp-2", ConversationId: "b"})

	n := s.RemoveWhere(func(m types.ChatMessage) bool {
		return types.IsTempId(m.Id) && m.ConversationId == "a"
	})
	assert.Equal(t, 1, n)
	assert.True(t, s.Has("msg-1"))
	assert.True(t, s.Has("temp-2"))
}

func TestStore_OnChange(t *testing.T) {
	s := New[types.Notification]()
	calls := 0
	cancel := s.OnChange(func() { calls++ })

	s.Insert(types.Notification{Id: "n-1"})
	s.Insert(types.Notification{Id: "n-1"})
	assert.Equal(t, 1, calls, "expected no notification for a deduplicated insert")

	cancel()
	s.Remove("n-1")
	assert.Equal(t, 1, calls)
}

func TestStore_BatchNotifiesOnce(t *testing.T) {
	s := New[types.ChatMessage]()
	calls := 0
	s.OnChange(func() { calls++ })

	s.Batch(func() {
		s.Insert(types.ChatMessage{Id: "temp-1", CreatedAt: t0})
		s.Remove("temp-1")
		s.Insert(types.ChatMessage{Id: "msg-1", CreatedAt: t0})
	})
	assert.Equal(t, 1, calls)

	s.Batch(func() {
		s.Remove("missing")
	})
	assert.Equal(t, 1, calls, "expected a batch without changes to stay silent")
}
