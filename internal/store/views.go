package store

import (
	"github.com/carecoord/caresync/internal/types"
)

// IsActive is the view rule of the issue queue: resolved issues leave it.
func IsActive(i types.Issue) bool {
	return i.Status != types.StatusResolved
}

// MergeIssue folds a change-stream row into an issue. Raw rows carry no
// joined columns, so the patient name is kept when the row omits it.
func MergeIssue(existing, incoming types.Issue) types.Issue {
	if incoming.PatientName == "" {
		incoming.PatientName = existing.PatientName
	}
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = existing.CreatedAt
	}
	return incoming
}

// NewIssueQueue returns the store backing the active issue queue.
func NewIssueQueue() *Store[types.Issue] {
	return New(
		WithRetain(IsActive),
		WithMerge(MergeIssue),
	)
}

func GroupByPatient(issues []types.Issue) map[string][]types.Issue {
	return groupBy(issues, func(i types.Issue) string { return i.PatientId })
}

func GroupByType(issues []types.Issue) map[string][]types.Issue {
	return groupBy(issues, func(i types.Issue) string { return i.IssueType })
}

func FilterByAssignee(issues []types.Issue, userId string) []types.Issue {
	var out []types.Issue
	for _, i := range issues {
		if i.AssignedTo == userId {
			out = append(out, i)
		}
	}
	return out
}

// CountByStatus feeds the queue summary badges.
func CountByStatus(issues []types.Issue) map[types.IssueStatus]int {
	counts := make(map[types.IssueStatus]int)
	for _, i := range issues {
		counts[i.Status]++
	}
	return counts
}

// VisibleMessages hides soft-deleted chat messages.
func VisibleMessages(msgs []types.ChatMessage) []types.ChatMessage {
	out := make([]types.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsDeleted {
			out = append(out, m)
		}
	}
	return out
}

func UnreadNotifications(ns []types.Notification) int {
	n := 0
	for _, notif := range ns {
		if !notif.IsRead {
			n++
		}
	}
	return n
}

func groupBy[T any](items []T, key func(T) string) map[string][]T {
	out := make(map[string][]T)
	for _, item := range items {
		k := key(item)
		out[k] = append(out[k], item)
	}
	return out
}
