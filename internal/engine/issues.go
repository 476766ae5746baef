package engine

import (
	"context"

	"github.com/carecoord/caresync/internal/api"
	"github.com/carecoord/caresync/internal/optimistic"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/store"
	"github.com/carecoord/caresync/internal/types"
	"golang.org/x/sync/errgroup"
)

// IssueQueue is the active issue queue: open and in-progress issues.
type IssueQueue struct {
	*feed[types.Issue]
}

func (e *Engine) IssueQueue(opts ViewOptions) (*IssueQueue, error) {
	s := store.NewIssueQueue()
	self := e.opts.Self.Id
	q := &IssueQueue{feed: &feed[types.Issue]{
		e:     e,
		topic: realtime.IssuesTopic(),
		store: s,
		tracker: newTracker(e, s, opts, nil, func(i types.Issue) bool {
			return i.CreatedBy == "" || i.CreatedBy == self
		}),
		load:     e.loadActiveIssues,
		onChange: opts.OnChange,
	}}
	if err := openFeed(e, q.feed); err != nil {
		return nil, err
	}
	return q, nil
}

// loadActiveIssues fetches every status the queue shows concurrently.
func (e *Engine) loadActiveIssues(ctx context.Context) ([]types.Issue, error) {
	statuses := []types.IssueStatus{types.StatusOpen, types.StatusInProgress}
	results := make([][]types.Issue, len(statuses))

	g, gctx := errgroup.WithContext(ctx)
	for i, st := range statuses {
		g.Go(func() error {
			issues, err := e.opts.Backend.ListIssues(gctx, st)
			results[i] = issues
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []types.Issue
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

func (q *IssueQueue) Issues() []types.Issue {
	return q.items()
}

func (q *IssueQueue) ByPatient() map[string][]types.Issue {
	return store.GroupByPatient(q.items())
}

func (q *IssueQueue) ByType() map[string][]types.Issue {
	return store.GroupByType(q.items())
}

func (q *IssueQueue) AssignedTo(userId string) []types.Issue {
	return store.FilterByAssignee(q.items(), userId)
}

func (q *IssueQueue) Counts() map[types.IssueStatus]int {
	return store.CountByStatus(q.items())
}

// Create shows the issue at once and returns its temp id.
func (q *IssueQueue) Create(ctx context.Context, in api.NewIssue) (string, error) {
	e := q.e
	var tempId string
	err := e.do(func() {
		tempId = q.tracker.Submit(ctx, optimisticIssue(e, in))
	})
	return tempId, err
}

func (q *IssueQueue) SetStatus(ctx context.Context, id string, status types.IssueStatus) error {
	return q.patch(ctx, id, api.IssuePatch{Status: &status}, func(i types.Issue) types.Issue {
		i.Status = status
		return i
	})
}

func (q *IssueQueue) Assign(ctx context.Context, id, userId string) error {
	return q.patch(ctx, id, api.IssuePatch{AssignedTo: &userId}, func(i types.Issue) types.Issue {
		i.AssignedTo = userId
		return i
	})
}

func (q *IssueQueue) patch(ctx context.Context, id string, patch api.IssuePatch, apply func(types.Issue) types.Issue) error {
	backend := q.e.opts.Backend
	var perr error
	err := q.e.do(func() {
		perr = q.tracker.Patch(ctx, id, apply, func(ctx context.Context, _ types.Issue) (types.Issue, bool, error) {
			issue, err := backend.UpdateIssue(ctx, id, patch)
			return issue, err == nil, err
		})
	})
	if err != nil {
		return err
	}
	return perr
}

// Focus selects the issue shown in the detail panel. It keeps receiving
// updates after it leaves the queue, e.g. once resolved.
func (q *IssueQueue) Focus(id string) error {
	return q.e.do(func() {
		q.store.Focus(id)
		q.publish()
	})
}

func (q *IssueQueue) Focused() (types.Issue, bool) {
	return q.focusedItem()
}

func (q *IssueQueue) Close() {
	q.e.do(q.close)
}

func optimisticIssue(e *Engine, in api.NewIssue) optimistic.Mutation[types.Issue] {
	return optimistic.Mutation[types.Issue]{
		Build: func(tempId string) types.Issue {
			now := e.opts.Clock.Now().UTC()
			return types.Issue{
				Id:          tempId,
				PatientId:   in.PatientId,
				IssueType:   in.IssueType,
				Title:       in.Title,
				Description: in.Description,
				Priority:    in.Priority,
				AssignedTo:  in.AssignedTo,
				Status:      types.StatusOpen,
				CreatedBy:   e.opts.Self.Id,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
		},
		Send: func(ctx context.Context) (types.Issue, bool, error) {
			issue, err := e.opts.Backend.CreateIssue(ctx, in)
			return issue, err == nil, err
		},
	}
}
