package engine

import (
	"context"

	"github.com/carecoord/caresync/internal/optimistic"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/store"
	"github.com/carecoord/caresync/internal/types"
)

// IssueThread is the message thread of one issue.
type IssueThread struct {
	*feed[types.IssueMessage]
	issueId string
}

func (e *Engine) IssueThread(issueId string, opts ViewOptions) (*IssueThread, error) {
	s := store.New[types.IssueMessage]()
	self := e.opts.Self.Id
	th := &IssueThread{issueId: issueId, feed: &feed[types.IssueMessage]{
		e:     e,
		topic: realtime.IssueMessagesTopic(issueId),
		store: s,
		tracker: newTracker(e, s, opts,
			func(m types.IssueMessage) string { return m.IssueId },
			func(m types.IssueMessage) bool { return m.SenderId == self },
		),
		load: func(ctx context.Context) ([]types.IssueMessage, error) {
			return e.opts.Backend.ListIssueMessages(ctx, issueId)
		},
		onChange: opts.OnChange,
	}}
	if err := openFeed(e, th.feed); err != nil {
		return nil, err
	}
	return th, nil
}

func (th *IssueThread) Messages() []types.IssueMessage {
	return th.items()
}

// Post shows the message at once and returns its temp id.
func (th *IssueThread) Post(ctx context.Context, content string) (string, error) {
	e := th.e
	var tempId string
	err := e.do(func() {
		tempId = th.tracker.Submit(ctx, optimistic.Mutation[types.IssueMessage]{
			Build: func(id string) types.IssueMessage {
				return types.IssueMessage{
					Id:        id,
					IssueId:   th.issueId,
					SenderId:  e.opts.Self.Id,
					Content:   content,
					CreatedAt: e.opts.Clock.Now().UTC(),
				}
			},
			Send: func(ctx context.Context) (types.IssueMessage, bool, error) {
				msg, err := e.opts.Backend.CreateIssueMessage(ctx, th.issueId, content)
				return msg, err == nil && msg.Id != "", err
			},
		})
	})
	return tempId, err
}

func (th *IssueThread) Close() {
	th.e.do(th.close)
}
