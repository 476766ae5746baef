package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/carecoord/caresync/internal/types"
)

type NewIssue struct {
	PatientId   string `json:"patient_id"`
	IssueType   string `json:"issue_type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	AssignedTo  string `json:"assigned_to,omitempty"`
}

// IssuePatch changes only the fields that are set.
type IssuePatch struct {
	Status     *types.IssueStatus `json:"status,omitempty"`
	AssignedTo *string            `json:"assigned_to,omitempty"`
}

// ListIssues returns the issues with status, or every issue when status
// is empty.
func (c *Client) ListIssues(ctx context.Context, status types.IssueStatus) ([]types.Issue, error) {
	path := "/issues"
	if status != "" {
		path += "?" + url.Values{"status": {string(status)}}.Encode()
	}

	var issues []types.Issue
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

func (c *Client) CreateIssue(ctx context.Context, in NewIssue) (types.Issue, error) {
	var issue types.Issue
	err := c.doJSON(ctx, http.MethodPost, "/issues", in, &issue)
	return issue, err
}

func (c *Client) UpdateIssue(ctx context.Context, id string, patch IssuePatch) (types.Issue, error) {
	var issue types.Issue
	err := c.doJSON(ctx, http.MethodPatch, "/issues/"+url.PathEscape(id), patch, &issue)
	return issue, err
}

func (c *Client) ListIssueMessages(ctx context.Context, issueId string) ([]types.IssueMessage, error) {
	var msgs []types.IssueMessage
	if err := c.doJSON(ctx, http.MethodGet, "/issues/"+url.PathEscape(issueId)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) CreateIssueMessage(ctx context.Context, issueId, content string) (types.IssueMessage, error) {
	var msg types.IssueMessage
	body := map[string]string{"content": content}
	err := c.doJSON(ctx, http.MethodPost, "/issues/"+url.PathEscape(issueId)+"/messages", body, &msg)
	return msg, err
}
