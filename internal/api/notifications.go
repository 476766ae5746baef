package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/carecoord/caresync/internal/types"
)

// UnreadCount is the authoritative unread tally. Conversations is only
// present when the backend breaks the count down.
type UnreadCount struct {
	Count         int            `json:"count"`
	Conversations map[string]int `json:"conversations,omitempty"`
}

func (c *Client) ListNotifications(ctx context.Context) ([]types.Notification, error) {
	var ns []types.Notification
	if err := c.doJSON(ctx, http.MethodGet, "/notifications", nil, &ns); err != nil {
		return nil, err
	}
	return ns, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPatch, "/notifications/read-all", nil, nil)
}

func (c *Client) UnreadCount(ctx context.Context) (UnreadCount, error) {
	var uc UnreadCount
	err := c.doJSON(ctx, http.MethodGet, "/messages/unread-count", nil, &uc)
	return uc, err
}
