package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/carecoord/caresync/internal/types"
)

// MessagePage is one page of a chat thread, oldest first. Cursor fetches
// the next older page while HasMore is set.
type MessagePage struct {
	Messages []types.ChatMessage `json:"messages"`
	HasMore  bool                `json:"has_more"`
	Cursor   string              `json:"cursor,omitempty"`
}

func (c *Client) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	var convs []types.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *Client) ListChatMessages(ctx context.Context, conversationId, cursor string) (MessagePage, error) {
	path := messagesPath(conversationId)
	if cursor != "" {
		path += "?" + url.Values{"cursor": {cursor}}.Encode()
	}

	var page MessagePage
	err := c.doJSON(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

// SendChatMessage posts a message. The backend may answer without the
// stored row; confirmed reports whether msg carries it.
func (c *Client) SendChatMessage(ctx context.Context, conversationId, content string) (msg types.ChatMessage, confirmed bool, err error) {
	body := map[string]string{"content": content}
	if err := c.doJSON(ctx, http.MethodPost, messagesPath(conversationId), body, &msg); err != nil {
		return types.ChatMessage{}, false, err
	}
	return msg, msg.Id != "", nil
}

func (c *Client) EditChatMessage(ctx context.Context, conversationId, messageId, content string) (types.ChatMessage, error) {
	var msg types.ChatMessage
	body := map[string]string{"content": content}
	err := c.doJSON(ctx, http.MethodPatch, messagesPath(conversationId)+"/"+url.PathEscape(messageId), body, &msg)
	return msg, err
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationId string) error {
	return c.doJSON(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationId)+"/read", nil, nil)
}

func messagesPath(conversationId string) string {
	return "/conversations/" + url.PathEscape(conversationId) + "/messages"
}
