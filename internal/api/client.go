package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"matcha/internal/events"
	"matcha/internal/identity"
	"matcha/pkg/logger"

	"github.com/google/uuid"
)

// ProposalPendingError is the benign race where both participants
// propose a date near-simultaneously: the backend refuses the second
// proposal. Resolved by re-querying status, never surfaced as a hard
// failure.
type ProposalPendingError struct {
	Detail string
}

func (e *ProposalPendingError) Error() string {
	return fmt.Sprintf("date proposal already pending: %s", e.Detail)
}

// RequestError is any other non-2xx backend response.
type RequestError struct {
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar,omitempty"`
	IsOnline    bool   `json:"isOnline"`
	OtherUserID int64  `json:"other_user_id"`
}

// Notification is one entry of the notification feed.
type Notification struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Context   string `json:"context"`
	SenderID  int64  `json:"sender_id"`
	Timestamp string `json:"timestamp"`
	IsRead    bool   `json:"is_read"`
}

// DateInviteState is the backend's authoritative view of a proposal.
type DateInviteState struct {
	Status     events.DateInviteStatus `json:"status"`
	ProposerID int64                   `json:"proposer_id"`
}

// Client talks to the external backend over REST. The access token is
// forwarded as the access_token cookie on every request, matching the
// backend's session contract.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a REST client for the backend at baseURL.
func NewClient(baseURL, accessToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   accessToken,
		http:    &http.Client{Timeout: timeout},
	}
}

// Conversations fetches the conversation list.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches the message history of a conversation, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID int64) ([]events.ChatMessage, error) {
	var out []events.ChatMessage
	path := fmt.Sprintf("/chat/messages/%d", conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage persists a chat message; the backend echoes it back on
// the conversation channel.
func (c *Client) SendMessage(ctx context.Context, senderID, conversationID int64, content string) error {
	body := map[string]interface{}{
		"sender_id": senderID,
		"chat_id":   conversationID,
		"content":   content,
	}
	return c.do(ctx, http.MethodPost, "/chat/send", body, nil)
}

// SendTyping relays the local typing state to the conversation.
// Fire-and-forget by contract: callers log errors, never surface them.
func (c *Client) SendTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	body := map[string]interface{}{
		"chat_id":   conversationID,
		"is_typing": isTyping,
	}
	return c.do(ctx, http.MethodPost, "/chat/typing", body, nil)
}

// SendDateInvite proposes a date in a conversation.
func (c *Client) SendDateInvite(ctx context.Context, conversationID int64) error {
	body := map[string]interface{}{"chat_id": conversationID}
	return c.do(ctx, http.MethodPost, "/chat/date_invite", body, nil)
}

// DateInviteStatus queries the authoritative proposal state.
func (c *Client) DateInviteStatus(ctx context.Context, conversationID int64) (DateInviteState, error) {
	var out DateInviteState
	path := fmt.Sprintf("/chat/date_invite/status/%d", conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return DateInviteState{}, err
	}
	if out.Status == "" {
		out.Status = events.DateInviteNone
	}
	return out, nil
}

// RespondDateInvite accepts or declines a pending proposal.
func (c *Client) RespondDateInvite(ctx context.Context, conversationID int64, accepted bool) error {
	body := map[string]interface{}{
		"chat_id":  conversationID,
		"accepted": accepted,
	}
	return c.do(ctx, http.MethodPost, "/chat/date_invite/respond", body, nil)
}

// SubmitDatePreferences submits the local user's moment/activity picks
// after both sides accepted.
func (c *Client) SubmitDatePreferences(ctx context.Context, conversationID int64, moments, activities []string) error {
	body := map[string]interface{}{
		"chat_id":    conversationID,
		"moments":    moments,
		"activities": activities,
	}
	return c.do(ctx, http.MethodPost, "/chat/date_invite/preferences", body, nil)
}

// Notifications fetches the notification list; unreadOnly restricts it
// to unread entries.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	path := "/notifications"
	if unreadOnly {
		path = "/notifications/unread"
	}
	var out []Notification
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkNotificationsRead marks the given notifications as read.
func (c *Client) MarkNotificationsRead(ctx context.Context, ids []int64) error {
	body := map[string]interface{}{"notification_ids": ids}
	return c.do(ctx, http.MethodPost, "/mark-read", body, nil)
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Detail string `json:"detail"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: "access_token", Value: c.token})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.mapError(method, path, resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// mapError translates backend failures into the local taxonomy.
func (c *Client) mapError(method, path string, resp *http.Response) error {
	var envelope errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &envelope); err != nil {
		envelope.Detail = strings.TrimSpace(string(data))
	}

	logger.WithFields(map[string]interface{}{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
		"detail": envelope.Detail,
	}).Debug("Backend request failed")

	if resp.StatusCode == http.StatusUnauthorized {
		return &identity.SessionExpiredError{Reason: envelope.Detail}
	}

	if resp.StatusCode == http.StatusBadRequest && isAlreadyPending(envelope.Detail) {
		return &ProposalPendingError{Detail: envelope.Detail}
	}

	return &RequestError{StatusCode: resp.StatusCode, Detail: envelope.Detail}
}

// isAlreadyPending recognizes the backend's "invitation already in
// progress" reason strings (the deployed backend answers in French).
func isAlreadyPending(detail string) bool {
	lower := strings.ToLower(detail)
	return strings.Contains(lower, "already pending") ||
		strings.Contains(lower, "already in progress") ||
		strings.Contains(lower, "déjà en cours")
}
