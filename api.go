package palai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// MinSearchLength is the shortest query Users.Search sends to the backend.
const MinSearchLength = 2

func conversationPath(id ID, suffix ...string) string {
	p := "/conversations/" + url.PathEscape(id.String())
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient manages conversations.
type ConversationsClient struct{ c *Client }

// List returns every conversation the viewer belongs to, flags normalized.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := cv.c.do(ctx, "Failed to fetch conversations", http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return conversationList(res.Raw)
}

// Create creates a conversation and returns it.
func (cv *ConversationsClient) Create(ctx context.Context, opts CreateConversationOptions) (*Conversation, error) {
	if opts.Type == "" {
		opts.Type = ConversationPrivate
	}
	res, err := cv.c.do(ctx, "Failed to create conversation", http.MethodPost, "/conversations", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeConversation(res, "create conversation")
}

// Rename sets the display name of a group conversation.
func (cv *ConversationsClient) Rename(ctx context.Context, id ID, name string) (*Result, error) {
	return cv.c.do(ctx, "Failed to update conversation name", http.MethodPatch,
		conversationPath(id, "update-name"), map[string]string{"name": name}, nil)
}

func (cv *ConversationsClient) Pin(ctx context.Context, id ID) (*Result, error) {
	return cv.c.do(ctx, "Failed to pin conversation", http.MethodPatch, conversationPath(id, "pin"), nil, nil)
}

func (cv *ConversationsClient) Unpin(ctx context.Context, id ID) (*Result, error) {
	return cv.c.do(ctx, "Failed to unpin conversation", http.MethodPatch, conversationPath(id, "unpin"), nil, nil)
}

func (cv *ConversationsClient) Archive(ctx context.Context, id ID) (*Result, error) {
	return cv.c.do(ctx, "Failed to archive conversation", http.MethodPatch, conversationPath(id, "archive"), nil, nil)
}

func (cv *ConversationsClient) Unarchive(ctx context.Context, id ID) (*Result, error) {
	return cv.c.do(ctx, "Failed to unarchive conversation", http.MethodPatch, conversationPath(id, "unarchive"), nil, nil)
}

// Leave removes the viewer from a conversation.
func (cv *ConversationsClient) Leave(ctx context.Context, id ID) (*Result, error) {
	return cv.c.do(ctx, "Failed to leave conversation", http.MethodPost, conversationPath(id, "leave"), nil, nil)
}

// AddUser adds a member and returns the updated conversation.
func (cv *ConversationsClient) AddUser(ctx context.Context, id, userID ID) (*Conversation, error) {
	res, err := cv.c.do(ctx, "Failed to add user to conversation", http.MethodPost,
		conversationPath(id, "add-user", url.PathEscape(userID.String())), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeConversation(res, "add user")
}

func decodeConversation(res *Result, op string) (*Conversation, error) {
	if res.ExplicitFailure() {
		return nil, &FailedError{Op: op, Message: res.Message()}
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, err
	}
	if conv.ID == "" {
		return nil, errors.Errorf("%s: response has no conversation", op)
	}
	return &conv, nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient reads and writes conversation messages.
type MessagesClient struct{ c *Client }

// List returns the conversation history in server order.
func (m *MessagesClient) List(ctx context.Context, conversationID ID) ([]Message, error) {
	res, err := m.c.do(ctx, "Failed to fetch messages", http.MethodGet, conversationPath(conversationID, "messages"), nil, nil)
	if err != nil {
		return nil, err
	}
	return messageList(res.Raw)
}

// Send posts a message. Content is trimmed before sending.
func (m *MessagesClient) Send(ctx context.Context, conversationID ID, opts SendMessageOptions) (*Result, error) {
	opts.Content = strings.TrimSpace(opts.Content)
	return m.c.do(ctx, "Failed to send message", http.MethodPost, conversationPath(conversationID, "messages"), opts, nil)
}

// Edit replaces the content of a message.
func (m *MessagesClient) Edit(ctx context.Context, conversationID, messageID ID, content string) (*Result, error) {
	return m.c.do(ctx, "Failed to edit message", http.MethodPut,
		conversationPath(conversationID, "messages", url.PathEscape(messageID.String())),
		map[string]string{"content": strings.TrimSpace(content)}, nil)
}

// Delete removes a message.
func (m *MessagesClient) Delete(ctx context.Context, conversationID, messageID ID) (*Result, error) {
	return m.c.do(ctx, "Failed to delete message", http.MethodDelete,
		conversationPath(conversationID, "messages", url.PathEscape(messageID.String())), nil, nil)
}

// ============================================================================
// Users
// ============================================================================

// UsersClient looks up identities.
type UsersClient struct{ c *Client }

// Current returns the authenticated user.
func (u *UsersClient) Current(ctx context.Context) (*User, error) {
	res, err := u.c.do(ctx, "Failed to fetch current user", http.MethodGet, "/user", nil, nil)
	if err != nil {
		return nil, err
	}
	var user User
	if err := res.Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Search finds users by username. Queries shorter than MinSearchLength
// return no results without a request.
func (u *UsersClient) Search(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < MinSearchLength {
		return nil, nil
	}
	res, err := u.c.do(ctx, "Failed to search users", http.MethodGet, "/conversations/search-users", nil,
		url.Values{"query": {query}})
	if err != nil {
		return nil, err
	}
	var users []User
	if err := res.Decode(&users); err != nil {
		return nil, err
	}
	return users, nil
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient covers the flows that run before a token exists.
type AuthClient struct{ c *Client }

// Login exchanges credentials for a bearer token.
func (a *AuthClient) Login(ctx context.Context, opts LoginOptions) (*LoginResult, error) {
	if opts.DeviceName == "" {
		opts.DeviceName = "palai-go"
	}
	res, err := a.c.do(ctx, "Login failed", http.MethodPost, "/login", opts, nil)
	if err != nil {
		return nil, err
	}
	var out LoginResult
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		return nil, errors.Wrap(err, "decode login response")
	}
	if res.ExplicitFailure() || out.Token == "" {
		return nil, &FailedError{Op: "login", Message: out.Message}
	}
	return &out, nil
}

// SendResetPasswordLink asks the backend to email a reset link.
func (a *AuthClient) SendResetPasswordLink(ctx context.Context, email string) (*Result, error) {
	res, err := a.c.do(ctx, "Failed to send reset link", http.MethodPost, "/SendRestPasswordLink",
		map[string]string{"email": strings.TrimSpace(email)}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExplicitFailure() {
		return nil, &FailedError{Op: "send reset link", Message: res.Message()}
	}
	return res, nil
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, "Health check failed", http.MethodGet, "/health", nil, nil)
}
