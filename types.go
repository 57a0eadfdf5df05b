package palai

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ============================================================================
// Wire scalars
// ============================================================================

// ID is a server identifier. The backend emits numeric keys for most
// resources but strings for some, so both are accepted and compared as text.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return errors.Wrap(err, "decode id")
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrapf(err, "id must be a string or number, got %s", string(b))
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes numeric ids back as JSON numbers so request bodies match
// what the backend validates against.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

func (id ID) numeric() bool {
	if id == "" || (len(id) > 1 && id[0] == '0') {
		return false
	}
	_, err := strconv.ParseUint(string(id), 10, 64)
	return err == nil
}

// Flag is a boolean that tolerates the loose encodings the backend uses for
// tinyint columns: null, true/false, 0/1 and their string forms.
//
// This is stricter than JavaScript truthiness: the strings "0" and "false"
// decode as false, and so does any object or array. A null leaves the value
// unchanged.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	*f = Flag(truthy(b))
	return nil
}

func truthy(raw []byte) bool {
	switch raw[0] {
	case 't':
		return true
	case 'f', 'n':
		return false
	case '"':
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return false
		}
		s = strings.TrimSpace(strings.ToLower(s))
		return s != "" && s != "0" && s != "false"
	default:
		n, err := strconv.ParseFloat(string(raw), 64)
		return err == nil && n != 0
	}
}

// ============================================================================
// Users
// ============================================================================

// User is a chat participant.
type User struct {
	ID       ID     `json:"id"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// DisplayName prefers the full name and falls back to the username.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

// ============================================================================
// Conversations
// ============================================================================

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

// Conversation is a chat room as listed by the backend.
type Conversation struct {
	ID          ID               `json:"id"`
	Name        string           `json:"name"`
	Type        ConversationType `json:"type"`
	Pinned      Flag             `json:"pinned"`
	Archived    Flag             `json:"archived"`
	LastMessage *Message         `json:"last_message,omitempty"`
	Users       []User           `json:"users,omitempty"`
	CreatedAt   string           `json:"created_at,omitempty"`
	UpdatedAt   string           `json:"updated_at,omitempty"`
}

// UnmarshalJSON also accepts the "archieved" spelling the backend persists.
func (c *Conversation) UnmarshalJSON(b []byte) error {
	type plain Conversation
	aux := struct {
		*plain
		Archieved Flag `json:"archieved"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	c.Archived = c.Archived || aux.Archieved
	return nil
}

// IsGroup reports whether members can rename the conversation.
func (c *Conversation) IsGroup() bool {
	return c.Type == ConversationGroup
}

// CreateConversationOptions is the body of POST /conversations.
type CreateConversationOptions struct {
	Name string           `json:"name,omitempty"`
	Type ConversationType `json:"type"`
	// UsersRaw is a comma separated list of usernames or emails.
	UsersRaw string `json:"users_raw"`
}

// ============================================================================
// Messages
// ============================================================================

// AIResponse is an assistant reply attached to a message.
type AIResponse struct {
	ID        ID     `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Message is one entry of a conversation timeline.
type Message struct {
	ID               ID           `json:"id"`
	ConversationID   ID           `json:"conversation_id,omitempty"`
	Content          string       `json:"content"`
	UserID           ID           `json:"user_id"`
	User             *User        `json:"user,omitempty"`
	CreatedAt        string       `json:"created_at,omitempty"`
	UpdatedAt        string       `json:"updated_at,omitempty"`
	IsEdited         Flag         `json:"is_edited"`
	IsAIResponse     Flag         `json:"is_ai_response,omitempty"`
	IsRead           Flag         `json:"is_read,omitempty"`
	ReplyToMessageID ID           `json:"reply_to_message_id,omitempty"`
	ReplyToMessage   *Message     `json:"reply_to_message,omitempty"`
	AIResponses      []AIResponse `json:"ai_responses,omitempty"`

	// Sending marks an optimistic entry that the server has not confirmed.
	Sending bool `json:"-"`
	// CanEditOrDelete is computed locally against the viewer id.
	CanEditOrDelete bool `json:"-"`
}

// withPermissions returns a copy of m with CanEditOrDelete set for viewer.
func (m Message) withPermissions(viewer ID) Message {
	m.CanEditOrDelete = viewer != "" && m.UserID == viewer
	return m
}

// SendMessageOptions is the body of POST /conversations/{id}/messages.
type SendMessageOptions struct {
	Content          string `json:"content"`
	ReplyToMessageID ID     `json:"reply_to_message_id,omitempty"`
}

// ReplyTarget is the message the compose box is currently answering.
type ReplyTarget struct {
	MessageID ID
	Author    string
	Excerpt   string
}

// ============================================================================
// Auth
// ============================================================================

// LoginOptions is the body of POST /login.
type LoginOptions struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceName string `json:"device_name"`
}

// LoginResult is the decoded login response.
type LoginResult struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	User    User   `json:"user"`
	Message string `json:"message,omitempty"`
}
