// Package palai is a Go client for the PalAi chat backend.
//
// It covers the REST API, per-conversation live updates over a Pusher
// compatible websocket, and the client-side state that keeps an open
// conversation consistent while optimistic sends, confirmations and pushed
// events interleave.
//
// Example:
//
//	client := palai.NewClient(palai.StaticToken(token), palai.WithBaseURL("https://chat.example.com"))
//
//	convs, _ := client.Conversations.List(ctx)
//	client.Messages.Send(ctx, convs[0].ID, palai.SendMessageOptions{Content: "hi"})
//
//	bc := palai.NewPusherBroadcaster(palai.PusherConfig{Key: "app-key", Host: "ws.example.com"},
//		palai.NewEndpointAuthorizer(client, ""))
//	sess := palai.NewSession(client.Services(), bc)
//	sess.Start(ctx)
package palai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultAPIBase = "/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Credentials
// ============================================================================

// TokenSource supplies the bearer credential for each request. An empty
// token means the request is sent unauthenticated.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// TokenStore keeps a persistent ("remember me") slot and a session slot.
// The session slot wins when both are set.
type TokenStore struct {
	mu         sync.RWMutex
	persistent string
	session    string
}

func NewTokenStore(persistent string) *TokenStore {
	return &TokenStore{persistent: persistent}
}

func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session != "" {
		return s.session
	}
	return s.persistent
}

// Set stores token in the persistent slot when remember is true, otherwise
// in the session slot.
func (s *TokenStore) Set(token string, remember bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remember {
		s.persistent = token
		s.session = ""
		return
	}
	s.session = token
}

// Persistent returns only the remembered token.
func (s *TokenStore) Persistent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistent
}

func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistent, s.session = "", ""
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the PalAi REST API.
type Client struct {
	baseURL    string
	apiBase    string
	tokens     TokenSource
	httpClient *http.Client
	log        logrus.FieldLogger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Users         *UsersClient
	Auth          *AuthClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIBase sets the path prefix every endpoint is joined to.
func WithAPIBase(p string) ClientOption {
	return func(c *Client) {
		p = strings.TrimRight(p, "/")
		if p != "" && !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		c.apiBase = p
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client. tokens may be nil for unauthenticated use
// such as login.
func NewClient(tokens TokenSource, opts ...ClientOption) *Client {
	if tokens == nil {
		tokens = StaticToken("")
	}
	c := &Client{
		baseURL: DefaultBaseURL,
		apiBase: DefaultAPIBase,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: defaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Auth = &AuthClient{c: c}
	return c
}

// BaseURL returns the scheme and host requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the credential the next request would carry.
func (c *Client) Token() string { return c.tokens.Token() }

// Logger returns the client's logger.
func (c *Client) Logger() logrus.FieldLogger { return c.log }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) endpoint(path string, query url.Values) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := c.baseURL + c.apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends one request and normalizes the response. op names the action in
// error messages, e.g. "Failed to fetch messages".
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, query url.Values) (*Result, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	log := c.log.WithFields(logrus.Fields{"request_id": requestID, "method": method, "path": path})
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Debug("request failed")
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: errors.Wrap(err, "read body")}
	}
	log.WithFields(logrus.Fields{"status": resp.StatusCode, "elapsed": time.Since(start)}).Debug("response")

	return normalizeResponse(op, resp.StatusCode, resp.Header.Get("Content-Type"), data)
}

func isJSON(contentType string, body []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if mt == "application/json" || strings.HasSuffix(mt, "+json") {
			return true
		}
	}
	return contentType == "" && len(body) > 0 && gjson.ValidBytes(body)
}

func normalizeResponse(op string, status int, contentType string, body []byte) (*Result, error) {
	jsonBody := isJSON(contentType, body)

	if status < 200 || status > 299 {
		apiErr := &APIError{Status: status}
		switch {
		case jsonBody:
			_ = json.Unmarshal(body, apiErr)
			if apiErr.Message == "" {
				apiErr.Message = failedMessage(op, status)
			}
		case status == http.StatusUnauthorized:
			apiErr.Message = "Authentication failed. Please log in again."
		default:
			apiErr.Message = "Server error (" + strconv.Itoa(status) + "). Please check if the API server is running."
		}
		return nil, apiErr
	}

	if !jsonBody || !gjson.ValidBytes(body) {
		return nil, errors.WithStack(ErrNonJSON)
	}
	return &Result{Status: status, Raw: json.RawMessage(body)}, nil
}

func failedMessage(op string, status int) string {
	if op == "" {
		op = "API request failed"
	}
	return op + " (" + strconv.Itoa(status) + ")"
}
