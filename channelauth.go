package palai

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// DefaultAuthEndpoint is where Laravel authorizes private channels.
const DefaultAuthEndpoint = "/broadcasting/auth"

// ChannelAuthorizer produces the auth token pusher:subscribe needs for a
// private channel.
type ChannelAuthorizer interface {
	Authorize(ctx context.Context, socketID, channel string) (string, error)
}

// ============================================================================
// Standalone functions
// ============================================================================

// SignChannel computes "<key>:<hex hmac>" over "<socket_id>:<channel>".
func SignChannel(key, secret, socketID, channel string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(socketID + ":" + channel))
	return key + ":" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyChannelSignature checks an auth token produced by SignChannel.
// The key prefix is optional. Comparison is constant time.
func VerifyChannelSignature(auth, secret, socketID, channel string) bool {
	if auth == "" || secret == "" || socketID == "" || channel == "" {
		return false
	}
	sig := auth
	if i := strings.LastIndexByte(sig, ':'); i >= 0 {
		sig = sig[i+1:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(socketID + ":" + channel))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// SecretAuthorizer
// ============================================================================

// SecretAuthorizer signs channels locally. Only useful against development
// servers whose app secret is known to the client.
type SecretAuthorizer struct {
	key    string
	secret string
}

func NewSecretAuthorizer(key, secret string) (*SecretAuthorizer, error) {
	if key == "" || secret == "" {
		return nil, errors.New("pusher key and secret are required")
	}
	return &SecretAuthorizer{key: key, secret: secret}, nil
}

func (a *SecretAuthorizer) Authorize(_ context.Context, socketID, channel string) (string, error) {
	if socketID == "" || channel == "" {
		return "", errors.New("socket id and channel are required")
	}
	return SignChannel(a.key, a.secret, socketID, channel), nil
}

// ============================================================================
// EndpointAuthorizer
// ============================================================================

// EndpointAuthorizer asks the backend to sign channels, sending the client's
// bearer token.
type EndpointAuthorizer struct {
	client   *Client
	endpoint string
}

// NewEndpointAuthorizer authorizes through endpoint, which is either an
// absolute URL or a path on the client's base URL. Empty means
// DefaultAuthEndpoint.
func NewEndpointAuthorizer(c *Client, endpoint string) *EndpointAuthorizer {
	if endpoint == "" {
		endpoint = DefaultAuthEndpoint
	}
	if !strings.Contains(endpoint, "://") {
		if !strings.HasPrefix(endpoint, "/") {
			endpoint = "/" + endpoint
		}
		endpoint = c.baseURL + endpoint
	}
	return &EndpointAuthorizer{client: c, endpoint: endpoint}
}

func (a *EndpointAuthorizer) Endpoint() string { return a.endpoint }

func (a *EndpointAuthorizer) Authorize(ctx context.Context, socketID, channel string) (string, error) {
	form := url.Values{"socket_id": {socketID}, "channel_name": {channel}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "failed to create auth request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if tok := a.client.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.client.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Op: "channel auth", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Op: "channel auth", Err: err}
	}

	res, err := normalizeResponse("Channel authorization failed", resp.StatusCode, resp.Header.Get("Content-Type"), body)
	if err != nil {
		return "", err
	}
	var out struct {
		Auth string `json:"auth"`
	}
	if err := json.Unmarshal(res.Raw, &out); err != nil || out.Auth == "" {
		return "", errors.New("auth response carried no signature")
	}
	return out.Auth, nil
}
