package palai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Capability
// ============================================================================

// Event names the backend broadcasts on a conversation channel.
const (
	EventMessageSent    = "message.sent"
	EventMessageUpdated = "message.updated"
)

// Handlers receive raw message payloads pushed on a conversation channel.
// A payload is either a bare message or one wrapped under "message".
type Handlers struct {
	Sent    func(json.RawMessage)
	Updated func(json.RawMessage)
}

// Broadcaster delivers live message events per conversation.
//
// Subscribe returns nil when no live channel can be provided. Callers then
// refetch the conversation once and continue without live updates.
type Broadcaster interface {
	Subscribe(ctx context.Context, conversationID ID, h Handlers) *Channel
	Unsubscribe(ctx context.Context, conversationID ID)
}

// NopBroadcaster never provides a channel.
type NopBroadcaster struct{}

func (NopBroadcaster) Subscribe(context.Context, ID, Handlers) *Channel { return nil }
func (NopBroadcaster) Unsubscribe(context.Context, ID)                  {}

// ChannelName is the private channel a conversation's events arrive on.
func ChannelName(conversationID ID) string {
	return "private-conversation." + conversationID.String()
}

// ============================================================================
// Channel
// ============================================================================

// Channel is a subscription handle for one conversation.
type Channel struct {
	ConversationID ID
	Name           string

	mu        sync.RWMutex
	listeners map[string]func(json.RawMessage)
	closed    bool
}

func newChannel(conversationID ID) *Channel {
	return &Channel{
		ConversationID: conversationID,
		Name:           ChannelName(conversationID),
		listeners:      make(map[string]func(json.RawMessage)),
	}
}

func (c *Channel) listen(event string, fn func(json.RawMessage)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners[event] = fn
	c.mu.Unlock()
}

func (c *Channel) stopListening(event string) {
	c.mu.Lock()
	delete(c.listeners, event)
	c.mu.Unlock()
}

func (c *Channel) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Closed reports whether the handle was unsubscribed or lost its connection.
// A closed channel delivers no more events.
func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Listening reports whether a handler is attached for the wire event name.
func (c *Channel) Listening(event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.listeners[event]
	return ok
}

func (c *Channel) dispatch(log logrus.FieldLogger, event string, payload json.RawMessage) {
	c.mu.RLock()
	fn := c.listeners[event]
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{"channel": c.Name, "event": event, "panic": r}).Warn("event handler panicked")
		}
	}()
	fn(payload)
}

// ============================================================================
// Pusher protocol
// ============================================================================

// ConnectionState is the lifecycle of the shared pusher connection.
// Unavailable is terminal.
type ConnectionState string

const (
	StateUninitialized ConnectionState = "uninitialized"
	StateConnecting    ConnectionState = "connecting"
	StateReady         ConnectionState = "ready"
	StateUnavailable   ConnectionState = "unavailable"
)

const (
	pusherProtocol = 7
	clientName     = "palai-go"
	clientVersion  = "1.0.0"
)

// pusherEvent is the wire envelope for every frame in both directions.
type pusherEvent struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// payload returns Data with one level of string encoding removed. Pusher
// servers send event data as a JSON string holding JSON.
func (e pusherEvent) payload() json.RawMessage {
	d := bytes.TrimSpace(e.Data)
	if len(d) > 0 && d[0] == '"' {
		var s string
		if json.Unmarshal(d, &s) == nil {
			return json.RawMessage(s)
		}
	}
	return json.RawMessage(d)
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type pusherError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PusherConfig locates a Pusher protocol server such as soketi or
// laravel-websockets.
type PusherConfig struct {
	Key    string
	Host   string
	Port   int
	Scheme string // http, https, ws or wss
	// Path is prepended to /app/<key>.
	Path string
	// Namespace prefixes event names the way Laravel Echo does, e.g.
	// "App.Events". Empty means names are matched verbatim, unlike Echo
	// which defaults to "App.Events"; set it when the backend broadcasts
	// class names instead of broadcastAs names.
	Namespace string

	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	// HTTPClient is used for the upgrade request. It must not set Timeout;
	// DialTimeout bounds the handshake instead.
	HTTPClient *http.Client
}

func (c *PusherConfig) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Port == 0 {
		if c.secure() {
			c.Port = 443
		} else {
			c.Port = 80
		}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

func (c *PusherConfig) secure() bool {
	s := strings.TrimSuffix(strings.ToLower(c.Scheme), ":")
	return s == "https" || s == "wss"
}

// SocketURL is the websocket endpoint for the configured app.
func (c PusherConfig) SocketURL() string {
	c.defaults()
	scheme := "ws"
	if c.secure() {
		scheme = "wss"
	}
	q := url.Values{}
	q.Set("protocol", strconv.Itoa(pusherProtocol))
	q.Set("client", clientName)
	q.Set("version", clientVersion)
	q.Set("flash", "false")
	u := url.URL{
		Scheme:   scheme,
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     strings.TrimRight(c.Path, "/") + "/app/" + url.PathEscape(c.Key),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// EventName formats an event name the way Laravel Echo listens for it.
// A leading "." or "\" opts out of the namespace. Echo's default
// "App.Events" namespace is not assumed; an empty Namespace matches verbatim.
func (c PusherConfig) EventName(event string) string {
	if strings.HasPrefix(event, ".") || strings.HasPrefix(event, `\`) {
		return event[1:]
	}
	if c.Namespace == "" {
		return event
	}
	return strings.ReplaceAll(c.Namespace+"."+event, ".", `\`)
}

// ============================================================================
// PusherBroadcaster
// ============================================================================

// PusherBroadcaster subscribes to private conversation channels over one
// shared pusher connection. The connection is dialed on the first Subscribe.
// If that fails, or the connection later drops, the broadcaster becomes
// unavailable for good and every Subscribe returns nil.
type PusherBroadcaster struct {
	cfg  PusherConfig
	auth ChannelAuthorizer
	log  logrus.FieldLogger

	mu       sync.Mutex
	state    ConnectionState
	resolved chan struct{}
	conn     *websocket.Conn
	socketID string
	cancel   context.CancelFunc
	closing  bool
	channels map[ID]*Channel
	byName   map[string]*Channel
}

type PusherOption func(*PusherBroadcaster)

func WithPusherLogger(log logrus.FieldLogger) PusherOption {
	return func(b *PusherBroadcaster) { b.log = log }
}

func NewPusherBroadcaster(cfg PusherConfig, auth ChannelAuthorizer, opts ...PusherOption) *PusherBroadcaster {
	cfg.defaults()
	b := &PusherBroadcaster{
		cfg:      cfg,
		auth:     auth,
		log:      defaultLogger(),
		state:    StateUninitialized,
		resolved: make(chan struct{}),
		channels: make(map[ID]*Channel),
		byName:   make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(b)
	}
	setChannelStateMetric(StateUninitialized)
	return b
}

// State returns the connection state.
func (b *PusherBroadcaster) State() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SocketID is the id assigned by the server once Ready.
func (b *PusherBroadcaster) SocketID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.socketID
}

func (b *PusherBroadcaster) setStateLocked(s ConnectionState) {
	b.state = s
	setChannelStateMetric(s)
}

// ensureConnection resolves the shared connection, dialing it if this is
// the first use. It reports whether the connection is Ready.
func (b *PusherBroadcaster) ensureConnection(ctx context.Context) bool {
	b.mu.Lock()
	switch b.state {
	case StateReady:
		b.mu.Unlock()
		return true
	case StateUnavailable:
		b.mu.Unlock()
		return false
	case StateConnecting:
		resolved := b.resolved
		b.mu.Unlock()
		select {
		case <-resolved:
			return b.State() == StateReady
		case <-ctx.Done():
			return false
		}
	}
	b.setStateLocked(StateConnecting)
	resolved := b.resolved
	b.mu.Unlock()

	go b.resolve()

	select {
	case <-resolved:
		return b.State() == StateReady
	case <-ctx.Done():
		return false
	}
}

// resolve dials the shared connection. It is detached from any subscriber's
// context so an abandoned Subscribe cannot decide the connection state; the
// dial is bounded by DialTimeout.
func (b *PusherBroadcaster) resolve() {
	err := b.connect(context.Background())

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.setStateLocked(StateUnavailable)
		b.log.WithError(err).Warn("live updates unavailable")
	} else if b.state == StateConnecting {
		b.setStateLocked(StateReady)
	}
	close(b.resolved)
}

func (b *PusherBroadcaster) connect(ctx context.Context) error {
	if b.cfg.Key == "" {
		return errors.New("pusher app key is not configured")
	}
	if b.cfg.Host == "" {
		return errors.New("pusher host is not configured")
	}
	if b.auth == nil {
		return errors.New("no channel authorizer configured")
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancelDial()

	conn, _, err := websocket.Dial(dialCtx, b.cfg.SocketURL(), &websocket.DialOptions{HTTPClient: b.cfg.HTTPClient})
	if err != nil {
		return errors.Wrap(err, "websocket dial")
	}
	conn.SetReadLimit(1 << 20)

	var ev pusherEvent
	if err := wsjson.Read(dialCtx, conn, &ev); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return errors.Wrap(err, "read handshake")
	}
	switch ev.Event {
	case "pusher:connection_established":
	case "pusher:error":
		var pe pusherError
		_ = json.Unmarshal(ev.payload(), &pe)
		conn.Close(websocket.StatusNormalClosure, "")
		return errors.Errorf("pusher error %d: %s", pe.Code, pe.Message)
	default:
		conn.Close(websocket.StatusNormalClosure, "")
		return errors.Errorf("expected pusher:connection_established, got %q", ev.Event)
	}

	var est connectionEstablished
	if err := json.Unmarshal(ev.payload(), &est); err != nil || est.SocketID == "" {
		conn.Close(websocket.StatusNormalClosure, "")
		return errors.New("handshake carried no socket id")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return errors.New("broadcaster closed")
	}
	b.conn = conn
	b.socketID = est.SocketID
	b.cancel = cancel
	b.mu.Unlock()

	heartbeat := b.cfg.HeartbeatInterval
	if heartbeat == 0 && est.ActivityTimeout > 0 {
		heartbeat = time.Duration(est.ActivityTimeout) * time.Second
	}

	b.log.WithField("socket_id", est.SocketID).Info("pusher connection established")
	go b.readLoop(loopCtx, conn)
	if heartbeat > 0 {
		go b.heartbeatLoop(loopCtx, conn, heartbeat)
	}
	return nil
}

func (b *PusherBroadcaster) write(ctx context.Context, ev interface{}) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	// A write interrupted by its context closes the connection, so caller
	// cancellation is not passed through.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.DialTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}

func (b *PusherBroadcaster) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var ev pusherEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			b.dropped(err)
			return
		}

		switch ev.Event {
		case "pusher:ping":
			_ = wsjson.Write(ctx, conn, pusherEvent{Event: "pusher:pong", Data: json.RawMessage("{}")})
		case "pusher:pong":
		case "pusher_internal:subscription_succeeded":
			b.log.WithField("channel", ev.Channel).Debug("subscribed")
		case "pusher:subscription_error", "pusher:error":
			b.log.WithFields(logrus.Fields{"channel": ev.Channel, "data": string(ev.payload())}).Warn("pusher reported an error")
		default:
			if ev.Channel == "" {
				continue
			}
			b.mu.Lock()
			ch := b.byName[ev.Channel]
			b.mu.Unlock()
			if ch != nil {
				ch.dispatch(b.log, ev.Event, ev.payload())
			}
		}
	}
}

func (b *PusherBroadcaster) heartbeatLoop(ctx context.Context, conn *websocket.Conn, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, pusherEvent{Event: "pusher:ping", Data: json.RawMessage("{}")}); err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

// dropped moves a lost connection to the terminal state. Existing handles
// are discarded so later subscribes fall back to refetching.
func (b *PusherBroadcaster) dropped(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.conn = nil
	b.closeChannelsLocked()
	subscriptionsMetric.Set(0)
	b.setStateLocked(StateUnavailable)
	b.log.WithError(err).Warn("pusher connection lost, live updates disabled")
}

// Subscribe returns the live channel for a conversation, creating it on first
// use. It returns nil when the connection is unavailable or the channel
// cannot be authorized.
func (b *PusherBroadcaster) Subscribe(ctx context.Context, conversationID ID, h Handlers) *Channel {
	if conversationID == "" {
		return nil
	}
	b.mu.Lock()
	if ch, ok := b.channels[conversationID]; ok {
		b.mu.Unlock()
		return ch
	}
	b.mu.Unlock()

	if !b.ensureConnection(ctx) {
		return nil
	}

	name := ChannelName(conversationID)
	log := b.log.WithFields(logrus.Fields{"conversation": conversationID, "channel": name})
	auth, err := b.auth.Authorize(ctx, b.SocketID(), name)
	if err != nil {
		log.WithError(err).Warn("channel authorization failed")
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	b.mu.Lock()
	if ch, ok := b.channels[conversationID]; ok {
		b.mu.Unlock()
		return ch
	}
	if b.state != StateReady {
		b.mu.Unlock()
		return nil
	}
	ch := newChannel(conversationID)
	ch.listen(b.cfg.EventName(EventMessageSent), h.Sent)
	ch.listen(b.cfg.EventName(EventMessageUpdated), h.Updated)
	b.channels[conversationID] = ch
	b.byName[name] = ch
	subscriptionsMetric.Set(float64(len(b.channels)))
	b.mu.Unlock()

	data, _ := json.Marshal(map[string]string{"auth": auth, "channel": name})
	if err := b.write(ctx, pusherEvent{Event: "pusher:subscribe", Data: data}); err != nil {
		log.WithError(err).Warn("subscribe failed")
		b.forget(conversationID)
		return nil
	}
	log.Debug("subscribe sent")
	return ch
}

func (b *PusherBroadcaster) forget(conversationID ID) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.channels[conversationID]
	if ch == nil {
		return nil
	}
	delete(b.channels, conversationID)
	delete(b.byName, ch.Name)
	subscriptionsMetric.Set(float64(len(b.channels)))
	ch.close()
	return ch
}

func (b *PusherBroadcaster) closeChannelsLocked() {
	for _, ch := range b.channels {
		ch.close()
	}
	b.channels = make(map[ID]*Channel)
	b.byName = make(map[string]*Channel)
}

// Unsubscribe detaches the conversation's handlers and leaves its channel.
// Failures are logged, never returned. The handle is always forgotten.
func (b *PusherBroadcaster) Unsubscribe(ctx context.Context, conversationID ID) {
	ch := b.forget(conversationID)
	if ch == nil {
		return
	}
	func() {
		defer func() { recover() }()
		ch.stopListening(b.cfg.EventName(EventMessageSent))
		ch.stopListening(b.cfg.EventName(EventMessageUpdated))
	}()

	data, _ := json.Marshal(map[string]string{"channel": ch.Name})
	if err := b.write(ctx, pusherEvent{Event: "pusher:unsubscribe", Data: data}); err != nil {
		b.log.WithError(err).WithField("channel", ch.Name).Debug("unsubscribe not sent")
	}
}

// Close shuts the connection. The broadcaster is unavailable afterwards.
func (b *PusherBroadcaster) Close() error {
	b.mu.Lock()
	b.closing = true
	if b.cancel != nil {
		b.cancel()
	}
	conn := b.conn
	b.conn = nil
	b.closeChannelsLocked()
	b.setStateLocked(StateUnavailable)
	b.mu.Unlock()
	subscriptionsMetric.Set(0)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (b *PusherBroadcaster) String() string {
	return fmt.Sprintf("pusher(%s, %s)", b.cfg.Host, b.State())
}
