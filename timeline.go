package palai

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// TempIDPrefix marks ids synthesized for optimistic entries.
const TempIDPrefix = "temp-"

// MessageService is the part of the API a Timeline writes through.
// *MessagesClient implements it.
type MessageService interface {
	List(ctx context.Context, conversationID ID) ([]Message, error)
	Send(ctx context.Context, conversationID ID, opts SendMessageOptions) (*Result, error)
	Edit(ctx context.Context, conversationID, messageID ID, content string) (*Result, error)
	Delete(ctx context.Context, conversationID, messageID ID) (*Result, error)
}

// Confirmer approves destructive actions.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) bool

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) bool { return f(ctx, prompt) }

// AlwaysConfirm approves every prompt.
var AlwaysConfirm Confirmer = ConfirmFunc(func(context.Context, string) bool { return true })

// ============================================================================
// Change notifications
// ============================================================================

type TimelineEventKind string

const (
	EventLoaded   TimelineEventKind = "loaded"
	EventAppended TimelineEventKind = "appended"
	EventReplaced TimelineEventKind = "replaced"
	EventUpdated  TimelineEventKind = "updated"
	EventRemoved  TimelineEventKind = "removed"
)

// TimelineEvent describes one mutation of the message sequence.
type TimelineEvent struct {
	Kind    TimelineEventKind
	Message Message
	// PreviousID is the temporary id an authoritative message replaced.
	PreviousID ID
}

type timelineEmitter struct {
	mu        sync.RWMutex
	listeners []func(TimelineEvent)
}

func (e *timelineEmitter) OnChange(fn func(TimelineEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *timelineEmitter) emit(log logrus.FieldLogger, ev TimelineEvent) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Warn("timeline listener panicked")
				}
			}()
			fn(ev)
		}()
	}
}

// ============================================================================
// Timeline
// ============================================================================

// Timeline is the message sequence of one open conversation together with
// its compose state. Message ids are unique within the sequence at all times.
// Order is arrival order; entries are never re-sorted by timestamp.
type Timeline struct {
	timelineEmitter

	svc          MessageService
	conversation ID
	log          logrus.FieldLogger
	now          func() time.Time

	mu       sync.Mutex
	viewer   User
	messages []Message
	draft    string
	reply    *ReplyTarget
	sending  bool
	archived bool
	gen      uint64
	lastTemp int64
}

type TimelineOption func(*Timeline)

func WithTimelineLogger(log logrus.FieldLogger) TimelineOption {
	return func(t *Timeline) { t.log = log }
}

// WithClock overrides the time source used for temp ids and timestamps.
func WithClock(now func() time.Time) TimelineOption {
	return func(t *Timeline) { t.now = now }
}

// WithArchived marks the conversation as archived, which blocks sends.
func WithArchived(archived bool) TimelineOption {
	return func(t *Timeline) { t.archived = archived }
}

func NewTimeline(svc MessageService, conversationID ID, viewer User, opts ...TimelineOption) *Timeline {
	t := &Timeline{
		svc:          svc,
		conversation: conversationID,
		viewer:       viewer,
		log:          defaultLogger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.WithField("conversation", conversationID)
	return t
}

func (t *Timeline) ConversationID() ID { return t.conversation }

// Messages returns a snapshot of the sequence.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Find returns the entry with the given id.
func (t *Timeline) Find(id ID) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexLocked(id); i >= 0 {
		return t.messages[i], true
	}
	return Message{}, false
}

func (t *Timeline) indexLocked(id ID) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) removeLocked(id ID) (Message, bool) {
	i := t.indexLocked(id)
	if i < 0 {
		return Message{}, false
	}
	m := t.messages[i]
	t.messages = append(t.messages[:i:i], t.messages[i+1:]...)
	return m, true
}

// SetViewer changes the local user and recomputes edit permissions.
func (t *Timeline) SetViewer(u User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewer = u
	for i := range t.messages {
		t.messages[i] = t.messages[i].withPermissions(u.ID)
	}
}

func (t *Timeline) SetArchived(archived bool) {
	t.mu.Lock()
	t.archived = archived
	t.mu.Unlock()
}

// ============================================================================
// Compose state
// ============================================================================

func (t *Timeline) SetDraft(s string) {
	t.mu.Lock()
	t.draft = s
	t.mu.Unlock()
}

func (t *Timeline) Draft() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draft
}

// Sending reports whether a send is awaiting the server.
func (t *Timeline) Sending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sending
}

// ReplyTo points the next send at message id.
func (t *Timeline) ReplyTo(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(id)
	if i < 0 {
		return errors.Wrapf(ErrMessageNotFound, "reply to %s", id)
	}
	m := t.messages[i]
	t.reply = &ReplyTarget{MessageID: m.ID, Author: m.User.DisplayName(), Excerpt: excerpt(m.Content, 80)}
	return nil
}

func (t *Timeline) CancelReply() {
	t.mu.Lock()
	t.reply = nil
	t.mu.Unlock()
}

// Reply returns the current reply target, or nil.
func (t *Timeline) Reply() *ReplyTarget {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reply == nil {
		return nil
	}
	r := *t.reply
	return &r
}

func excerpt(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}

// ============================================================================
// Load
// ============================================================================

// Load replaces the sequence with the server history. Unconfirmed entries
// survive the reload. A load that is superseded by a later one, or whose
// context ends first, leaves the sequence untouched.
func (t *Timeline) Load(ctx context.Context) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	msgs, err := t.svc.List(ctx, t.conversation)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		t.log.Debug("discarding superseded load")
		return nil
	}
	t.replaceLocked(msgs)
	snapshot := len(t.messages)
	t.mu.Unlock()

	t.log.WithField("count", snapshot).Debug("messages loaded")
	t.emit(t.log, TimelineEvent{Kind: EventLoaded})
	return nil
}

// Seed shows messages without a network call, e.g. from a cache. A running
// Load is not cancelled and will overwrite the seed.
func (t *Timeline) Seed(msgs []Message) {
	t.mu.Lock()
	t.replaceLocked(msgs)
	t.mu.Unlock()
	t.emit(t.log, TimelineEvent{Kind: EventLoaded})
}

func (t *Timeline) replaceLocked(msgs []Message) {
	seen := make(map[ID]struct{}, len(msgs))
	next := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup || m.ID == "" {
			continue
		}
		seen[m.ID] = struct{}{}
		m.Sending = false
		next = append(next, m.withPermissions(t.viewer.ID))
	}
	for _, m := range t.messages {
		if _, dup := seen[m.ID]; m.Sending && !dup {
			next = append(next, m)
		}
	}
	t.messages = next
}

// ============================================================================
// Send
// ============================================================================

func (t *Timeline) nextTempIDLocked() ID {
	ms := t.now().UnixMilli()
	if ms <= t.lastTemp {
		ms = t.lastTemp + 1
	}
	for t.indexLocked(ID(TempIDPrefix+strconv.FormatInt(ms, 10))) >= 0 {
		ms++
	}
	t.lastTemp = ms
	return ID(TempIDPrefix + strconv.FormatInt(ms, 10))
}

// Send publishes the draft. The message is appended immediately as an
// optimistic entry and the draft and reply target are cleared. On success
// the entry is replaced in place by the server copy. On failure it is
// removed and the draft and reply target are restored.
func (t *Timeline) Send(ctx context.Context) (Message, error) {
	t.mu.Lock()
	content := strings.TrimSpace(t.draft)
	switch {
	case content == "":
		t.mu.Unlock()
		return Message{}, ErrEmptyContent
	case t.archived:
		t.mu.Unlock()
		return Message{}, ErrArchived
	case t.sending:
		t.mu.Unlock()
		return Message{}, ErrSendInFlight
	}

	viewer := t.viewer
	optimistic := Message{
		ID:             t.nextTempIDLocked(),
		ConversationID: t.conversation,
		Content:        content,
		UserID:         viewer.ID,
		User:           &viewer,
		CreatedAt:      t.now().UTC().Format(time.RFC3339),
		Sending:        true,
	}
	savedDraft, savedReply := t.draft, t.reply
	if savedReply != nil {
		optimistic.ReplyToMessageID = savedReply.MessageID
	}
	optimistic = optimistic.withPermissions(viewer.ID)
	t.messages = append(t.messages, optimistic)
	t.draft, t.reply, t.sending = "", nil, true
	t.mu.Unlock()

	t.emit(t.log, TimelineEvent{Kind: EventAppended, Message: optimistic})

	confirmed, err := t.send(ctx, optimistic)

	t.mu.Lock()
	t.sending = false
	if err != nil {
		t.removeLocked(optimistic.ID)
		t.draft = savedDraft
		if t.reply == nil {
			t.reply = savedReply
		}
		t.mu.Unlock()
		sendsMetric.WithLabelValues(outcomeFailed).Inc()
		t.log.WithError(err).WithField("message", optimistic.ID).Info("send failed, rolled back")
		t.emit(t.log, TimelineEvent{Kind: EventRemoved, Message: optimistic})
		return Message{}, err
	}

	confirmed = confirmed.withPermissions(t.viewer.ID)
	ev := TimelineEvent{Kind: EventReplaced, Message: confirmed, PreviousID: optimistic.ID}
	switch i := t.indexLocked(optimistic.ID); {
	case t.indexLocked(confirmed.ID) >= 0:
		// The pushed copy won the race.
		t.removeLocked(optimistic.ID)
		ev = TimelineEvent{Kind: EventRemoved, Message: optimistic}
		sendsMetric.WithLabelValues(outcomeDeduped).Inc()
	case i >= 0:
		t.messages[i] = confirmed
		sendsMetric.WithLabelValues(outcomeConfirmed).Inc()
	default:
		t.messages = append(t.messages, confirmed)
		ev = TimelineEvent{Kind: EventAppended, Message: confirmed}
		sendsMetric.WithLabelValues(outcomeConfirmed).Inc()
	}
	t.mu.Unlock()

	t.emit(t.log, ev)
	return confirmed, nil
}

func (t *Timeline) send(ctx context.Context, optimistic Message) (Message, error) {
	res, err := t.svc.Send(ctx, t.conversation, SendMessageOptions{
		Content:          optimistic.Content,
		ReplyToMessageID: optimistic.ReplyToMessageID,
	})
	if err != nil {
		return Message{}, err
	}
	// A send is only confirmed by success=true with data; the looser shapes
	// other calls accept leave the optimistic entry unconfirmed.
	if res.ExplicitFailure() {
		return Message{}, &FailedError{Op: "send message", Message: res.Message()}
	}
	if !res.ExplicitSuccess() || res.Data() == nil {
		return Message{}, errors.Wrap(ErrUnrecognized, "send message: response is not an explicit success")
	}
	raw, ok := payloadMessage(res.Raw)
	if !ok {
		return Message{}, errors.Wrap(ErrUnrecognized, "send message: response has no message")
	}
	m, _, err := decodeMessage(raw)
	if err != nil {
		return Message{}, errors.Wrap(err, "send message")
	}
	return m, nil
}

// ============================================================================
// Live events
// ============================================================================

// HandleSent applies a pushed "message sent" event. Ids already present are
// ignored, so duplicate delivery and the optimistic path never double an entry.
func (t *Timeline) HandleSent(raw json.RawMessage) {
	m, _, err := decodeMessage(raw)
	if err != nil {
		liveEventsMetric.WithLabelValues("sent", outcomeInvalid).Inc()
		t.log.WithError(err).Warn("ignoring malformed sent event")
		return
	}
	m.Sending = false

	t.mu.Lock()
	if t.indexLocked(m.ID) >= 0 {
		t.mu.Unlock()
		liveEventsMetric.WithLabelValues("sent", outcomeDuplicate).Inc()
		return
	}
	m = m.withPermissions(t.viewer.ID)
	t.messages = append(t.messages, m)
	t.mu.Unlock()

	liveEventsMetric.WithLabelValues("sent", outcomeApplied).Inc()
	t.emit(t.log, TimelineEvent{Kind: EventAppended, Message: m})
}

// HandleUpdated applies a pushed "message updated" event by merging the
// fields present in the payload over the stored entry. Unknown ids are dropped.
func (t *Timeline) HandleUpdated(raw json.RawMessage) {
	m, payload, err := decodeMessage(raw)
	if err != nil {
		liveEventsMetric.WithLabelValues("updated", outcomeInvalid).Inc()
		t.log.WithError(err).Warn("ignoring malformed updated event")
		return
	}

	t.mu.Lock()
	i := t.indexLocked(m.ID)
	if i < 0 {
		t.mu.Unlock()
		liveEventsMetric.WithLabelValues("updated", outcomeDropped).Inc()
		return
	}
	merged, err := mergeMessage(t.messages[i], payload)
	if err != nil {
		t.mu.Unlock()
		liveEventsMetric.WithLabelValues("updated", outcomeInvalid).Inc()
		t.log.WithError(err).Warn("cannot merge updated event")
		return
	}
	merged = merged.withPermissions(t.viewer.ID)
	t.messages[i] = merged
	t.mu.Unlock()

	liveEventsMetric.WithLabelValues("updated", outcomeApplied).Inc()
	t.emit(t.log, TimelineEvent{Kind: EventUpdated, Message: merged})
}

// mergeMessage overlays the fields present in payload onto prev. The id,
// the sending marker and a true edited flag always survive.
func mergeMessage(prev Message, payload []byte) (Message, error) {
	merged := prev
	// Fresh containers so decoding never writes through memory shared with
	// snapshots handed out earlier.
	present := gjson.GetManyBytes(payload, "user", "reply_to_message", "ai_responses")
	if present[0].Exists() {
		merged.User = nil
	}
	if present[1].Exists() {
		merged.ReplyToMessage = nil
	}
	if present[2].Exists() {
		merged.AIResponses = nil
	}
	if err := json.Unmarshal(payload, &merged); err != nil {
		return prev, errors.Wrap(err, "merge message")
	}
	merged.ID = prev.ID
	merged.Sending = prev.Sending
	merged.IsEdited = prev.IsEdited || merged.IsEdited
	return merged, nil
}

// ============================================================================
// Edit and delete
// ============================================================================

// Edit changes a message's content. Empty or unchanged content is rejected
// without a request. Local state changes only on a recognized success.
func (t *Timeline) Edit(ctx context.Context, id ID, content string) error {
	content = strings.TrimSpace(content)

	t.mu.Lock()
	i := t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return errors.Wrapf(ErrMessageNotFound, "edit %s", id)
	}
	current := t.messages[i].Content
	t.mu.Unlock()

	if content == "" {
		return ErrEmptyContent
	}
	if content == current {
		return ErrNoChange
	}

	res, err := t.svc.Edit(ctx, t.conversation, id, content)
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return &FailedError{Op: "edit message", Message: res.Message()}
	}

	t.mu.Lock()
	i = t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return nil
	}
	edited := t.messages[i]
	edited.Content = content
	edited.UpdatedAt = t.now().UTC().Format(time.RFC3339)
	if raw, ok := payloadMessage(res.Raw); ok {
		if merged, err := mergeMessage(edited, raw); err == nil {
			edited = merged
		}
	}
	edited.IsEdited = true
	edited = edited.withPermissions(t.viewer.ID)
	t.messages[i] = edited
	t.mu.Unlock()

	t.emit(t.log, TimelineEvent{Kind: EventUpdated, Message: edited})
	return nil
}

// Delete removes a message after confirm approves it. A declined prompt or a
// failed request leaves the sequence untouched.
func (t *Timeline) Delete(ctx context.Context, id ID, confirm Confirmer) error {
	if confirm == nil || !confirm.Confirm(ctx, "Delete this message?") {
		return ErrDeleteDeclined
	}

	res, err := t.svc.Delete(ctx, t.conversation, id)
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return &FailedError{Op: "delete message", Message: res.Message()}
	}

	t.mu.Lock()
	removed, ok := t.removeLocked(id)
	t.mu.Unlock()
	if ok {
		t.emit(t.log, TimelineEvent{Kind: EventRemoved, Message: removed})
	}
	return nil
}
