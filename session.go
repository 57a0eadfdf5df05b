package palai

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultLoadTimeout bounds how long Loading reports true for one load.
const DefaultLoadTimeout = 10 * time.Second

// UserService resolves the authenticated user. *UsersClient implements it.
type UserService interface {
	Current(ctx context.Context) (*User, error)
}

// Services groups the backend calls a Session makes.
type Services struct {
	Conversations ConversationService
	Messages      MessageService
	Users         UserService
}

// Services returns the client's sub-clients as a Services value.
func (c *Client) Services() Services {
	return Services{Conversations: c.Conversations, Messages: c.Messages, Users: c.Users}
}

type openConversation struct {
	id       ID
	timeline *Timeline
	cancel   context.CancelFunc
	channel  *Channel
}

// Session drives one signed-in view: the conversation list, the open
// conversation's timeline and its live channel. Opening a conversation
// stops the previous one's load and subscription first.
type Session struct {
	svc         Services
	bc          Broadcaster
	cache       MessageCache
	log         logrus.FieldLogger
	loadTimeout time.Duration
	now         func() time.Time

	list *ConversationList

	mu         sync.Mutex
	viewer     User
	loading    bool
	loadingGen uint64
	open       *openConversation
	listeners  []func(ID, TimelineEvent)
	autoOpen   bool
}

type SessionOption func(*Session)

func WithSessionLogger(log logrus.FieldLogger) SessionOption {
	return func(s *Session) { s.log = log }
}

// WithCache shows cached history while a conversation loads and writes
// every successful load back.
func WithCache(c MessageCache) SessionOption {
	return func(s *Session) { s.cache = c }
}

func WithLoadTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.loadTimeout = d }
}

func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithAutoOpen controls whether Start opens the first active conversation.
func WithAutoOpen(open bool) SessionOption {
	return func(s *Session) { s.autoOpen = open }
}

// NewSession creates a session. bc may be nil, in which case conversations
// are loaded without live updates.
func NewSession(svc Services, bc Broadcaster, opts ...SessionOption) *Session {
	if bc == nil {
		bc = NopBroadcaster{}
	}
	s := &Session{
		svc:         svc,
		bc:          bc,
		log:         defaultLogger(),
		loadTimeout: DefaultLoadTimeout,
		now:         time.Now,
		list:        NewConversationList(svc.Conversations),
		autoOpen:    true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) List() *ConversationList { return s.list }

func (s *Session) Viewer() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewer
}

// Loading reports whether a load is in progress and has not yet hit the
// load timeout.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Timeline returns the open conversation's timeline, or nil.
func (s *Session) Timeline() *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return nil
	}
	return s.open.timeline
}

// Live reports whether the open conversation has a live channel that is
// still connected.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open != nil && s.open.channel != nil && !s.open.channel.Closed()
}

// OnChange registers fn for every change to any timeline this session opens.
func (s *Session) OnChange(fn func(conversationID ID, ev TimelineEvent)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// beginLoading raises the loading flag and returns the func that lowers it.
// The flag is lowered after loadTimeout even if the load never returns.
func (s *Session) beginLoading() func() {
	s.mu.Lock()
	s.loadingGen++
	gen := s.loadingGen
	s.loading = true
	s.mu.Unlock()

	lower := func() {
		s.mu.Lock()
		if s.loadingGen == gen {
			s.loading = false
		}
		s.mu.Unlock()
	}
	timer := time.AfterFunc(s.loadTimeout, func() {
		s.log.WithField("timeout", s.loadTimeout).Warn("load is taking too long, hiding loading state")
		lower()
	})
	return func() {
		timer.Stop()
		lower()
	}
}

// Start loads the conversation list and the current user concurrently, then
// opens the first active conversation. A 401 is reported as
// ErrUnauthenticated.
func (s *Session) Start(ctx context.Context) error {
	done := s.beginLoading()

	var (
		convs []Conversation
		me    *User
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		convs, err = s.svc.Conversations.List(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		me, err = s.svc.Users.Current(gctx)
		return err
	})
	err := g.Wait()
	done()
	if err != nil {
		if IsUnauthorized(err) {
			return errors.WithMessage(ErrUnauthenticated, err.Error())
		}
		return err
	}

	s.mu.Lock()
	s.viewer = *me
	s.mu.Unlock()
	s.list.Replace(convs)
	s.log.WithFields(logrus.Fields{"user": me.ID, "conversations": len(convs)}).Info("session started")

	if !s.autoOpen {
		return nil
	}
	if active := s.list.Active(); len(active) > 0 {
		return s.Open(ctx, active[0].ID)
	}
	return nil
}

func (s *Session) current() *openConversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Open selects a conversation, loads its history and subscribes to its
// live channel. Without a channel the history is fetched once more to pick
// up anything sent while subscribing, and the conversation stays static.
func (s *Session) Open(ctx context.Context, id ID) error {
	conv, err := s.list.Select(id)
	if err != nil {
		return err
	}
	s.closeOpen(ctx)

	loadCtx, cancel := context.WithCancel(ctx)
	tl := NewTimeline(s.svc.Messages, id, s.Viewer(),
		WithArchived(bool(conv.Archived)),
		WithTimelineLogger(s.log),
		WithClock(s.now))
	tl.OnChange(func(ev TimelineEvent) { s.notify(id, ev) })

	oc := &openConversation{id: id, timeline: tl, cancel: cancel}
	s.mu.Lock()
	s.open = oc
	s.mu.Unlock()
	log := s.log.WithField("conversation", id)

	if s.cache != nil {
		if cached, err := s.cache.Get(id); err != nil {
			log.WithError(err).Warn("reading message cache")
		} else if len(cached) > 0 {
			tl.Seed(cached)
		}
	}

	done := s.beginLoading()
	loadErr := tl.Load(loadCtx)
	done()
	if loadErr != nil {
		if loadCtx.Err() != nil {
			return nil
		}
		log.WithError(loadErr).Warn("loading messages")
	} else {
		s.writeCache(id, tl)
	}

	if s.current() != oc {
		return nil
	}

	ch := s.bc.Subscribe(loadCtx, id, Handlers{Sent: tl.HandleSent, Updated: tl.HandleUpdated})
	if s.current() != oc {
		if ch != nil {
			s.bc.Unsubscribe(ctx, id)
		}
		return nil
	}
	if ch == nil {
		refetchMetric.Inc()
		log.Info("no live channel, refetching once")
		if err := tl.Load(loadCtx); err != nil {
			log.WithError(err).Warn("corrective refetch failed")
		} else {
			loadErr = nil
			s.writeCache(id, tl)
		}
	}

	s.mu.Lock()
	if s.open == oc {
		oc.channel = ch
	}
	s.mu.Unlock()
	return loadErr
}

func (s *Session) writeCache(id ID, tl *Timeline) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(id, tl.Messages()); err != nil {
		s.log.WithError(err).WithField("conversation", id).Warn("writing message cache")
	}
}

func (s *Session) notify(id ID, ev TimelineEvent) {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(id, ev)
	}
}

func (s *Session) closeOpen(ctx context.Context) {
	s.mu.Lock()
	prev := s.open
	s.open = nil
	s.mu.Unlock()
	if prev == nil {
		return
	}
	prev.cancel()
	s.bc.Unsubscribe(ctx, prev.id)
	s.writeCache(prev.id, prev.timeline)
}

// Close leaves the open conversation.
func (s *Session) Close(ctx context.Context) {
	s.closeOpen(ctx)
	s.list.ClearSelection()
}

// ============================================================================
// Conversation actions that also touch the open timeline
// ============================================================================

func (s *Session) Archive(ctx context.Context, id ID) error {
	if err := s.list.Archive(ctx, id); err != nil {
		return err
	}
	if tl := s.Timeline(); tl != nil && tl.ConversationID() == id {
		tl.SetArchived(true)
	}
	return nil
}

func (s *Session) Unarchive(ctx context.Context, id ID) error {
	if err := s.list.Unarchive(ctx, id); err != nil {
		return err
	}
	if tl := s.Timeline(); tl != nil && tl.ConversationID() == id {
		tl.SetArchived(false)
	}
	return nil
}

// Leave leaves a conversation, closing it first if it is open.
func (s *Session) Leave(ctx context.Context, id ID) error {
	if err := s.list.Leave(ctx, id); err != nil {
		return err
	}
	if oc := s.current(); oc != nil && oc.id == id {
		s.closeOpen(ctx)
	}
	if s.cache != nil {
		if err := s.cache.Delete(id); err != nil {
			s.log.WithError(err).Warn("dropping cached messages")
		}
	}
	return nil
}

// Create creates a conversation and opens it.
func (s *Session) Create(ctx context.Context, opts CreateConversationOptions) (Conversation, error) {
	conv, err := s.list.Create(ctx, opts)
	if err != nil {
		return Conversation{}, err
	}
	return conv, s.Open(ctx, conv.ID)
}
