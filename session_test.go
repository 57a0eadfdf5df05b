package palai

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeUsers struct {
	user *User
	err  error
}

func (f *fakeUsers) Current(context.Context) (*User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u := *f.user
	return &u, nil
}

// routedMessages serves history per conversation.
type routedMessages struct {
	*fakeMessages
	lists atomic.Int32
	list  func(ctx context.Context, id ID) ([]Message, error)
}

func (r *routedMessages) List(ctx context.Context, id ID) ([]Message, error) {
	r.lists.Add(1)
	return r.list(ctx, id)
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	live     bool
	handlers map[ID]Handlers
	subs     []ID
	unsubs   []ID
}

func newFakeBroadcaster(live bool) *fakeBroadcaster {
	return &fakeBroadcaster{live: live, handlers: make(map[ID]Handlers)}
}

func (b *fakeBroadcaster) Subscribe(_ context.Context, id ID, h Handlers) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, id)
	if !b.live {
		return nil
	}
	b.handlers[id] = h
	return newChannel(id)
}

func (b *fakeBroadcaster) Unsubscribe(_ context.Context, id ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs = append(b.unsubs, id)
	delete(b.handlers, id)
}

func (b *fakeBroadcaster) handler(id ID) (Handlers, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handlers[id]
	return h, ok
}

func (b *fakeBroadcaster) unsubscribed() []ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ID(nil), b.unsubs...)
}

type sessionFixture struct {
	convs *fakeConversations
	msgs  *routedMessages
	users *fakeUsers
	bc    *fakeBroadcaster
}

func newSessionFixture(live bool) *sessionFixture {
	return &sessionFixture{
		convs: &fakeConversations{items: sampleConversations()},
		msgs: &routedMessages{
			fakeMessages: &fakeMessages{},
			list: func(_ context.Context, id ID) ([]Message, error) {
				return []Message{msg(ID(id+"-1"), "2", "hello from "+string(id))}, nil
			},
		},
		users: &fakeUsers{user: &alice},
		bc:    newFakeBroadcaster(live),
	}
}

func (f *sessionFixture) session(opts ...SessionOption) *Session {
	svc := Services{Conversations: f.convs, Messages: f.msgs, Users: f.users}
	opts = append([]SessionOption{WithSessionLogger(NewLogger("panic"))}, opts...)
	return NewSession(svc, f.bc, opts...)
}

// ============================================================================
// Start
// ============================================================================

func TestSessionStart(t *testing.T) {
	t.Run("opens the first active conversation", func(t *testing.T) {
		f := newSessionFixture(true)
		s := f.session()
		require.NoError(t, s.Start(context.Background()))

		assert.Equal(t, alice, s.Viewer())
		tl := s.Timeline()
		require.NotNil(t, tl)
		assert.Equal(t, ID("2"), tl.ConversationID(), "pinned conversations come first")
		assert.Equal(t, []ID{"2-1"}, ids(tl.Messages()))
		assert.True(t, s.Live())
		assert.False(t, s.Loading())
		sel, ok := s.List().Selected()
		require.True(t, ok)
		assert.Equal(t, ID("2"), sel.ID)
	})

	t.Run("no auto open", func(t *testing.T) {
		f := newSessionFixture(true)
		s := f.session(WithAutoOpen(false))
		require.NoError(t, s.Start(context.Background()))
		assert.Nil(t, s.Timeline())
		assert.Len(t, s.List().All(), 5)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		f := newSessionFixture(true)
		f.users.err = &APIError{Status: 401, Message: "Unauthenticated."}
		err := f.session().Start(context.Background())
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("list failure", func(t *testing.T) {
		f := newSessionFixture(true)
		f.convs.err = &APIError{Status: 500, Message: "down"}
		err := f.session().Start(context.Background())
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnauthenticated))
	})
}

// ============================================================================
// Open
// ============================================================================

func TestSessionOpen(t *testing.T) {
	t.Run("live events reach the timeline", func(t *testing.T) {
		f := newSessionFixture(true)
		s := f.session(WithAutoOpen(false))
		require.NoError(t, s.Start(context.Background()))

		var seen []TimelineEvent
		var mu sync.Mutex
		s.OnChange(func(id ID, ev TimelineEvent) {
			mu.Lock()
			seen = append(seen, ev)
			mu.Unlock()
		})
		require.NoError(t, s.Open(context.Background(), "4"))

		h, ok := f.bc.handler("4")
		require.True(t, ok)
		h.Sent(json.RawMessage(`{"message":{"id":"4-2","content":"pushed","user_id":2}}`))
		h.Updated(json.RawMessage(`{"id":"4-1","content":"edited upstream","is_edited":true}`))

		got := s.Timeline().Messages()
		assert.Equal(t, []ID{"4-1", "4-2"}, ids(got))
		assert.Equal(t, "edited upstream", got[0].Content)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, seen, 3)
		assert.Equal(t, EventLoaded, seen[0].Kind)
		assert.Equal(t, EventAppended, seen[1].Kind)
		assert.Equal(t, EventUpdated, seen[2].Kind)
	})

	t.Run("switching unsubscribes the previous conversation", func(t *testing.T) {
		f := newSessionFixture(true)
		s := f.session()
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Open(context.Background(), "1"))

		assert.Equal(t, []ID{"2"}, f.bc.unsubscribed())
		_, stale := f.bc.handler("2")
		assert.False(t, stale)
		assert.Equal(t, ID("1"), s.Timeline().ConversationID())
	})

	t.Run("no channel triggers one refetch", func(t *testing.T) {
		f := newSessionFixture(false)
		s := f.session(WithAutoOpen(false))
		require.NoError(t, s.Start(context.Background()))

		require.NoError(t, s.Open(context.Background(), "1"))
		assert.EqualValues(t, 2, f.msgs.lists.Load())
		assert.False(t, s.Live())
		assert.Equal(t, []ID{"1-1"}, ids(s.Timeline().Messages()))
	})

	t.Run("unknown conversation", func(t *testing.T) {
		f := newSessionFixture(true)
		s := f.session(WithAutoOpen(false))
		require.NoError(t, s.Start(context.Background()))
		assert.Error(t, s.Open(context.Background(), "404"))
	})

	t.Run("archived conversation blocks sends", func(t *testing.T) {
		f := newSessionFixture(true)
		s := f.session(WithAutoOpen(false))
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Open(context.Background(), "3"))
		tl := s.Timeline()
		tl.SetDraft("hello?")
		_, err := tl.Send(context.Background())
		assert.ErrorIs(t, err, ErrArchived)
	})
}

func TestSessionPusher(t *testing.T) {
	pusherSession := func(t *testing.T, fp *fakePusher) (*Session, *PusherBroadcaster) {
		t.Helper()
		f := newSessionFixture(true)
		pb := newTestBroadcaster(t, fp.config(t), secretAuth(t))
		svc := Services{Conversations: f.convs, Messages: f.msgs, Users: f.users}
		s := NewSession(svc, pb, WithSessionLogger(NewLogger("panic")), WithAutoOpen(false))
		require.NoError(t, s.Start(context.Background()))
		return s, pb
	}

	t.Run("switching while connecting keeps the connection", func(t *testing.T) {
		fp := newFakePusher(t, false)
		fp.handshakeDelay.Store(int64(200 * time.Millisecond))
		s, pb := pusherSession(t, fp)

		first := make(chan error, 1)
		go func() { first <- s.Open(context.Background(), "1") }()
		require.Eventually(t, func() bool { return pb.State() == StateConnecting }, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, s.Open(context.Background(), "4"))
		require.NoError(t, <-first)

		assert.Equal(t, StateReady, pb.State())
		assert.Equal(t, ID("4"), s.Timeline().ConversationID())
		assert.True(t, s.Live())
		assert.Equal(t, int32(1), fp.dials.Load())
	})

	t.Run("live is false after the connection drops", func(t *testing.T) {
		fp := newFakePusher(t, false)
		s, pb := pusherSession(t, fp)

		require.NoError(t, s.Open(context.Background(), "4"))
		require.True(t, s.Live())
		fp.next(t)

		fp.hangUp()
		require.Eventually(t, func() bool { return pb.State() == StateUnavailable }, 2*time.Second, 10*time.Millisecond)
		assert.False(t, s.Live())
	})
}

func TestSessionSupersededLoad(t *testing.T) {
	f := newSessionFixture(true)
	release := make(chan struct{})
	var cancelled atomic.Bool
	f.msgs.list = func(ctx context.Context, id ID) ([]Message, error) {
		if id == "1" {
			select {
			case <-ctx.Done():
				cancelled.Store(true)
				return nil, ctx.Err()
			case <-release:
			}
		}
		return []Message{msg(ID(id+"-1"), "2", "x")}, nil
	}
	s := f.session(WithAutoOpen(false))
	require.NoError(t, s.Start(context.Background()))

	first := make(chan error)
	go func() { first <- s.Open(context.Background(), "1") }()
	require.Eventually(t, func() bool { return f.msgs.lists.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Open(context.Background(), "4"))
	require.NoError(t, <-first, "a superseded open is not an error")
	close(release)

	assert.True(t, cancelled.Load(), "the first load was cancelled")
	assert.Equal(t, ID("4"), s.Timeline().ConversationID())
	assert.Equal(t, []ID{"4-1"}, ids(s.Timeline().Messages()))
	_, subscribed := f.bc.handler("1")
	assert.False(t, subscribed)
}

func TestSessionLoadingTimeout(t *testing.T) {
	f := newSessionFixture(true)
	release := make(chan struct{})
	f.msgs.list = func(ctx context.Context, id ID) ([]Message, error) {
		<-release
		return nil, nil
	}
	s := f.session(WithAutoOpen(false), WithLoadTimeout(100*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))

	done := make(chan error)
	go func() { done <- s.Open(context.Background(), "1") }()
	require.Eventually(t, s.Loading, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !s.Loading() }, time.Second, 5*time.Millisecond,
		"loading is hidden after the timeout while the request is still pending")

	close(release)
	require.NoError(t, <-done)
	assert.False(t, s.Loading())
}

func TestSessionCache(t *testing.T) {
	f := newSessionFixture(true)
	cache := NewMemoryCache()
	require.NoError(t, cache.Put("1", []Message{msg("old", "2", "cached")}))

	release := make(chan struct{})
	f.msgs.list = func(ctx context.Context, id ID) ([]Message, error) {
		<-release
		return []Message{msg("old", "2", "cached"), msg("new", "2", "fresh")}, nil
	}
	s := f.session(WithAutoOpen(false), WithCache(cache))
	require.NoError(t, s.Start(context.Background()))

	done := make(chan error)
	go func() { done <- s.Open(context.Background(), "1") }()
	require.Eventually(t, func() bool {
		tl := s.Timeline()
		return tl != nil && tl.Len() == 1
	}, time.Second, time.Millisecond, "cached history shows before the load finishes")

	close(release)
	require.NoError(t, <-done)
	cached, err := cache.Get("1")
	require.NoError(t, err)
	assert.Equal(t, []ID{"old", "new"}, ids(cached))

	require.NoError(t, s.Leave(context.Background(), "1"))
	cached, _ = cache.Get("1")
	assert.Nil(t, cached, "leaving drops the cache entry")
}

// ============================================================================
// Conversation actions
// ============================================================================

func TestSessionActions(t *testing.T) {
	ctx := context.Background()

	t.Run("archive and unarchive the open conversation", func(t *testing.T) {
		f := newSessionFixture(true)
		s := f.session(WithAutoOpen(false))
		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.Open(ctx, "1"))

		require.NoError(t, s.Archive(ctx, "1"))
		tl := s.Timeline()
		tl.SetDraft("hi")
		_, err := tl.Send(ctx)
		assert.ErrorIs(t, err, ErrArchived)

		require.NoError(t, s.Unarchive(ctx, "1"))
		_, err = tl.Send(ctx)
		assert.NoError(t, err)
	})

	t.Run("leave closes the open conversation", func(t *testing.T) {
		f := newSessionFixture(true)
		s := f.session()
		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.Leave(ctx, "2"))
		assert.Nil(t, s.Timeline())
		assert.Contains(t, f.bc.unsubscribed(), ID("2"))
		_, ok := s.List().Get("2")
		assert.False(t, ok)
	})

	t.Run("create opens the new conversation", func(t *testing.T) {
		f := newSessionFixture(true)
		f.convs.created = &Conversation{ID: "9", Type: ConversationPrivate}
		s := f.session(WithAutoOpen(false))
		require.NoError(t, s.Start(ctx))
		conv, err := s.Create(ctx, CreateConversationOptions{UsersRaw: "zed"})
		require.NoError(t, err)
		assert.Equal(t, ID("9"), conv.ID)
		assert.Equal(t, ID("9"), s.Timeline().ConversationID())
	})

	t.Run("close", func(t *testing.T) {
		f := newSessionFixture(true)
		s := f.session()
		require.NoError(t, s.Start(ctx))
		s.Close(ctx)
		assert.Nil(t, s.Timeline())
		_, ok := s.List().Selected()
		assert.False(t, ok)
		assert.Equal(t, []ID{"2"}, f.bc.unsubscribed())
	})
}
