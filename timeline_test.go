package palai

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeMessages is an in-memory MessageService. Each hook, when set, replaces
// the default behavior for that call.
type fakeMessages struct {
	mu      sync.Mutex
	history []Message
	sends   []SendMessageOptions
	edits   int
	deletes int

	list   func(ctx context.Context) ([]Message, error)
	send   func(ctx context.Context, opts SendMessageOptions) (*Result, error)
	edit   func(ctx context.Context, id ID, content string) (*Result, error)
	delete func(ctx context.Context, id ID) (*Result, error)
}

func (f *fakeMessages) List(ctx context.Context, _ ID) ([]Message, error) {
	if f.list != nil {
		return f.list(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeMessages) Send(ctx context.Context, _ ID, opts SendMessageOptions) (*Result, error) {
	f.mu.Lock()
	f.sends = append(f.sends, opts)
	f.mu.Unlock()
	if f.send != nil {
		return f.send(ctx, opts)
	}
	return okResult(`{"success":true,"data":{"id":100,"content":` + quote(opts.Content) + `,"user_id":1}}`), nil
}

func (f *fakeMessages) Edit(ctx context.Context, _, id ID, content string) (*Result, error) {
	f.mu.Lock()
	f.edits++
	f.mu.Unlock()
	if f.edit != nil {
		return f.edit(ctx, id, content)
	}
	return okResult(`{"success":true}`), nil
}

func (f *fakeMessages) Delete(ctx context.Context, _, id ID) (*Result, error) {
	f.mu.Lock()
	f.deletes++
	f.mu.Unlock()
	if f.delete != nil {
		return f.delete(ctx, id)
	}
	return okResult(`{"success":true}`), nil
}

func okResult(body string) *Result {
	return &Result{Status: 200, Raw: json.RawMessage(body)}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

var (
	alice = User{ID: "1", Name: "Alice"}
	bob   = User{ID: "2", Name: "Bob"}
)

func msg(id ID, userID ID, content string) Message {
	return Message{ID: id, ConversationID: "10", UserID: userID, Content: content}
}

func ids(msgs []Message) []ID {
	out := make([]ID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertUniqueIDs(t *testing.T, msgs []Message) {
	t.Helper()
	seen := map[ID]bool{}
	for _, m := range msgs {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func newTestTimeline(svc MessageService, opts ...TimelineOption) *Timeline {
	opts = append([]TimelineOption{WithTimelineLogger(NewLogger("panic"))}, opts...)
	return NewTimeline(svc, "10", alice, opts...)
}

func loaded(t *testing.T, svc *fakeMessages, opts ...TimelineOption) *Timeline {
	t.Helper()
	tl := newTestTimeline(svc, opts...)
	require.NoError(t, tl.Load(context.Background()))
	return tl
}

// ============================================================================
// Load
// ============================================================================

func TestTimelineLoad(t *testing.T) {
	t.Run("replaces and computes permissions", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "1", "mine"), msg("2", "2", "theirs")}}
		tl := loaded(t, svc)
		got := tl.Messages()
		require.Len(t, got, 2)
		assert.True(t, got[0].CanEditOrDelete)
		assert.False(t, got[1].CanEditOrDelete)
	})

	t.Run("server duplicates collapse", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "1", "a"), msg("1", "1", "a"), msg("2", "2", "b")}}
		tl := loaded(t, svc)
		assert.Equal(t, []ID{"1", "2"}, ids(tl.Messages()))
	})

	t.Run("superseded load is discarded", func(t *testing.T) {
		release := make(chan struct{})
		calls := 0
		var mu sync.Mutex
		svc := &fakeMessages{}
		svc.list = func(ctx context.Context) ([]Message, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				<-release
				return []Message{msg("old", "2", "stale")}, nil
			}
			return []Message{msg("new", "2", "fresh")}, nil
		}
		tl := newTestTimeline(svc)

		done := make(chan error)
		go func() { done <- tl.Load(context.Background()) }()
		require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return calls == 1 }, time.Second, time.Millisecond)

		require.NoError(t, tl.Load(context.Background()))
		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, []ID{"new"}, ids(tl.Messages()))
	})

	t.Run("cancelled load leaves state untouched", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "2", "kept")}}
		tl := loaded(t, svc)

		ctx, cancel := context.WithCancel(context.Background())
		svc.list = func(context.Context) ([]Message, error) {
			cancel()
			return []Message{msg("9", "2", "late")}, nil
		}
		err := tl.Load(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []ID{"1"}, ids(tl.Messages()))
	})

	t.Run("unconfirmed entries survive reload", func(t *testing.T) {
		block := make(chan struct{})
		svc := &fakeMessages{}
		svc.send = func(context.Context, SendMessageOptions) (*Result, error) {
			<-block
			return okResult(`{"success":true,"data":{"id":50,"content":"hi","user_id":1}}`), nil
		}
		tl := newTestTimeline(svc)
		tl.SetDraft("hi")

		sent := make(chan error)
		go func() { _, err := tl.Send(context.Background()); sent <- err }()
		require.Eventually(t, tl.Sending, time.Second, time.Millisecond)

		svc.mu.Lock()
		svc.history = []Message{msg("1", "2", "earlier")}
		svc.mu.Unlock()
		require.NoError(t, tl.Load(context.Background()))
		got := tl.Messages()
		require.Len(t, got, 2)
		assert.True(t, got[1].Sending)

		close(block)
		require.NoError(t, <-sent)
		assert.Equal(t, []ID{"1", "50"}, ids(tl.Messages()))
	})
}

func TestTimelineSeed(t *testing.T) {
	tl := newTestTimeline(&fakeMessages{})
	tl.Seed([]Message{msg("1", "1", "cached")})
	m, ok := tl.Find("1")
	require.True(t, ok)
	assert.True(t, m.CanEditOrDelete)
}

// ============================================================================
// Send
// ============================================================================

func TestTimelineSend(t *testing.T) {
	t.Run("optimistic then confirmed in place", func(t *testing.T) {
		block := make(chan struct{})
		svc := &fakeMessages{history: []Message{msg("1", "2", "hello")}}
		svc.send = func(_ context.Context, opts SendMessageOptions) (*Result, error) {
			<-block
			return okResult(`{"success":true,"data":{"id":2,"content":"hey","user_id":1}}`), nil
		}
		tl := loaded(t, svc, WithClock(fixedClock(time.UnixMilli(1700000000000))))

		var events []TimelineEvent
		var evMu sync.Mutex
		tl.OnChange(func(ev TimelineEvent) { evMu.Lock(); events = append(events, ev); evMu.Unlock() })

		tl.SetDraft("  hey  ")
		done := make(chan Message)
		go func() { m, _ := tl.Send(context.Background()); done <- m }()
		require.Eventually(t, tl.Sending, time.Second, time.Millisecond)

		pending := tl.Messages()
		require.Len(t, pending, 2)
		assert.Equal(t, ID("temp-1700000000000"), pending[1].ID)
		assert.True(t, pending[1].Sending)
		assert.Equal(t, "hey", pending[1].Content)
		assert.Equal(t, "", tl.Draft(), "draft cleared on send")

		_, err := tl.Send(context.Background())
		assert.ErrorIs(t, err, ErrEmptyContent)
		tl.SetDraft("second")
		_, err = tl.Send(context.Background())
		assert.ErrorIs(t, err, ErrSendInFlight)

		close(block)
		confirmed := <-done
		assert.Equal(t, ID("2"), confirmed.ID)

		got := tl.Messages()
		assert.Equal(t, []ID{"1", "2"}, ids(got))
		assert.False(t, got[1].Sending)
		assert.True(t, got[1].CanEditOrDelete)

		evMu.Lock()
		defer evMu.Unlock()
		require.Len(t, events, 2)
		assert.Equal(t, EventAppended, events[0].Kind)
		assert.Equal(t, EventReplaced, events[1].Kind)
		assert.Equal(t, ID("temp-1700000000000"), events[1].PreviousID)
	})

	t.Run("validation", func(t *testing.T) {
		svc := &fakeMessages{}
		tl := newTestTimeline(svc, WithArchived(true))

		tl.SetDraft("   ")
		_, err := tl.Send(context.Background())
		assert.ErrorIs(t, err, ErrEmptyContent)

		tl.SetDraft("hi")
		_, err = tl.Send(context.Background())
		assert.ErrorIs(t, err, ErrArchived)
		assert.Equal(t, "hi", tl.Draft())
		assert.Empty(t, svc.sends)
	})

	t.Run("failure rolls back", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "2", "question")}}
		svc.send = func(context.Context, SendMessageOptions) (*Result, error) {
			return nil, &APIError{Status: 500, Message: "boom"}
		}
		tl := loaded(t, svc)
		require.NoError(t, tl.ReplyTo("1"))
		tl.SetDraft("answer")

		_, err := tl.Send(context.Background())
		require.Error(t, err)
		assert.Equal(t, []ID{"1"}, ids(tl.Messages()))
		assert.Equal(t, "answer", tl.Draft())
		require.NotNil(t, tl.Reply())
		assert.Equal(t, ID("1"), tl.Reply().MessageID)
		assert.False(t, tl.Sending())
		assert.Equal(t, ID("1"), svc.sends[0].ReplyToMessageID)
	})

	t.Run("success false rolls back", func(t *testing.T) {
		svc := &fakeMessages{}
		svc.send = func(context.Context, SendMessageOptions) (*Result, error) {
			return okResult(`{"success":false,"message":"muted"}`), nil
		}
		tl := loaded(t, svc)
		tl.SetDraft("hi")
		_, err := tl.Send(context.Background())
		var failed *FailedError
		require.True(t, errors.As(err, &failed))
		assert.Equal(t, "muted", failed.Message)
		assert.Empty(t, tl.Messages())
	})

	t.Run("unrecognized success rolls back", func(t *testing.T) {
		svc := &fakeMessages{}
		svc.send = func(context.Context, SendMessageOptions) (*Result, error) {
			return okResult(`{"success":true}`), nil
		}
		tl := loaded(t, svc)
		tl.SetDraft("hi")
		_, err := tl.Send(context.Background())
		assert.ErrorIs(t, err, ErrUnrecognized)
		assert.Empty(t, tl.Messages())
		assert.Equal(t, "hi", tl.Draft())
	})

	for _, body := range []string{
		`{"status":"success","data":{"message":{"id":5,"content":"hi","user_id":1}}}`,
		`{"data":{"message":{"id":5,"content":"hi","user_id":1}}}`,
		`{"success":true,"data":null}`,
	} {
		t.Run("without explicit success rolls back "+body, func(t *testing.T) {
			svc := &fakeMessages{}
			svc.send = func(context.Context, SendMessageOptions) (*Result, error) {
				return okResult(body), nil
			}
			tl := loaded(t, svc)
			tl.SetDraft("hi")
			_, err := tl.Send(context.Background())
			assert.ErrorIs(t, err, ErrUnrecognized)
			assert.Empty(t, tl.Messages())
			assert.Equal(t, "hi", tl.Draft())
		})
	}

	t.Run("pushed copy arrives before the response", func(t *testing.T) {
		svc := &fakeMessages{}
		var tl *Timeline
		svc.send = func(context.Context, SendMessageOptions) (*Result, error) {
			tl.HandleSent(json.RawMessage(`{"message":{"id":77,"content":"race","user_id":1}}`))
			return okResult(`{"success":true,"data":{"message":{"id":77,"content":"race","user_id":1}}}`), nil
		}
		tl = loaded(t, svc)
		tl.SetDraft("race")
		_, err := tl.Send(context.Background())
		require.NoError(t, err)

		got := tl.Messages()
		assertUniqueIDs(t, got)
		assert.Equal(t, []ID{"77"}, ids(got))
	})

	t.Run("temp ids are unique under a frozen clock", func(t *testing.T) {
		svc := &fakeMessages{}
		svc.send = func(context.Context, SendMessageOptions) (*Result, error) {
			return nil, errors.New("offline")
		}
		tl := loaded(t, svc, WithClock(fixedClock(time.UnixMilli(5))))
		tl.mu.Lock()
		a := tl.nextTempIDLocked()
		b := tl.nextTempIDLocked()
		tl.mu.Unlock()
		assert.NotEqual(t, a, b)
		assert.True(t, strings.HasPrefix(string(a), TempIDPrefix))
	})
}

func TestTimelineReply(t *testing.T) {
	svc := &fakeMessages{history: []Message{{ID: "1", UserID: "2", User: &bob, Content: "where are we meeting?"}}}
	tl := loaded(t, svc)

	assert.ErrorIs(t, tl.ReplyTo("404"), ErrMessageNotFound)
	require.NoError(t, tl.ReplyTo("1"))
	r := tl.Reply()
	require.NotNil(t, r)
	assert.Equal(t, "Bob", r.Author)
	assert.Equal(t, "where are we meeting?", r.Excerpt)

	tl.SetDraft("at noon")
	_, err := tl.Send(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tl.Reply(), "reply cleared after send")
	assert.Equal(t, ID("1"), svc.sends[0].ReplyToMessageID)

	require.NoError(t, tl.ReplyTo("1"))
	tl.CancelReply()
	assert.Nil(t, tl.Reply())
}

// ============================================================================
// Live events
// ============================================================================

func TestTimelineHandleSent(t *testing.T) {
	svc := &fakeMessages{history: []Message{msg("1", "2", "a")}}
	tl := loaded(t, svc)

	tl.HandleSent(json.RawMessage(`{"message":{"id":2,"content":"b","user_id":2}}`))
	tl.HandleSent(json.RawMessage(`{"id":2,"content":"b","user_id":2}`))
	tl.HandleSent(json.RawMessage(`{"id":3,"content":"c","user_id":1}`))
	tl.HandleSent(json.RawMessage(`{"content":"no id"}`))
	tl.HandleSent(json.RawMessage(`not json`))

	got := tl.Messages()
	assert.Equal(t, []ID{"1", "2", "3"}, ids(got))
	assert.True(t, got[2].CanEditOrDelete)
}

func TestTimelineHandleUpdated(t *testing.T) {
	base := func() *Timeline {
		first := Message{
			ID: "1", UserID: "2", User: &bob, Content: "draft",
			AIResponses: []AIResponse{{ID: "a1", Content: "old"}},
			IsEdited:    true,
		}
		return loaded(t, &fakeMessages{history: []Message{first, msg("2", "1", "other")}})
	}

	t.Run("merges present fields only", func(t *testing.T) {
		tl := base()
		tl.HandleUpdated(json.RawMessage(`{"message":{"id":1,"content":"final","ai_responses":[{"id":"a2","content":"new"}]}}`))
		m, ok := tl.Find("1")
		require.True(t, ok)
		assert.Equal(t, "final", m.Content)
		require.NotNil(t, m.User, "absent fields are kept")
		assert.Equal(t, "Bob", m.User.Name)
		require.Len(t, m.AIResponses, 1)
		assert.Equal(t, ID("a2"), m.AIResponses[0].ID)
	})

	t.Run("edited flag never reverts", func(t *testing.T) {
		tl := base()
		tl.HandleUpdated(json.RawMessage(`{"id":1,"is_edited":false}`))
		m, _ := tl.Find("1")
		assert.True(t, bool(m.IsEdited))
	})

	t.Run("unknown id is dropped", func(t *testing.T) {
		tl := base()
		before := tl.Messages()
		tl.HandleUpdated(json.RawMessage(`{"id":99,"content":"ghost"}`))
		assert.Equal(t, before, tl.Messages())
	})

	t.Run("snapshots are not mutated", func(t *testing.T) {
		tl := base()
		snap := tl.Messages()
		tl.HandleUpdated(json.RawMessage(`{"id":1,"user":{"id":2,"name":"Robert"}}`))
		assert.Equal(t, "Bob", snap[0].User.Name)
		m, _ := tl.Find("1")
		assert.Equal(t, "Robert", m.User.Name)
	})
}

// ============================================================================
// Edit and delete
// ============================================================================

func TestTimelineEdit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("success", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "1", "helo")}}
		tl := loaded(t, svc, WithClock(fixedClock(now)))
		require.NoError(t, tl.Edit(context.Background(), "1", " hello "))
		m, _ := tl.Find("1")
		assert.Equal(t, "hello", m.Content)
		assert.True(t, bool(m.IsEdited))
		assert.Equal(t, "2026-03-01T12:00:00Z", m.UpdatedAt)
	})

	t.Run("server copy wins", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "1", "helo")}}
		svc.edit = func(context.Context, ID, string) (*Result, error) {
			return okResult(`{"success":true,"data":{"id":1,"content":"hello","updated_at":"2026-03-01T12:00:05Z","is_edited":1}}`), nil
		}
		tl := loaded(t, svc, WithClock(fixedClock(now)))
		require.NoError(t, tl.Edit(context.Background(), "1", "hello"))
		m, _ := tl.Find("1")
		assert.Equal(t, "2026-03-01T12:00:05Z", m.UpdatedAt)
	})

	t.Run("rejected locally", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "1", "same")}}
		tl := loaded(t, svc)
		assert.ErrorIs(t, tl.Edit(context.Background(), "1", "  "), ErrEmptyContent)
		assert.ErrorIs(t, tl.Edit(context.Background(), "1", " same "), ErrNoChange)
		assert.ErrorIs(t, tl.Edit(context.Background(), "404", "x"), ErrMessageNotFound)
		assert.Zero(t, svc.edits)
	})

	t.Run("failure leaves content", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "1", "old")}}
		svc.edit = func(context.Context, ID, string) (*Result, error) {
			return okResult(`{"status":"error","message":"locked"}`), nil
		}
		tl := loaded(t, svc)
		require.Error(t, tl.Edit(context.Background(), "1", "new"))
		m, _ := tl.Find("1")
		assert.Equal(t, "old", m.Content)
		assert.False(t, bool(m.IsEdited))
	})
}

func TestTimelineDelete(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "1", "a"), msg("2", "1", "b")}}
		tl := loaded(t, svc)
		require.NoError(t, tl.Delete(context.Background(), "1", AlwaysConfirm))
		assert.Equal(t, []ID{"2"}, ids(tl.Messages()))
	})

	t.Run("declined", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "1", "a")}}
		tl := loaded(t, svc)
		no := ConfirmFunc(func(context.Context, string) bool { return false })
		assert.ErrorIs(t, tl.Delete(context.Background(), "1", no), ErrDeleteDeclined)
		assert.ErrorIs(t, tl.Delete(context.Background(), "1", nil), ErrDeleteDeclined)
		assert.Zero(t, svc.deletes)
		assert.Equal(t, 1, tl.Len())
	})

	t.Run("failure keeps message", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "1", "a")}}
		svc.delete = func(context.Context, ID) (*Result, error) {
			return nil, &APIError{Status: 403, Message: "Forbidden"}
		}
		tl := loaded(t, svc)
		require.Error(t, tl.Delete(context.Background(), "1", AlwaysConfirm))
		assert.Equal(t, 1, tl.Len())
	})

	t.Run("failure for an absent id keeps the sequence", func(t *testing.T) {
		svc := &fakeMessages{history: []Message{msg("1", "1", "a"), msg("2", "2", "b")}}
		svc.delete = func(context.Context, ID) (*Result, error) {
			return nil, &APIError{Status: 404, Message: "Not Found"}
		}
		tl := loaded(t, svc)
		before := tl.Messages()
		require.Error(t, tl.Delete(context.Background(), "missing", AlwaysConfirm))
		assert.Equal(t, []ID{"1", "2"}, ids(tl.Messages()))
		assert.Equal(t, before, tl.Messages())
	})
}

// ============================================================================
// Interleavings
// ============================================================================

func TestTimelineIDsStayUnique(t *testing.T) {
	svc := &fakeMessages{history: []Message{msg("1", "2", "a")}}
	var next int
	var mu sync.Mutex
	svc.send = func(_ context.Context, opts SendMessageOptions) (*Result, error) {
		mu.Lock()
		next++
		id := 1000 + next
		mu.Unlock()
		body, _ := json.Marshal(map[string]any{"success": true, "data": map[string]any{"id": id, "content": opts.Content, "user_id": 1}})
		return okResult(string(body)), nil
	}
	tl := loaded(t, svc)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			tl.HandleSent(json.RawMessage(`{"id":` + quote(string(rune('a'+i))) + `,"content":"x","user_id":2}`))
			tl.HandleSent(json.RawMessage(`{"id":1001,"content":"dup","user_id":1}`))
		}(i)
		go func() {
			defer wg.Done()
			tl.SetDraft("hello")
			_, _ = tl.Send(context.Background())
		}()
	}
	wg.Wait()

	assertUniqueIDs(t, tl.Messages())
	for _, m := range tl.Messages() {
		assert.False(t, m.Sending)
	}
}
