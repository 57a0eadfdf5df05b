package palai

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ConversationService is the part of the API the list writes through.
// *ConversationsClient implements it.
type ConversationService interface {
	List(ctx context.Context) ([]Conversation, error)
	Create(ctx context.Context, opts CreateConversationOptions) (*Conversation, error)
	Rename(ctx context.Context, id ID, name string) (*Result, error)
	Pin(ctx context.Context, id ID) (*Result, error)
	Unpin(ctx context.Context, id ID) (*Result, error)
	Archive(ctx context.Context, id ID) (*Result, error)
	Unarchive(ctx context.Context, id ID) (*Result, error)
	Leave(ctx context.Context, id ID) (*Result, error)
	AddUser(ctx context.Context, id, userID ID) (*Conversation, error)
}

// ConversationList is the sidebar state: every conversation, the selection
// and the search text. Mutations are applied locally only after the backend
// accepts them.
type ConversationList struct {
	svc ConversationService

	mu       sync.RWMutex
	items    []Conversation
	selected *Conversation
	search   string
}

func NewConversationList(svc ConversationService) *ConversationList {
	return &ConversationList{svc: svc}
}

// Refresh reloads the list from the backend.
func (l *ConversationList) Refresh(ctx context.Context) error {
	convs, err := l.svc.List(ctx)
	if err != nil {
		return err
	}
	l.Replace(convs)
	return nil
}

// Replace swaps in a new list. The selection is refreshed from it, or
// cleared when the selected conversation is gone.
func (l *ConversationList) Replace(convs []Conversation) {
	items := make([]Conversation, len(convs))
	copy(items, convs)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = items
	if l.selected != nil {
		if i := l.indexLocked(l.selected.ID); i >= 0 {
			c := l.items[i]
			l.selected = &c
		} else {
			l.selected = nil
		}
	}
}

func (l *ConversationList) indexLocked(id ID) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

// All returns every conversation in arrival order.
func (l *ConversationList) All() []Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Conversation, len(l.items))
	copy(out, l.items)
	return out
}

func (l *ConversationList) Get(id ID) (Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.indexLocked(id); i >= 0 {
		return l.items[i], true
	}
	return Conversation{}, false
}

func (l *ConversationList) SetSearch(s string) {
	l.mu.Lock()
	l.search = s
	l.mu.Unlock()
}

func (l *ConversationList) Search() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.search
}

// Active returns unarchived conversations whose name contains the search
// text, ignoring case, with pinned ones first. Relative order is otherwise
// arrival order.
func (l *ConversationList) Active() []Conversation {
	l.mu.RLock()
	needle := strings.ToLower(strings.TrimSpace(l.search))
	var out []Conversation
	for _, c := range l.items {
		if c.Archived {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(c.Name), needle) {
			continue
		}
		out = append(out, c)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return bool(out[i].Pinned) && !bool(out[j].Pinned)
	})
	return out
}

// Archived returns archived conversations in arrival order.
func (l *ConversationList) Archived() []Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Conversation
	for _, c := range l.items {
		if c.Archived {
			out = append(out, c)
		}
	}
	return out
}

// Select marks a conversation as open.
func (l *ConversationList) Select(id ID) (Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(id)
	if i < 0 {
		return Conversation{}, errors.Errorf("conversation %s not found", id)
	}
	c := l.items[i]
	l.selected = &c
	return c, nil
}

func (l *ConversationList) ClearSelection() {
	l.mu.Lock()
	l.selected = nil
	l.mu.Unlock()
}

// Selected returns the open conversation.
func (l *ConversationList) Selected() (Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.selected == nil {
		return Conversation{}, false
	}
	return *l.selected, true
}

// ============================================================================
// Mutations
// ============================================================================

func (l *ConversationList) apply(id ID, fn func(*Conversation)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(id); i >= 0 {
		fn(&l.items[i])
	}
	if l.selected != nil && l.selected.ID == id {
		fn(l.selected)
	}
}

func (l *ConversationList) mutate(ctx context.Context, op string, id ID,
	call func(context.Context, ID) (*Result, error), fn func(*Conversation)) error {
	res, err := call(ctx, id)
	if err != nil {
		return err
	}
	if res.ExplicitFailure() {
		return &FailedError{Op: op, Message: res.Message()}
	}
	l.apply(id, fn)
	return nil
}

func (l *ConversationList) Pin(ctx context.Context, id ID) error {
	return l.mutate(ctx, "pin conversation", id, l.svc.Pin, func(c *Conversation) { c.Pinned = true })
}

func (l *ConversationList) Unpin(ctx context.Context, id ID) error {
	return l.mutate(ctx, "unpin conversation", id, l.svc.Unpin, func(c *Conversation) { c.Pinned = false })
}

// Archive archives a conversation. Archived conversations are never pinned.
func (l *ConversationList) Archive(ctx context.Context, id ID) error {
	return l.mutate(ctx, "archive conversation", id, l.svc.Archive, func(c *Conversation) {
		c.Archived = true
		c.Pinned = false
	})
}

func (l *ConversationList) Unarchive(ctx context.Context, id ID) error {
	return l.mutate(ctx, "unarchive conversation", id, l.svc.Unarchive, func(c *Conversation) { c.Archived = false })
}

// Rename renames a group conversation. An unchanged name is a no-op.
func (l *ConversationList) Rename(ctx context.Context, id ID, name string) error {
	name = strings.TrimSpace(name)
	conv, ok := l.Get(id)
	if !ok {
		return errors.Errorf("conversation %s not found", id)
	}
	if !conv.IsGroup() {
		return ErrNotGroup
	}
	if name == "" {
		return ErrEmptyName
	}
	if name == conv.Name {
		return nil
	}
	rename := func(ctx context.Context, id ID) (*Result, error) { return l.svc.Rename(ctx, id, name) }
	return l.mutate(ctx, "rename conversation", id, rename, func(c *Conversation) { c.Name = name })
}

// Create creates a conversation, puts it first and selects it.
func (l *ConversationList) Create(ctx context.Context, opts CreateConversationOptions) (Conversation, error) {
	conv, err := l.svc.Create(ctx, opts)
	if err != nil {
		return Conversation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(conv.ID); i >= 0 {
		l.items = append(l.items[:i:i], l.items[i+1:]...)
	}
	l.items = append([]Conversation{*conv}, l.items...)
	selected := *conv
	l.selected = &selected
	return *conv, nil
}

// Leave leaves a conversation, drops it from the list and clears the
// selection if it was open.
func (l *ConversationList) Leave(ctx context.Context, id ID) error {
	res, err := l.svc.Leave(ctx, id)
	if err != nil {
		return err
	}
	if res.ExplicitFailure() {
		return &FailedError{Op: "leave conversation", Message: res.Message()}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(id); i >= 0 {
		l.items = append(l.items[:i:i], l.items[i+1:]...)
	}
	if l.selected != nil && l.selected.ID == id {
		l.selected = nil
	}
	return nil
}

// AddUser adds a member and swaps in the conversation the backend returns.
func (l *ConversationList) AddUser(ctx context.Context, id, userID ID) (Conversation, error) {
	conv, err := l.svc.AddUser(ctx, id, userID)
	if err != nil {
		return Conversation{}, err
	}
	l.apply(conv.ID, func(c *Conversation) { *c = *conv })
	return *conv, nil
}
