package palai

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// MessageCache keeps the last loaded history per conversation so it can be
// shown before a fresh load completes. Get returns nil, nil on a miss.
type MessageCache interface {
	Get(conversationID ID) ([]Message, error)
	Put(conversationID ID, msgs []Message) error
	Delete(conversationID ID) error
	Close() error
}

// confirmedOnly drops optimistic entries, which are never persisted.
func confirmedOnly(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Sending {
			out = append(out, m)
		}
	}
	return out
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory MessageCache.
type MemoryCache struct {
	mu       sync.RWMutex
	messages map[ID][]Message
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{messages: make(map[ID][]Message)}
}

func (c *MemoryCache) Get(conversationID ID) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs, ok := c.messages[conversationID]
	if !ok {
		return nil, nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (c *MemoryCache) Put(conversationID ID, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[conversationID] = confirmedOnly(msgs)
	return nil
}

func (c *MemoryCache) Delete(conversationID ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, conversationID)
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// ============================================================================
// PebbleCache
// ============================================================================

// PebbleCache persists histories in a pebble database, one JSON value per
// conversation.
type PebbleCache struct {
	db *pebble.DB
}

func OpenPebbleCache(dir string) (*PebbleCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create cache directory")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open message cache")
	}
	return &PebbleCache{db: db}, nil
}

func messagesKey(conversationID ID) []byte {
	return []byte("conversation:" + conversationID.String() + ":messages")
}

func (c *PebbleCache) Get(conversationID ID) ([]Message, error) {
	v, closer, err := c.db.Get(messagesKey(conversationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read cached messages for %s", conversationID)
	}
	defer closer.Close()

	var msgs []Message
	if err := json.Unmarshal(v, &msgs); err != nil {
		return nil, errors.Wrapf(err, "decode cached messages for %s", conversationID)
	}
	return msgs, nil
}

func (c *PebbleCache) Put(conversationID ID, msgs []Message) error {
	b, err := json.Marshal(confirmedOnly(msgs))
	if err != nil {
		return errors.Wrap(err, "encode messages")
	}
	if err := c.db.Set(messagesKey(conversationID), b, pebble.Sync); err != nil {
		return errors.Wrapf(err, "write cached messages for %s", conversationID)
	}
	return nil
}

// Delete forgets a conversation, e.g. after leaving it.
func (c *PebbleCache) Delete(conversationID ID) error {
	return c.db.Delete(messagesKey(conversationID), pebble.Sync)
}

func (c *PebbleCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
