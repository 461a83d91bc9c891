package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"blocktalk/internal/models"
	"blocktalk/internal/utils/log"

	"go.uber.org/zap"
)

const saveTimeout = 5 * time.Second

// MessageStore persists whole conversations. SaveAll overwrites everything
// stored under key, so the last write wins.
type MessageStore interface {
	LoadAll(ctx context.Context, key string) ([]models.Message, error)
	SaveAll(ctx context.Context, key string, messages []models.Message) error
	Keys(ctx context.Context) ([]string, error)
}

// Conversation is the ordered message collection shared by two participants.
// Messages are appended once and afterwards only replaced by id, by the
// pipeline run that owns them.
type Conversation struct {
	key     string
	store   MessageStore
	metrics *Metrics

	mu       sync.RWMutex
	messages []models.Message
	index    map[string]int
	subs     map[int]chan models.Message
	nextSub  int

	saveMu sync.Mutex
}

func newConversation(key string, store MessageStore, metrics *Metrics, loaded []models.Message) *Conversation {
	c := &Conversation{
		key:      key,
		store:    store,
		metrics:  metrics,
		messages: make([]models.Message, 0, len(loaded)),
		index:    make(map[string]int, len(loaded)),
		subs:     make(map[int]chan models.Message),
	}
	for _, m := range loaded {
		if i, dup := c.index[m.ID]; dup {
			c.messages[i] = m.Clone()
			continue
		}
		c.index[m.ID] = len(c.messages)
		c.messages = append(c.messages, m.Clone())
	}
	return c
}

func (c *Conversation) Key() string { return c.key }

// Messages returns a copy of the collection in insertion order.
func (c *Conversation) Messages() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.CloneAll(c.messages)
}

// Get returns the current snapshot of id.
func (c *Conversation) Get(id string) (models.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[id]
	if !ok {
		return models.Message{}, false
	}
	return c.messages[i].Clone(), true
}

// Put records a snapshot. A new id is appended; a known id is replaced if it
// is the same message (sender and timestamp agree) and the status change is a
// legal lifecycle step. Subscribers see the snapshot before
// Put returns, and the whole collection is then written to the store.
// Store failures are logged, never returned.
func (c *Conversation) Put(ctx context.Context, msg models.Message) error {
	snap := msg.Clone()
	snap.Plaintext = ""

	c.mu.Lock()
	if i, ok := c.index[snap.ID]; ok {
		cur := c.messages[i]
		if cur.SenderID != snap.SenderID || !cur.Timestamp.Equal(snap.Timestamp) {
			c.mu.Unlock()
			return fmt.Errorf("%w: message %s", ErrDuplicateID, snap.ID)
		}
		if !cur.Status.CanTransition(snap.Status) {
			c.mu.Unlock()
			return fmt.Errorf("%w: message %s %s -> %s", ErrInvalidTransition, snap.ID, cur.Status, snap.Status)
		}
		c.messages[i] = snap
	} else {
		c.index[snap.ID] = len(c.messages)
		c.messages = append(c.messages, snap)
	}
	c.broadcast(snap)
	c.mu.Unlock()

	c.metrics.snapshot(snap.Status)
	c.persist(ctx)
	return nil
}

// broadcast must run with c.mu held so every subscriber sees snapshots in
// the order they were put. A subscriber whose buffer is full is dropped.
func (c *Conversation) broadcast(m models.Message) {
	for id, ch := range c.subs {
		select {
		case ch <- m.Clone():
		default:
			log.Warn("dropping slow conversation subscriber", zap.String("conversation", c.key), zap.Int("subscriber", id))
			close(ch)
			delete(c.subs, id)
		}
	}
}

// Subscribe streams every snapshot put after the call. The channel is closed
// by cancel, or when the subscriber falls more than buffer snapshots behind.
func (c *Conversation) Subscribe(buffer int) (<-chan models.Message, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan models.Message, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				close(sub)
				delete(c.subs, id)
			}
		})
	}
	return ch, cancel
}

// persist writes the latest collection. It takes the copy after acquiring
// saveMu so a slow earlier save can never overwrite a newer one.
func (c *Conversation) persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	msgs := c.Messages()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := c.store.SaveAll(saveCtx, c.key, msgs); err != nil {
		c.metrics.saveError()
		log.Error("save conversation failed", zap.String("conversation", c.key), zap.Error(err))
	}
}

// Conversations opens conversations on demand and keeps them for the life of
// the process.
type Conversations struct {
	store   MessageStore
	metrics *Metrics

	mu   sync.Mutex
	open map[string]*Conversation
}

func NewConversations(store MessageStore, metrics *Metrics) *Conversations {
	return &Conversations{
		store:   store,
		metrics: metrics,
		open:    make(map[string]*Conversation),
	}
}

// Open returns the conversation between a and b, loading it from the store
// the first time it is asked for.
func (r *Conversations) Open(ctx context.Context, a, b string) (*Conversation, error) {
	return r.OpenKey(ctx, models.ConversationKey(a, b))
}

func (r *Conversations) OpenKey(ctx context.Context, key string) (*Conversation, error) {
	if _, _, err := models.ParseConversationKey(key); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.open[key]; ok {
		return c, nil
	}

	var loaded []models.Message
	if r.store != nil {
		var err error
		loaded, err = r.store.LoadAll(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", key, err)
		}
	}
	c := newConversation(key, r.store, r.metrics, loaded)
	r.open[key] = c
	return c, nil
}

// Keys lists every known conversation, stored or only open in memory.
func (r *Conversations) Keys(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	if r.store != nil {
		stored, err := r.store.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("list conversation keys: %w", err)
		}
		for _, k := range stored {
			set[k] = struct{}{}
		}
	}
	r.mu.Lock()
	for k := range r.open {
		set[k] = struct{}{}
	}
	r.mu.Unlock()

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// ForUser opens every conversation userID takes part in.
func (r *Conversations) ForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Conversation
	for _, k := range keys {
		if userID != "" && !models.HasParticipant(k, userID) {
			continue
		}
		c, err := r.OpenKey(ctx, k)
		if err != nil {
			log.Warn("skipping unreadable conversation", zap.String("conversation", k), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
