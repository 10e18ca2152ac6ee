package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

const defaultMaxSize = 100

type entry[V any] struct {
	key       string
	value     V
	createdAt time.Time
}

// LRUCache implements Cache with LRU eviction and a TTL shared by all
// entries. Expired entries are dropped when they are next read.
type LRUCache[V any] struct {
	config       Config
	items        map[string]*list.Element
	evictionList *list.List
	mu           sync.Mutex
	now          func() time.Time
}

var _ Cache[struct{}] = (*LRUCache[struct{}])(nil)

// NewLRUCache creates a new LRU cache with the given configuration
func NewLRUCache[V any](config Config) *LRUCache[V] {
	if config.MaxSize <= 0 {
		config.MaxSize = defaultMaxSize
	}
	return &LRUCache[V]{
		config:       config,
		items:        make(map[string]*list.Element),
		evictionList: list.New(),
		now:          time.Now,
	}
}

func (c *LRUCache[V]) expired(e *entry[V]) bool {
	return c.config.DefaultTTL > 0 && c.now().Sub(e.createdAt) > c.config.DefaultTTL
}

// Get retrieves an item from cache
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	element, exists := c.items[key]
	if !exists {
		return zero, false
	}

	e := element.Value.(*entry[V])
	if c.expired(e) {
		c.removeElementUnsafe(element)
		return zero, false
	}

	c.evictionList.MoveToFront(element)
	return e.value, true
}

// Set stores an item, restarting its TTL
func (c *LRUCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, exists := c.items[key]; exists {
		e := element.Value.(*entry[V])
		e.value = value
		e.createdAt = c.now()
		c.evictionList.MoveToFront(element)
		return
	}

	c.items[key] = c.evictionList.PushFront(&entry[V]{
		key:       key,
		value:     value,
		createdAt: c.now(),
	})
	if c.evictionList.Len() > c.config.MaxSize {
		if oldest := c.evictionList.Back(); oldest != nil {
			c.removeElementUnsafe(oldest)
		}
	}
}

// Clear removes all items with a specific prefix; "" clears everything.
func (c *LRUCache[V]) Clear(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, element := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeElementUnsafe(element)
		}
	}
}

// Close drops every entry. Safe to call more than once.
func (c *LRUCache[V]) Close() error {
	c.Clear("")
	return nil
}

// removeElementUnsafe removes an element from cache (caller must hold lock)
func (c *LRUCache[V]) removeElementUnsafe(element *list.Element) {
	delete(c.items, element.Value.(*entry[V]).key)
	c.evictionList.Remove(element)
}
