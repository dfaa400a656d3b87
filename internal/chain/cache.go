// Package chain rebuilds conversation history from linked platform messages.
package chain

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/ashureev/chaincord/internal/domain"
)

// DefaultMaxNodes is the cache size kept after each processing cycle.
const DefaultMaxNodes = 100

// Node is the cached, lazily resolved view of one platform message.
// All fields are guarded by the node's resolution lock.
type Node struct {
	mu       sync.Mutex
	resolved bool

	Text   string
	Images []Image
	Role   Role

	AuthorID string // set for user turns only
	Username string

	Upstream *domain.Message

	HasUnsupportedAttachments bool
	UpstreamFailed            bool
}

// Resolved reports whether the node's fields have been populated.
func (n *Node) Resolved() bool {
	return n.resolved
}

type cacheEntry struct {
	id   string
	node *Node
}

// NodeCache is a bounded, insertion-ordered store of nodes keyed by message id.
// A single mutex guards the index and order; per-node locks guard resolution.
type NodeCache struct {
	mu    sync.Mutex
	index map[string]*list.Element
	order *list.List

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Size      int    `json:"size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// NewNodeCache creates an empty cache.
func NewNodeCache() *NodeCache {
	return &NodeCache{
		index: make(map[string]*list.Element),
		order: list.New(),
	}
}

// GetOrCreate returns the node for id, inserting an empty one if absent.
// It never waits on a node lock.
func (c *NodeCache) GetOrCreate(id string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[id]; ok {
		c.hits.Add(1)
		return el.Value.(*cacheEntry).node
	}
	c.misses.Add(1)
	node := &Node{Role: RoleAssistant}
	c.index[id] = c.order.PushBack(&cacheEntry{id: id, node: node})
	return node
}

// Acquire returns the node for id with its resolution lock held.
// Every Acquire must be paired with Release.
func (c *NodeCache) Acquire(id string) *Node {
	node := c.GetOrCreate(id)
	node.mu.Lock()
	return node
}

// Release unlocks a node obtained from Acquire.
func (c *NodeCache) Release(node *Node) {
	node.mu.Unlock()
}

// WithLock runs fn with the resolution lock of id's node held. Concurrent
// callers for the same id run one at a time, so the first one to see an
// unresolved node populates it and the rest observe the result.
func (c *NodeCache) WithLock(id string, fn func(*Node)) {
	node := c.Acquire(id)
	defer c.Release(node)
	fn(node)
}

// EvictExcess removes the oldest entries until at most maxSize remain and
// returns the number removed. Each victim's lock is taken before removal so a
// resolver in progress finishes first.
func (c *NodeCache) EvictExcess(maxSize int) int {
	if maxSize < 0 {
		maxSize = 0
	}
	removed := 0
	for {
		c.mu.Lock()
		if c.order.Len() <= maxSize {
			c.mu.Unlock()
			return removed
		}
		front := c.order.Front()
		victim := front.Value.(*cacheEntry)
		c.mu.Unlock()

		// Lock order is node then cache; GetOrCreate never takes a node lock
		// while holding c.mu, so this cannot deadlock.
		victim.node.mu.Lock()
		c.mu.Lock()
		if el, ok := c.index[victim.id]; ok && el == front {
			c.order.Remove(front)
			delete(c.index, victim.id)
			removed++
			c.evictions.Add(1)
		}
		c.mu.Unlock()
		victim.node.mu.Unlock()
	}
}

// Len returns the number of cached nodes.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// IDs returns the cached ids, oldest first.
func (c *NodeCache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*cacheEntry).id)
	}
	return ids
}

// Stats returns the current counters.
func (c *NodeCache) Stats() Stats {
	return Stats{
		Size:      c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Reservation is a cache node for a reply the bot is still writing. The node
// stays locked until Complete, so chains that reach it wait for the final text.
type Reservation struct {
	cache *NodeCache
	node  *Node
	once  sync.Once
}

// Reserve inserts a locked assistant node for the message id, linked upstream
// to the message it answers.
func (c *NodeCache) Reserve(id string, upstream *domain.Message) *Reservation {
	node := c.Acquire(id)
	node.Role = RoleAssistant
	node.Upstream = upstream
	return &Reservation{cache: c, node: node}
}

// Complete stores the final reply text and releases the node. Calls after the
// first are ignored.
func (r *Reservation) Complete(text string) {
	r.once.Do(func() {
		r.node.Text = text
		r.node.resolved = true
		r.cache.Release(r.node)
	})
}
