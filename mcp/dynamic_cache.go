package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
)

// DynamicCache is an LRU of per-credential aggregators for the servers
// that forward the caller's token. Entries are keyed by a fingerprint of
// the credential; eviction closes the aggregator and everything it owns.
// The list discipline gives O(1) get, set, and evict.
type DynamicCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	servers  map[string]config.MCPServerConfig
	items    map[string]*dynNode
	head     *dynNode // most recently used
	tail     *dynNode // least recently used
	logger   *zap.Logger
	now      func() time.Time
}

type dynNode struct {
	key        string
	aggregator *Aggregator
	expiresAt  time.Time
	prev, next *dynNode
}

// NewDynamicCache creates the cache over the forwarding subset of the
// configured servers.
func NewDynamicCache(servers map[string]config.MCPServerConfig, capacity int, ttl time.Duration, logger *zap.Logger) *DynamicCache {
	forwarding := make(map[string]config.MCPServerConfig)
	for name, cfg := range servers {
		if cfg.Auth.IsForward() {
			forwarding[name] = cfg
		}
	}
	return &DynamicCache{
		capacity: capacity,
		ttl:      ttl,
		servers:  forwarding,
		items:    make(map[string]*dynNode),
		logger:   logger.With(zap.String("component", "dynamic_cache")),
		now:      time.Now,
	}
}

// HasServers reports whether any configured server forwards credentials.
func (c *DynamicCache) HasServers() bool { return len(c.servers) > 0 }

// Fingerprint derives the cache key from a forwarded credential.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Get returns the aggregator for the credential, building one on miss.
// Two different tokens always yield two distinct aggregators; the same
// token reuses its aggregator until eviction or TTL expiry.
func (c *DynamicCache) Get(ctx context.Context, token string, inbound http.Header) *Aggregator {
	key := Fingerprint(token)

	c.mu.Lock()
	if node, ok := c.items[key]; ok {
		if c.now().Before(node.expiresAt) {
			c.moveToHead(node)
			agg := node.aggregator
			c.mu.Unlock()
			return agg
		}
		c.removeNode(node)
		delete(c.items, key)
		defer node.aggregator.Close()
	}
	c.mu.Unlock()

	// Construction happens outside the lock; downstream handshakes are
	// slow. A racing request for the same credential may build a second
	// aggregator; the loser is closed on insert.
	agg := NewAggregator(ctx, c.servers, token, inbound, c.logger)

	c.mu.Lock()
	defer c.mu.Unlock()
	if node, ok := c.items[key]; ok && c.now().Before(node.expiresAt) {
		c.moveToHead(node)
		go agg.Close()
		return node.aggregator
	}
	if len(c.items) >= c.capacity {
		c.evictTail()
	}
	node := &dynNode{key: key, aggregator: agg, expiresAt: c.now().Add(c.ttl)}
	c.items[key] = node
	c.addToHead(node)
	return agg
}

// Close evicts every entry.
func (c *DynamicCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, node := range c.items {
		node.aggregator.Close()
	}
	c.items = make(map[string]*dynNode)
	c.head, c.tail = nil, nil
}

// Len returns the number of cached aggregators.
func (c *DynamicCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *DynamicCache) addToHead(node *dynNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *DynamicCache) removeNode(node *dynNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

func (c *DynamicCache) moveToHead(node *dynNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

func (c *DynamicCache) evictTail() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	delete(c.items, victim.key)
	c.removeNode(victim)
	c.logger.Debug("evicting dynamic aggregator", zap.String("key", victim.key))
	go victim.aggregator.Close()
}
