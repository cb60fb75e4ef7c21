package llm

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"
)

// Cache memoizes backend responses keyed by prompt and stop sequences.
// Concurrent identical prompts share one backend call. The shared call is
// detached from every caller's cancellation, and each caller waits on its
// own context. Failed calls are not cached.
type Cache struct {
	backend Backend
	size    int
	timeout time.Duration
	group   singleflight.Group

	mu      sync.Mutex
	entries map[xxh3.Uint128]*list.Element
	order   *list.List
	hits    int64
	misses  int64
}

type cacheEntry struct {
	key  xxh3.Uint128
	text string
}

// NewCache wraps backend with an LRU cache holding up to size responses.
// timeout bounds each shared backend call; zero leaves it to the backend.
func NewCache(backend Backend, size int, timeout time.Duration) *Cache {
	if size <= 0 {
		size = 256
	}
	return &Cache{
		backend: backend,
		size:    size,
		timeout: timeout,
		entries: make(map[xxh3.Uint128]*list.Element),
		order:   list.New(),
	}
}

// Generate returns a cached response or calls the wrapped backend.
func (c *Cache) Generate(ctx context.Context, prompt string, stop []string) (string, error) {
	key := cacheKey(prompt, stop)
	if text, ok := c.get(key); ok {
		return text, nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	bytes := key.Bytes()
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(string(bytes[:]), func() (any, error) {
		if text, ok := c.peek(key); ok {
			return text, nil
		}
		callCtx := shared
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(shared, c.timeout)
			defer cancel()
		}
		text, err := c.backend.Generate(callCtx, prompt, stop)
		if err != nil {
			return "", err
		}
		c.put(key, text)
		return text, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) get(key xxh3.Uint128) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).text, true
}

func (c *Cache) peek(key xxh3.Uint128) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		return el.Value.(*cacheEntry).text, true
	}
	return "", false
}

func (c *Cache) put(key xxh3.Uint128, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).text = text
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, text: text})
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func cacheKey(prompt string, stop []string) xxh3.Uint128 {
	h := xxh3.New()
	_, _ = h.WriteString(prompt)
	for _, s := range stop {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(s)
	}
	return h.Sum128()
}

var _ Backend = (*Cache)(nil)
