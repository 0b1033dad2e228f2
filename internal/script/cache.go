package script

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/dop251/goja"
)

// CacheKey identifies a compiled program the way spec §4.4 specifies:
// "compiled on first use and cached keyed by (thing_id, hook_name,
// source_hash)".
type CacheKey struct {
	ThingID  string
	HookName string
	SourceSHA string
}

// SourceHash hashes a script body for use in a CacheKey.
func SourceHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Cache is a process-wide, bounded LRU of compiled goja programs, the
// "shared resource" named in spec §5/§9 alongside the storage connection
// pool and event-log client.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[CacheKey]*list.Element
}

type entry struct {
	key CacheKey
	prog *goja.Program
}

// NewCache creates a bounded compile cache. capacity <= 0 defaults to 1024
// entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[CacheKey]*list.Element),
	}
}

// GetOrCompile returns the cached program for key, compiling and storing it
// on a miss.
func (c *Cache) GetOrCompile(key CacheKey, source string) (*goja.Program, error) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		prog := el.Value.(*entry).prog
		c.mu.Unlock()
		return prog, nil
	}
	c.mu.Unlock()

	prog, err := goja.Compile(key.HookName, wrapSource(source), false)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*entry).prog, nil
	}
	el := c.ll.PushFront(&entry{key: key, prog: prog})
	c.items[key] = el
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
	return prog, nil
}

// wrapSource wraps a hook body in a function taking the fixed `context`
// argument, per spec §4.4.
func wrapSource(source string) string {
	return "(function(context) {\n" + source + "\n})(context);"
}
