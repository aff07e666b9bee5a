// Package compile turns handler source into cached, shareable programs.
// The cache is keyed by a content hash of the source, so identical
// handlers compile once regardless of which panel supplies them, and is
// bounded by an LRU policy.
package compile

import (
	"container/list"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/zeebo/blake3"
)

// programName is the file name compiled programs carry; interpreter stack
// frames and syntax errors reference it, and ErrorPosition parses it back
// out.
const programName = "handler.js"

// DefaultCapacity bounds the cache when no capacity is configured.
const DefaultCapacity = 128

// Domain-separated key for source hashing; exactly 32 bytes.
var sourceHashKey = []byte("cocoon handler bytecode hash v01")

// Hash is a BLAKE3 content hash of handler source.
type Hash [32]byte

// String renders the hash in hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// HashSource computes the content hash that keys the cache.
func HashSource(source string) Hash {
	hasher, err := blake3.NewKeyed(sourceHashKey)
	if err != nil {
		panic("compile: hash key: " + err.Error())
	}
	hasher.Write([]byte(source))
	var out Hash
	hasher.Sum(out[:0])
	return out
}

/// Handler is one compiled handler: the content hash, the compiled program
// (goroutine-safe, shared across sandbox instances), the original source,
// and the line map used to resolve error locations. Immutable once
// created.
type Handler struct {
	Hash    Hash
	Program *goja.Program
	Source  string
	Lines   *LineMap
}

// Error describes a compilation failure with its source position.
type Error struct {
	Message string
	Line    int
	Column  int
	SrcLine string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("compile handler: %s (line %d:%d)", e.Message, e.Line, e.Column)
	}
	return "compile handler: " + e.Message
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// HitRate returns hits/(hits+misses), zero when the cache is cold.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type cacheEntry struct {
	hash    Hash
	handler *Handler
}

// Cache is the content-addressed compilation cache. Lookups are served
// under a short critical section; compilation itself runs outside the
// lock, so concurrent identical requests may race to compile, and the
// insert is idempotent (results are content-identical, first writer
// wins).
type Cache struct {
	capacity int

	mu      sync.Mutex
	entries map[Hash]*list.Element
	order   *list.List // front = most recently used
	hits    uint64
	misses  uint64
}

// NewCache creates a cache holding at most capacity compiled handlers.
// Non-positive capacities fall back to DefaultCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[Hash]*list.Element),
		order:    list.New(),
	}
}

// Compile returns the compiled form of source, reusing the cached program
// when the content hash is already known. The second return reports a
// cache hit.
func (c *Cache) Compile(source string) (*Handler, bool, error) {
	hash := HashSource(source)

	c.mu.Lock()
	if el, ok := c.entries[hash]; ok {
		c.order.MoveToFront(el)
		c.hits++
		h := el.Value.(*cacheEntry).handler
		c.mu.Unlock()
		return h, true, nil
	}
	c.misses++
	c.mu.Unlock()

	program, err := goja.Compile(programName, source, false)
	if err != nil {
		return nil, false, toCompileError(err, source)
	}
	h := &Handler{
		Hash:    hash,
		Program: program,
		Source:  source,
		Lines:   NewLineMap(source),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[hash]; ok {
		// Lost the compile race; keep the stored handler.
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).handler, false, nil
	}
	el := c.order.PushFront(&cacheEntry{hash: hash, handler: h})
	c.entries[hash] = el
	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).hash)
	}
	return h, false, nil
}

// Lookup returns a cached handler without compiling on miss.
func (c *Cache) Lookup(source string) (*Handler, bool) {
	hash := HashSource(source)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[hash]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).handler, true
}

// Len returns the number of cached handlers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

func toCompileError(err error, source string) *Error {
	ce := &Error{Message: err.Error()}
	if line, col, ok := ErrorPosition(err.Error()); ok {
		ce.Line = line
		ce.Column = col
		ce.SrcLine = NewLineMap(source).Line(line)
	}
	return ce
}
