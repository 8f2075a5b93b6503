// Package cache provides the response cache keyed by a deterministic
// fingerprint of a turn's inputs. Hits bypass the LLM entirely.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// Key fingerprints the deterministic inputs of a turn: system prompt, user
// prompt, the sorted tool names and the model. 64 hex chars.
func Key(systemPrompt, userPrompt string, toolNames []string, model string) string {
	names := append([]string(nil), toolNames...)
	sort.Strings(names)
	h := sha256.New()
	h.Write([]byte(systemPrompt))
	h.Write([]byte{'|'})
	h.Write([]byte(userPrompt))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(names, ",")))
	h.Write([]byte{'|'})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is a cached turn outcome.
type Entry struct {
	Content   string
	ToolsUsed []string
	CachedAt  time.Time
}

// Cache is the response cache capability the engine consumes.
type Cache interface {
	Get(key string) (Entry, bool)
	Put(key string, e Entry)
}

// Policy decides whether a command is cache-eligible. The default admits only
// deterministic calls: temperature unset or zero, and no tools registered.
type Policy struct {
	MaxTemperature float32
	AllowWithTools bool
}

// Eligible reports whether a turn with the given temperature and tool count
// may consult the cache.
func (p Policy) Eligible(temperature *float32, toolCount int) bool {
	if toolCount > 0 && !p.AllowWithTools {
		return false
	}
	if temperature != nil && *temperature > p.MaxTemperature {
		return false
	}
	return true
}

// Memory is a TTL plus size bounded in-process Cache. Eviction is oldest
// first once maxSize is exceeded.
type Memory struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
	order   []string // insertion order for size eviction
}

// NewMemory builds a cache with the engine defaults for zero values
// (1000 entries, 60 minutes).
func NewMemory(maxSize int, ttl time.Duration) *Memory {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Memory{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		entries: map[string]Entry{},
	}
}

// Get implements Cache. Expired entries are dropped on read.
func (m *Memory) Get(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	if m.now().Sub(e.CachedAt) > m.ttl {
		delete(m.entries, key)
		return Entry{}, false
	}
	return e, true
}

// Put implements Cache.
func (m *Memory) Put(key string, e Entry) {
	if e.CachedAt.IsZero() {
		e.CachedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists {
		m.order = append(m.order, key)
	}
	m.entries[key] = e
	for len(m.entries) > m.maxSize && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
	}
}

// Len reports the live entry count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
