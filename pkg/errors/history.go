package errors

import (
	"sync"
	"time"
)

// MessageScope records where a rendered message went
type MessageScope string

const (
	ScopeOwner     MessageScope = "owner"     // stored as the canonical message
	ScopeLocal     MessageScope = "local"     // non-owner, logged only
	ScopeReplace   MessageScope = "replace"   // ReplaceEmptyMessage filled an empty message
	ScopeTerminate MessageScope = "terminate" // fatal termination reason
)

// MessageEntry is one rendered message kept for crash reports
type MessageEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	Scope     MessageScope `json:"scope"`
	Text      string       `json:"text"`
}

func newMessageEntry(scope MessageScope, text string) MessageEntry {
	return MessageEntry{
		Timestamp: time.Now(),
		Scope:     scope,
		Text:      text,
	}
}

// RingBuffer is a thread-safe circular buffer of recent messages
type RingBuffer struct {
	entries []MessageEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the given capacity
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 16
	}
	return &RingBuffer{
		entries: make([]MessageEntry, size),
		size:    size,
	}
}

// Add adds an entry, overwriting the oldest when full
func (rb *RingBuffer) Add(entry MessageEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
}

// GetAll returns all entries in chronological order (oldest first)
func (rb *RingBuffer) GetAll() []MessageEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.lastLocked(rb.count)
}

// GetLast returns the last n entries, oldest first
func (rb *RingBuffer) GetLast(n int) []MessageEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.lastLocked(n)
}

func (rb *RingBuffer) lastLocked(n int) []MessageEntry {
	if rb.count == 0 || n <= 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]MessageEntry, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[n-1-i] = rb.entries[idx]
	}
	return result
}
