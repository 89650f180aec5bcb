// Package buffer holds the relay's recent history: a bounded, newest-first buffer per topic.
package buffer

import (
	"sort"
	"sync"

	"kafka-replicator/shared/events"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 10

// TopicBuffer keeps the newest Cap() events of one topic, newest first. Inserts are
// serialized; snapshots are copies taken under the same lock.
type TopicBuffer struct {
	mu       sync.Mutex
	capacity int
	// ring holds up to capacity events; head is the index of the newest one.
	ring []events.StandardizedEvent
	head int
	size int
}

// NewTopicBuffer returns an empty buffer holding at most capacity events.
func NewTopicBuffer(capacity int) *TopicBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &TopicBuffer{
		capacity: capacity,
		ring:     make([]events.StandardizedEvent, capacity),
		head:     -1,
	}
}

// Insert prepends ev, evicting the oldest event when the buffer is full, and returns the
// length observed right after this insert.
func (b *TopicBuffer) Insert(ev events.StandardizedEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = (b.head + 1) % b.capacity
	b.ring[b.head] = ev
	if b.size < b.capacity {
		b.size++
	}
	return b.size
}

// Snapshot returns the buffered events newest first. The slice is owned by the caller.
func (b *TopicBuffer) Snapshot() []events.StandardizedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.StandardizedEvent, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.ring[(b.head-i+b.capacity)%b.capacity]
	}
	return out
}

// Len is the number of buffered events.
func (b *TopicBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap is the fixed capacity.
func (b *TopicBuffer) Cap() int {
	return b.capacity
}

// Set maps topic names to their buffers. A topic's buffer is created by its first insert
// and kept for the lifetime of the Set.
type Set struct {
	mu       sync.RWMutex
	capacity int
	topics   map[string]*TopicBuffer
}

// NewSet returns an empty Set whose buffers each hold capacity events.
func NewSet(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Set{capacity: capacity, topics: make(map[string]*TopicBuffer)}
}

// Insert adds ev to the buffer of ev.Topic and returns that buffer's new length.
func (s *Set) Insert(ev events.StandardizedEvent) int {
	return s.getOrCreate(ev.Topic).Insert(ev)
}

func (s *Set) getOrCreate(topic string) *TopicBuffer {
	s.mu.RLock()
	b, ok := s.topics[topic]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.topics[topic]; ok {
		return b
	}
	b = NewTopicBuffer(s.capacity)
	s.topics[topic] = b
	return b
}

// Snapshot returns the events of one topic and whether the topic has been seen.
func (s *Set) Snapshot(topic string) ([]events.StandardizedEvent, bool) {
	s.mu.RLock()
	b, ok := s.topics[topic]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return b.Snapshot(), true
}

// SnapshotAll returns every known topic's events. Each topic's list is consistent on its own;
// no ordering is implied across topics.
func (s *Set) SnapshotAll() map[string][]events.StandardizedEvent {
	s.mu.RLock()
	buffers := make(map[string]*TopicBuffer, len(s.topics))
	for topic, b := range s.topics {
		buffers[topic] = b
	}
	s.mu.RUnlock()

	out := make(map[string][]events.StandardizedEvent, len(buffers))
	for topic, b := range buffers {
		out[topic] = b.Snapshot()
	}
	return out
}

// Topics lists known topics in lexical order.
func (s *Set) Topics() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		out = append(out, topic)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Capacity is the per-topic capacity.
func (s *Set) Capacity() int {
	return s.capacity
}
