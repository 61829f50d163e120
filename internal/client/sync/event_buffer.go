package sync

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// EventBuffer holds the latest pending event per kind per source path.
// A newer event of the same kind for the same path replaces the older one.
// Producer (watcher) and consumer (collector) share it under one lock.
type EventBuffer struct {
	buckets map[EventKind]map[string]*SyncEvent
	clock   clockwork.Clock
	seq     uint64
	mu      sync.Mutex
}

func NewEventBuffer(clock clockwork.Clock) *EventBuffer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	b := &EventBuffer{
		buckets: make(map[EventKind]map[string]*SyncEvent, len(eventKinds)),
		clock:   clock,
	}
	for _, kind := range eventKinds {
		b.buckets[kind] = make(map[string]*SyncEvent)
	}
	return b
}

// Record stores ev in the bucket of its kind keyed by absolute source path.
// Events without a timestamp are stamped with the buffer clock.
func (b *EventBuffer) Record(ev *SyncEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.buckets[ev.Kind]
	if !ok {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = b.clock.Now()
	}
	b.seq++
	ev.seq = b.seq
	bucket[ev.Src.Abs] = ev
}

// ExtractOlderThan moves every event that is at least age old into a new buffer
// and returns it. Each (kind, path) entry is judged by its own timestamp, so a
// path that keeps changing still releases its older events.
func (b *EventBuffer) ExtractOlderThan(age time.Duration) *EventBuffer {
	out := NewEventBuffer(b.clock)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	for kind, bucket := range b.buckets {
		for path, ev := range bucket {
			if now.Sub(ev.Time) < age {
				continue
			}
			out.buckets[kind][path] = ev
			delete(bucket, path)
		}
	}

	out.seq = b.seq
	return out
}

// Get returns the pending event of kind for path
func (b *EventBuffer) Get(kind EventKind, path string) (*SyncEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.buckets[kind][path]
	return ev, ok
}

// Paths returns every path that has at least one pending event, sorted
func (b *EventBuffer) Paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]struct{})
	for _, bucket := range b.buckets {
		for path := range bucket {
			seen[path] = struct{}{}
		}
	}

	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Events returns a copy of one bucket
func (b *EventBuffer) Events(kind EventKind) map[string]*SyncEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := make(map[string]*SyncEvent, len(b.buckets[kind]))
	for path, ev := range b.buckets[kind] {
		events[path] = ev
	}
	return events
}

// Len returns the number of pending events across all kinds
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, bucket := range b.buckets {
		n += len(bucket)
	}
	return n
}

// Has reports whether path has any pending event
func (b *EventBuffer) Has(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bucket := range b.buckets {
		if _, ok := bucket[path]; ok {
			return true
		}
	}
	return false
}
