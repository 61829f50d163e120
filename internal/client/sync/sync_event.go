package sync

import (
	"fmt"
	"time"
)

// EventKind is the category of an observed change
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventMoved    EventKind = "moved"
	EventDeleted  EventKind = "deleted"
)

var eventKinds = []EventKind{EventCreated, EventModified, EventMoved, EventDeleted}

// RawEvent is a file-system notification before classification.
// Src is empty when the platform reports no source (e.g. restore from trash).
type RawEvent struct {
	Kind  EventKind
	Src   string
	Dst   string
	IsDir bool
	Time  time.Time
}

// TrackedPath is a path relative to the sync root
type TrackedPath struct {
	Abs   string
	Rel   string
	Name  string
	IsDir bool
}

// SyncEvent is one classified change travelling through buffer, reducer, queue and sender
type SyncEvent struct {
	Kind  EventKind
	Src   TrackedPath
	Dst   *TrackedPath
	Time  time.Time
	IsDir bool

	SrcSyncable bool
	SrcReason   string
	DstSyncable bool
	DstReason   string

	// insertion order, breaks ties between equal timestamps
	seq uint64
}

func (e *SyncEvent) String() string {
	if e.Dst != nil {
		return fmt.Sprintf("%s(%s -> %s)", e.Kind, e.Src.Rel, e.Dst.Rel)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.Src.Rel)
}

// Syncable reports whether every path the event touches is syncable
func (e *SyncEvent) Syncable() bool {
	if !e.SrcSyncable {
		return false
	}
	return e.Dst == nil || e.DstSyncable
}

// clone returns a copy with a new kind, used when the reducer rewrites an event
func (e *SyncEvent) clone(kind EventKind) *SyncEvent {
	c := *e
	c.Kind = kind
	if e.Dst != nil {
		dst := *e.Dst
		c.Dst = &dst
	}
	return &c
}
