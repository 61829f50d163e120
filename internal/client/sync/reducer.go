package sync

import (
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/divio/divio-sync/internal/utils"
)

// ChangeOracle tells whether a file's content differs from what was last synced
type ChangeOracle interface {
	IsFileChanged(abs string) bool
}

// Reducer collapses a buffer of raw events into the minimal ordered list of operations
type Reducer struct {
	oracle ChangeOracle
	exists func(abs string) bool
}

func NewReducer(oracle ChangeOracle) *Reducer {
	return &Reducer{
		oracle: oracle,
		exists: utils.PathExists,
	}
}

// pathEvents is the per-path view across kind buckets
type pathEvents struct {
	created  *SyncEvent
	modified *SyncEvent
	moved    *SyncEvent
	deleted  *SyncEvent
}

// Reduce applies the reduction rules to buf and returns the surviving events
// sorted by original timestamp, ties broken by recording order.
func (r *Reducer) Reduce(buf *EventBuffer) []*SyncEvent {
	perPath := make(map[string]*pathEvents)
	get := func(path string) *pathEvents {
		pe, ok := perPath[path]
		if !ok {
			pe = &pathEvents{}
			perPath[path] = pe
		}
		return pe
	}
	for path, ev := range buf.Events(EventCreated) {
		get(path).created = ev
	}
	for path, ev := range buf.Events(EventModified) {
		get(path).modified = ev
	}
	for path, ev := range buf.Events(EventMoved) {
		get(path).moved = ev
	}
	for path, ev := range buf.Events(EventDeleted) {
		get(path).deleted = ev
	}

	for path, pe := range perPath {
		r.resolveDeleteCreate(path, pe)

		// a real creation subsumes later writes to the new file
		if pe.created != nil && pe.modified != nil {
			slog.Debug("reducer dropped", "event", pe.modified, "reason", "subsumed by create")
			pe.modified = nil
		}

		// directories are created implicitly by the files they contain
		if pe.created != nil && pe.created.IsDir {
			pe.created = nil
		}
		if pe.modified != nil && pe.modified.IsDir {
			pe.modified = nil
		}

		if pe.modified != nil && !r.oracle.IsFileChanged(pe.modified.Src.Abs) {
			slog.Debug("reducer dropped", "event", pe.modified, "reason", "content unchanged")
			pe.modified = nil
		}
	}

	movedDirs, deletedDirs := pendingDirOps(perPath)

	out := make([]*SyncEvent, 0, len(perPath))
	for path, pe := range perPath {
		if pe.moved != nil && coveredBy(path, movedDirs, pe.moved) {
			slog.Debug("reducer dropped", "event", pe.moved, "reason", "ancestor moved")
			pe.moved = nil
		}
		if pe.deleted != nil && coveredBy(path, deletedDirs, pe.deleted) {
			slog.Debug("reducer dropped", "event", pe.deleted, "reason", "ancestor deleted")
			pe.deleted = nil
		}
		// files appearing under a moved directory travel with the move
		if pe.created != nil && coveredBy(path, movedDirs, pe.created) {
			slog.Debug("reducer dropped", "event", pe.created, "reason", "ancestor moved")
			pe.created = nil
		}

		for _, ev := range []*SyncEvent{pe.created, pe.modified, pe.moved, pe.deleted} {
			if ev != nil {
				out = append(out, ev)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].seq < out[j].seq
		}
		return out[i].Time.Before(out[j].Time)
	})

	return out
}

// resolveDeleteCreate handles a delete and a create pending for the same path
func (r *Reducer) resolveDeleteCreate(path string, pe *pathEvents) {
	if pe.deleted == nil || pe.created == nil {
		return
	}

	if !r.exists(path) {
		// created then removed again, nothing reaches the network
		slog.Debug("reducer dropped", "path", path, "reason", "transient file")
		pe.created, pe.modified, pe.deleted = nil, nil, nil
		return
	}

	// save via temp file + rename: the file was replaced, not removed
	pe.deleted = nil
	if pe.modified == nil {
		pe.modified = pe.created.clone(EventModified)
	}
	pe.created = nil
}

// pendingDirOps collects the directory moves (by source and destination) and directory deletes
func pendingDirOps(perPath map[string]*pathEvents) (moved []string, deleted []string) {
	for path, pe := range perPath {
		if pe.moved != nil && pe.moved.IsDir {
			moved = append(moved, path)
			if pe.moved.Dst != nil && pe.moved.Dst.Abs != "" {
				moved = append(moved, pe.moved.Dst.Abs)
			}
		}
		if pe.deleted != nil && pe.deleted.IsDir {
			deleted = append(deleted, path)
		}
	}
	return moved, deleted
}

// coveredBy reports whether path (or the destination of ev) lies strictly below one of dirs
func coveredBy(path string, dirs []string, ev *SyncEvent) bool {
	for _, dir := range dirs {
		if isStrictlyBelow(dir, path) {
			return true
		}
		if ev.Dst != nil && ev.Dst.Abs != "" && isStrictlyBelow(dir, ev.Dst.Abs) {
			return true
		}
	}
	return false
}

func isStrictlyBelow(dir, path string) bool {
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
