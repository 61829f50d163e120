package sync

import (
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/divio/divio-sync/internal/utils"
)

// Resyncer compares the syncable trees with the hash cache and records
// synthetic events for drift the OS watcher did not report.
type Resyncer struct {
	classifier *Classifier
	cache      *FileHashCache
	buffer     *EventBuffer
}

func NewResyncer(classifier *Classifier, cache *FileHashCache, buffer *EventBuffer) *Resyncer {
	return &Resyncer{
		classifier: classifier,
		cache:      cache,
		buffer:     buffer,
	}
}

// Sweep records created events for unknown files, modified events for files whose
// content differs from the cache and deleted events for cached files that are gone.
// Returns the number of recorded events.
func (r *Resyncer) Sweep() int {
	seen := make(map[string]struct{})
	recorded := 0

	record := func(kind EventKind, abs string) {
		ev := r.classifier.Classify(RawEvent{Kind: kind, Src: abs})
		if !ev.Syncable() {
			return
		}
		r.buffer.Record(ev)
		recorded++
	}

	for _, dir := range r.classifier.SyncDirs() {
		if !utils.DirExists(dir) {
			continue
		}

		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// unreadable entries are retried next sweep
				return nil
			}
			if d.IsDir() {
				if path != dir && !r.classifier.IsSyncable(path, true) {
					return filepath.SkipDir
				}
				return nil
			}
			if !r.classifier.IsSyncable(path, false) {
				return nil
			}

			path = filepath.Clean(path)
			seen[path] = struct{}{}

			if _, ok := r.cache.Get(path); !ok {
				record(EventCreated, path)
			} else if r.cache.IsFileChanged(path) {
				record(EventModified, path)
			}
			return nil
		})
		if err != nil {
			slog.Warn("resync walk", "dir", dir, "error", err)
		}
	}

	for _, path := range r.cache.Paths() {
		if _, ok := seen[path]; ok {
			continue
		}
		if utils.PathExists(path) {
			continue
		}
		record(EventDeleted, path)
	}

	if recorded > 0 {
		slog.Info("resync drift", "events", recorded)
	}
	return recorded
}
