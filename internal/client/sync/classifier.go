package sync

import (
	"path/filepath"
	"strings"

	"github.com/divio/divio-sync/internal/utils"
)

// Rejection reasons reported for unsyncable paths
const (
	ReasonInvalidEvent = "invalid event"
	ReasonNotInSyncDir = "not in a syncable directory"
	ReasonHidden       = "hidden file"
	ReasonInvalidName  = "invalid filename or extension"
	ReasonIgnored      = "ignored"
)

const invalidNameChars = "<>:\"\\|?*"

// Classifier decides whether paths under root are syncable.
// It is a pure function of its inputs and safe for concurrent use.
type Classifier struct {
	root       string
	syncDirs   []string
	extensions map[string]struct{}
	ignore     *SyncIgnoreList
}

// NewClassifier builds a classifier for root. syncDirs are slash separated and relative to root.
// ignore may be nil.
func NewClassifier(root string, syncDirs, extensions []string, ignore *SyncIgnoreList) *Classifier {
	exts := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}

	dirs := make([]string, 0, len(syncDirs))
	for _, dir := range syncDirs {
		dirs = append(dirs, utils.NormPath(dir))
	}

	return &Classifier{
		root:       filepath.Clean(root),
		syncDirs:   dirs,
		extensions: exts,
		ignore:     ignore,
	}
}

// Root returns the sync root
func (c *Classifier) Root() string {
	return c.root
}

// SyncDirs returns the absolute paths of the syncable sub-trees
func (c *Classifier) SyncDirs() []string {
	dirs := make([]string, 0, len(c.syncDirs))
	for _, dir := range c.syncDirs {
		dirs = append(dirs, filepath.Join(c.root, filepath.FromSlash(dir)))
	}
	return dirs
}

// Classify turns a raw notification into a SyncEvent with per-path verdicts
func (c *Classifier) Classify(raw RawEvent) *SyncEvent {
	ev := &SyncEvent{
		Kind:  raw.Kind,
		Time:  raw.Time,
		IsDir: raw.IsDir,
	}

	if raw.Src == "" {
		ev.SrcReason = ReasonInvalidEvent
	} else {
		ev.Src, ev.SrcSyncable, ev.SrcReason = c.Check(raw.Src, raw.IsDir)
	}

	if raw.Kind == EventMoved {
		if raw.Dst == "" {
			ev.DstReason = ReasonInvalidEvent
			ev.Dst = &TrackedPath{}
		} else {
			dst, ok, reason := c.Check(raw.Dst, raw.IsDir)
			ev.Dst = &dst
			ev.DstSyncable, ev.DstReason = ok, reason
		}
	}

	return ev
}

// Check derives the tracked path for abs and returns its verdict and rejection reason
func (c *Classifier) Check(abs string, isDir bool) (TrackedPath, bool, string) {
	abs = filepath.Clean(abs)
	tp := TrackedPath{
		Abs:   abs,
		Name:  filepath.Base(abs),
		IsDir: isDir,
	}

	if !utils.IsSubPath(c.root, abs) || abs == c.root {
		return tp, false, ReasonNotInSyncDir
	}

	rel, err := filepath.Rel(c.root, abs)
	if err != nil {
		return tp, false, ReasonInvalidEvent
	}
	tp.Rel = utils.NormPath(rel)

	if !c.inSyncDir(tp.Rel) {
		return tp, false, ReasonNotInSyncDir
	}

	if isHidden(tp.Rel) {
		return tp, false, ReasonHidden
	}

	if !isDir && !c.validName(tp.Name) {
		return tp, false, ReasonInvalidName
	}

	if c.ignore.ShouldIgnore(tp.Rel) {
		return tp, false, ReasonIgnored
	}

	return tp, true, ""
}

// IsSyncable is a shorthand for Check
func (c *Classifier) IsSyncable(abs string, isDir bool) bool {
	_, ok, _ := c.Check(abs, isDir)
	return ok
}

// inSyncDir requires rel to be strictly below one of the sync dirs
func (c *Classifier) inSyncDir(rel string) bool {
	for _, dir := range c.syncDirs {
		if strings.HasPrefix(rel, dir+"/") {
			return true
		}
	}
	return false
}

func (c *Classifier) validName(name string) bool {
	if name == "" || strings.ContainsAny(name, invalidNameChars) {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	_, ok := c.extensions[ext]
	return ok
}

// isHidden reports whether any component of the relative path is dot-prefixed
func isHidden(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
