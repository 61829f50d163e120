package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize          = 256
	defaultMovePairingWindow = 100 * time.Millisecond
)

// FilterCallback is a function that returns true if the event should be filtered
type FilterCallback func(path string) bool

// pendingRename is the first half of a move waiting for its destination
type pendingRename struct {
	path  string
	isDir bool
	at    time.Time
	timer clockwork.Timer
}

// FileWatcher turns recursive notify events under watchDir into RawEvents.
// Renames are paired into moves when the destination shows up within the pairing window.
type FileWatcher struct {
	watchDir  string
	rawEvents chan notify.EventInfo
	events    chan RawEvent
	clock     clockwork.Clock
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	pairingWindow time.Duration
	pending       *pendingRename
	pendingMu     sync.Mutex

	// directory flag for paths that no longer exist
	isKnownDir func(path string) bool

	ignoreCallback FilterCallback
	callbackMu     sync.RWMutex

	closed bool
	emitMu sync.RWMutex
}

func NewFileWatcher(watchDir string, clock clockwork.Clock) *FileWatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FileWatcher{
		watchDir:      watchDir,
		events:        make(chan RawEvent, eventBufferSize),
		clock:         clock,
		done:          make(chan struct{}),
		pairingWindow: defaultMovePairingWindow,
		isKnownDir:    func(string) bool { return false },
	}
}

// SetPairingWindow sets how long a rename waits for its destination
func (fw *FileWatcher) SetPairingWindow(window time.Duration) {
	fw.pairingWindow = window
}

// SetKnownDirFunc sets the lookup used to flag removed paths as directories
func (fw *FileWatcher) SetKnownDirFunc(fn func(path string) bool) {
	if fn != nil {
		fw.isKnownDir = fn
	}
}

// FilterPaths sets a callback function to filter out raw events.
// The callback should return true if the event should be ignored
func (fw *FileWatcher) FilterPaths(callback FilterCallback) {
	fw.callbackMu.Lock()
	defer fw.callbackMu.Unlock()
	fw.ignoreCallback = callback
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.watchDir)

	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)

	recursivePath := filepath.Join(fw.watchDir, "...")
	if err := notify.Watch(recursivePath, fw.rawEvents, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return err
	}

	fw.wg.Add(1)
	go fw.translateEvents(ctx)

	return nil
}

func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		slog.Info("file watcher stopping")
		close(fw.done)
		if fw.rawEvents != nil {
			notify.Stop(fw.rawEvents)
		}
		fw.wg.Wait()

		// an unpaired rename left at shutdown is a delete
		fw.pendingMu.Lock()
		pending := fw.pending
		fw.pending = nil
		fw.pendingMu.Unlock()
		if pending != nil {
			pending.timer.Stop()
			fw.emit(RawEvent{Kind: EventDeleted, Src: pending.path, IsDir: pending.isDir, Time: pending.at})
		}

		fw.emitMu.Lock()
		fw.closed = true
		close(fw.events)
		fw.emitMu.Unlock()
		slog.Info("file watcher stopped")
	})
}

// Events is closed after Stop
func (fw *FileWatcher) Events() <-chan RawEvent {
	return fw.events
}

func (fw *FileWatcher) translateEvents(ctx context.Context) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case ei, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			fw.handle(ei.Event(), ei.Path())
		}
	}
}

// handle maps one notify event onto zero or one RawEvent
func (fw *FileWatcher) handle(event notify.Event, path string) {
	path = filepath.Clean(path)

	fw.callbackMu.RLock()
	filter := fw.ignoreCallback
	fw.callbackMu.RUnlock()
	if filter != nil && filter(path) {
		return
	}

	now := fw.clock.Now()

	switch event {
	case notify.Create:
		if src, isDir, ok := fw.takePending(); ok {
			fw.emit(RawEvent{Kind: EventMoved, Src: src, Dst: path, IsDir: isDir, Time: now})
			return
		}
		fw.emit(RawEvent{Kind: EventCreated, Src: path, IsDir: isDirOnDisk(path), Time: now})

	case notify.Write:
		fw.emit(RawEvent{Kind: EventModified, Src: path, IsDir: isDirOnDisk(path), Time: now})

	case notify.Remove:
		fw.emit(RawEvent{Kind: EventDeleted, Src: path, IsDir: fw.isKnownDir(path), Time: now})

	case notify.Rename:
		if _, err := os.Lstat(path); err != nil {
			// source side: wait for the destination
			fw.holdRename(path, now)
			return
		}
		if src, isDir, ok := fw.takePending(); ok {
			fw.emit(RawEvent{Kind: EventMoved, Src: src, Dst: path, IsDir: isDir, Time: now})
			return
		}
		// moved in from outside the watched tree
		fw.emit(RawEvent{Kind: EventCreated, Src: path, IsDir: isDirOnDisk(path), Time: now})
	}
}

func (fw *FileWatcher) holdRename(path string, at time.Time) {
	fw.pendingMu.Lock()
	defer fw.pendingMu.Unlock()

	if prev := fw.pending; prev != nil {
		prev.timer.Stop()
		fw.emit(RawEvent{Kind: EventDeleted, Src: prev.path, IsDir: prev.isDir, Time: prev.at})
	}

	p := &pendingRename{path: path, isDir: fw.isKnownDir(path), at: at}
	p.timer = fw.clock.AfterFunc(fw.pairingWindow, func() { fw.expireRename(p) })
	fw.pending = p
}

// expireRename turns an unpaired rename into a delete
func (fw *FileWatcher) expireRename(p *pendingRename) {
	fw.pendingMu.Lock()
	if fw.pending != p {
		fw.pendingMu.Unlock()
		return
	}
	fw.pending = nil
	fw.pendingMu.Unlock()

	fw.emit(RawEvent{Kind: EventDeleted, Src: p.path, IsDir: p.isDir, Time: p.at})
}

func (fw *FileWatcher) takePending() (string, bool, bool) {
	fw.pendingMu.Lock()
	defer fw.pendingMu.Unlock()

	p := fw.pending
	if p == nil {
		return "", false, false
	}
	p.timer.Stop()
	fw.pending = nil
	return p.path, p.isDir, true
}

func (fw *FileWatcher) emit(ev RawEvent) {
	fw.emitMu.RLock()
	defer fw.emitMu.RUnlock()
	if fw.closed {
		return
	}

	select {
	case fw.events <- ev:
		slog.Debug("file watcher", "kind", ev.Kind, "path", ev.Src, "dst", ev.Dst)
	default:
		// the resync sweep picks up whatever is lost here
		slog.Warn("file watcher dropped", "reason", "channel full", "path", ev.Src)
	}
}

func isDirOnDisk(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}
