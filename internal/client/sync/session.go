package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/divio/divio-sync/internal/client/workspace"
	"github.com/divio/divio-sync/internal/queue"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const maxReportedPaths = 10000

var (
	ErrSessionStarted = errors.New("sync: session already started")
	ErrSessionStopped = errors.New("sync: session stopped")
)

type SessionOptions struct {
	Workspace  *workspace.Workspace
	Transport  Transport
	Callbacks  *Callbacks
	SyncDirs   []string
	Extensions []string
	Protected  []string
	Clock      clockwork.Clock

	TickInterval  time.Duration
	DebounceAge   time.Duration
	ResyncEvery   int
	ConflictRetry int
	NewBackOff    func() backoff.BackOff

	// Force takes over a stale lock left by a crashed session
	Force bool
	// NoWatcher skips the OS watcher; events then only come from HandleRawEvent and resync sweeps
	NoWatcher bool
}

// Session wires watcher, buffer, collector and sender for one synced directory.
// Only one session may run per directory at a time.
type Session struct {
	id   string
	log  *slog.Logger
	ws   *workspace.Workspace
	opts SessionOptions

	classifier *Classifier
	ignore     *SyncIgnoreList
	cache      *FileHashCache
	buffer     *EventBuffer
	queue      *queue.Queue[*SyncEvent]
	protected  *ProtectedFiles
	sender     *Sender
	collector  *Collector
	watcher    *FileWatcher

	// paths already reported as unsyncable, bounded for very large trees
	reported *lru.Cache[string, string]

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	stopOnce sync.Once
	stopErr  error
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Workspace == nil {
		return nil, fmt.Errorf("sync session: workspace is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("sync session: transport is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}

	id := uuid.NewString()
	ws := opts.Workspace

	reported, err := lru.New[string, string](maxReportedPaths)
	if err != nil {
		return nil, err
	}

	ignore := NewSyncIgnoreList(ws.Root)
	classifier := NewClassifier(ws.Root, opts.SyncDirs, opts.Extensions, ignore)
	cache := NewFileHashCache()
	buffer := NewEventBuffer(opts.Clock)
	q := queue.New[*SyncEvent]()
	protected := NewProtectedFiles(opts.Protected)

	sender := NewSender(SenderConfig{
		Queue:         q,
		Transport:     opts.Transport,
		Cache:         cache,
		Protected:     protected,
		Callbacks:     opts.Callbacks,
		Clock:         opts.Clock,
		PollTimeout:   opts.TickInterval,
		ConflictRetry: opts.ConflictRetry,
		NewBackOff:    opts.NewBackOff,
	})

	collector := NewCollector(CollectorConfig{
		Buffer:       buffer,
		Reducer:      NewReducer(cache),
		Sink:         sender,
		Resyncer:     NewResyncer(classifier, cache, buffer),
		Clock:        opts.Clock,
		TickInterval: opts.TickInterval,
		DebounceAge:  opts.DebounceAge,
		ResyncEvery:  opts.ResyncEvery,
	})

	s := &Session{
		id:         id,
		log:        slog.With("session", id, "root", ws.Root),
		ws:         ws,
		opts:       opts,
		classifier: classifier,
		ignore:     ignore,
		cache:      cache,
		buffer:     buffer,
		queue:      q,
		protected:  protected,
		sender:     sender,
		collector:  collector,
		reported:   reported,
		done:       make(chan struct{}),
	}

	if !opts.NoWatcher {
		s.watcher = NewFileWatcher(ws.Root, opts.Clock)
		s.watcher.SetKnownDirFunc(cache.IsKnownDir)
		s.watcher.FilterPaths(func(path string) bool {
			return path == ws.MetadataDir || strings.HasPrefix(path, ws.MetadataDir+string(filepath.Separator))
		})
	}

	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Start locks the directory, indexes the syncable trees and starts the workers.
// Lock contention is returned as workspace.ErrWorkspaceLocked or workspace.ErrStaleLock.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrSessionStarted
	}

	if err := s.ws.Lock(s.opts.Force); err != nil {
		return err
	}

	s.ignore.Load()

	if err := s.cache.Build(s.classifier.SyncDirs(), s.classifier.IsSyncable); err != nil {
		_ = s.ws.Unlock()
		return fmt.Errorf("sync session: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			cancel()
			_ = s.ws.Unlock()
			return fmt.Errorf("sync session: watch %s: %w", s.ws.Root, err)
		}
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return s.collector.Run(groupCtx) })
	group.Go(func() error { return s.sender.Run(groupCtx) })
	if s.watcher != nil {
		group.Go(func() error { return s.pump(groupCtx) })
	}

	go func() {
		s.err = group.Wait()
		close(s.done)
	}()

	s.started = true
	s.log.Info("sync session started", "dirs", s.classifier.SyncDirs(), "files", s.cache.Len())
	return nil
}

// pump feeds watcher events into the buffer
func (s *Session) pump(ctx context.Context) error {
	events := s.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleRawEvent(raw)
		}
	}
}

// HandleRawEvent classifies raw and records it when syncable.
// A move that leaves the tracked trees becomes a delete, one that enters them a create.
func (s *Session) HandleRawEvent(raw RawEvent) {
	ev := s.classifier.Classify(raw)

	if ev.Kind == EventMoved {
		switch {
		case ev.SrcSyncable && ev.DstSyncable:
		case ev.SrcSyncable:
			s.report(ev.Dst.Abs, ev.DstReason)
			ev = &SyncEvent{Kind: EventDeleted, Src: ev.Src, Time: ev.Time, IsDir: ev.IsDir, SrcSyncable: true}
		case ev.DstSyncable:
			s.report(ev.Src.Abs, ev.SrcReason)
			ev = &SyncEvent{Kind: EventCreated, Src: *ev.Dst, Time: ev.Time, IsDir: ev.IsDir, SrcSyncable: true}
		default:
			s.report(ev.Src.Abs, ev.SrcReason)
			s.report(ev.Dst.Abs, ev.DstReason)
			return
		}
	}

	if !ev.SrcSyncable {
		s.report(ev.Src.Abs, ev.SrcReason)
		return
	}

	s.buffer.Record(ev)

	// files already inside a new directory produce no events of their own
	if ev.Kind == EventCreated && ev.IsDir {
		s.expandDir(ev)
	}
}

func (s *Session) expandDir(dir *SyncEvent) {
	_ = filepath.WalkDir(dir.Src.Abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir.Src.Abs && !s.classifier.IsSyncable(path, true) {
				return filepath.SkipDir
			}
			return nil
		}
		ev := s.classifier.Classify(RawEvent{Kind: EventCreated, Src: path, Time: dir.Time})
		if ev.SrcSyncable {
			s.buffer.Record(ev)
		}
		return nil
	})
}

// report logs a rejected path once per session. Invalid names also reach the user.
func (s *Session) report(path, reason string) {
	if path == "" {
		path = reason
	}
	if seen, _ := s.reported.ContainsOrAdd(path, reason); seen {
		return
	}

	switch reason {
	case ReasonInvalidName:
		s.log.Warn("unsyncable path", "path", path, "reason", reason)
		rel, err := s.ws.RelPath(path)
		if err != nil {
			rel = path
		}
		s.opts.Callbacks.syncError(fmt.Sprintf("%s will not be synced: %s", rel, reason), "Invalid file")
	default:
		s.log.Debug("unsyncable path", "path", path, "reason", reason)
	}
}

// Flush runs one collector pass immediately
func (s *Session) Flush() int {
	return s.collector.Tick()
}

// Idle reports whether nothing is buffered, queued or in flight
func (s *Session) Idle() bool {
	return s.buffer.Len() == 0 && s.sender.Idle()
}

// Sent returns the number of operations the server accepted
func (s *Session) Sent() int64 {
	return s.sender.Sent()
}

// Done is closed once the workers exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the workers exit and returns the fatal error, if any
func (s *Session) Wait() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrSessionStopped
	}

	<-s.done
	return s.err
}

// Stop cancels the workers, waits for them and releases the directory lock.
// It is safe to call more than once.
func (s *Session) Stop() error {
	s.mu.Lock()
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	// a session that never started has nothing to release yet
	if !started {
		return nil
	}

	s.stopOnce.Do(func() {
		cancel()
		if s.watcher != nil {
			s.watcher.Stop()
		}
		<-s.done

		if err := s.ws.Unlock(); err != nil {
			s.stopErr = err
		}

		dropped := len(s.queue.Drain())
		s.log.Info("sync session stopped", "sent", s.sender.Sent(), "dropped", dropped)
	})
	return s.stopErr
}
