package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/divio/divio-sync/internal/divioapi"
	"github.com/divio/divio-sync/internal/queue"
	"github.com/jonboulle/clockwork"
)

const (
	defaultPollTimeout   = 500 * time.Millisecond
	defaultConflictRetry = 3
)

var ErrAuthorization = errors.New("sync: authorization failed")

// Transport performs the remote side of each sync operation
type Transport interface {
	Upload(ctx context.Context, relPath, absPath string) error
	Move(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, relPath string) error
}

type SenderConfig struct {
	Queue     *queue.Queue[*SyncEvent]
	Transport Transport
	Cache     *FileHashCache
	Protected *ProtectedFiles
	Callbacks *Callbacks
	Clock     clockwork.Clock

	// PollTimeout bounds each queue wait so cancellation is observed between events
	PollTimeout time.Duration
	// ConflictRetry caps the retries of 409/429 responses
	ConflictRetry int
	// NewBackOff builds the delay policy for automatic retries
	NewBackOff func() backoff.BackOff
}

// Sender is the single worker that owns network I/O for a session.
// Events are sent strictly in queue order, one at a time.
type Sender struct {
	queue     *queue.Queue[*SyncEvent]
	transport Transport
	cache     *FileHashCache
	protected *ProtectedFiles
	callbacks *Callbacks
	clock     clockwork.Clock

	pollTimeout   time.Duration
	conflictRetry int
	newBackOff    func() backoff.BackOff

	// enqueued but not yet fully processed
	pending atomic.Int64
	sent    atomic.Int64
}

func NewSender(cfg SenderConfig) *Sender {
	s := &Sender{
		queue:         cfg.Queue,
		transport:     cfg.Transport,
		cache:         cfg.Cache,
		protected:     cfg.Protected,
		callbacks:     cfg.Callbacks,
		clock:         cfg.Clock,
		pollTimeout:   cfg.PollTimeout,
		conflictRetry: cfg.ConflictRetry,
		newBackOff:    cfg.NewBackOff,
	}
	if s.queue == nil {
		s.queue = queue.New[*SyncEvent]()
	}
	if s.cache == nil {
		s.cache = NewFileHashCache()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.pollTimeout <= 0 {
		s.pollTimeout = defaultPollTimeout
	}
	if s.conflictRetry <= 0 {
		s.conflictRetry = defaultConflictRetry
	}
	if s.newBackOff == nil {
		s.newBackOff = defaultBackOff
	}
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // network retries are unbounded
	return b
}

// Enqueue hands a reduced event to the sender
func (s *Sender) Enqueue(ev *SyncEvent) {
	s.pending.Add(1)
	s.queue.Put(ev)
}

// Idle reports whether nothing is queued or in flight
func (s *Sender) Idle() bool {
	return s.pending.Load() == 0
}

// Sent returns the number of operations the server accepted
func (s *Sender) Sent() int64 {
	return s.sent.Load()
}

// Run drains the queue until ctx is done. It only returns an error when the
// server rejected the credentials, which ends the session.
func (s *Sender) Run(ctx context.Context) error {
	slog.Debug("sender start")
	defer slog.Debug("sender stop")

	working := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		ev, ok := s.queue.Get(ctx, s.pollTimeout)
		if !ok {
			continue
		}

		if !working {
			working = true
			s.callbacks.syncIndicator(false)
		}

		err := s.process(ctx, ev)
		s.pending.Add(-1)

		if s.queue.Len() == 0 {
			working = false
			s.callbacks.syncIndicator(true)
		}

		if err != nil {
			return err
		}
	}
}

// process runs one event through protection, delivery and bookkeeping.
// A panic drops the event instead of killing the worker.
func (s *Sender) process(ctx context.Context, ev *SyncEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sender panic", "event", ev, "panic", r, "stack", string(debug.Stack()))
			err = nil
		}
	}()

	if s.protected.ShouldConfirm(ev.Src.Rel) {
		s.protected.MarkOverridden(ev.Src.Rel)
		s.callbacks.protectedFileChange(fmt.Sprintf("%s is part of the site boilerplate, your local change will override it", ev.Src.Rel))
		slog.Info("sender protected override", "path", ev.Src.Rel)
	}

	return s.deliver(ctx, ev)
}

func (s *Sender) deliver(ctx context.Context, ev *SyncEvent) error {
	var netBackOff backoff.BackOff
	conflictBackOff := backoff.WithMaxRetries(s.newBackOff(), uint64(s.conflictRetry))

	for attempt := 1; ; attempt++ {
		start := s.clock.Now()
		sentHash, err := s.send(ctx, ev)

		switch {
		case err == nil:
			s.commit(ev, sentHash)
			s.sent.Add(1)
			slog.Info("sender ok", "event", ev, "attempt", attempt, "took", s.clock.Since(start))
			return nil

		case ctx.Err() != nil:
			// session stopping, the event dies with it
			slog.Debug("sender aborted", "event", ev)
			return nil

		case divioapi.IsAuthError(err):
			slog.Error("sender unauthorized", "event", ev, "error", err)
			s.callbacks.syncError("The server rejected your credentials. Please log in again.", "Authorization failed")
			return fmt.Errorf("%w: %w", ErrAuthorization, err)

		case errors.Is(err, fs.ErrNotExist):
			// removed locally before we got to it, a later delete follows
			slog.Debug("sender skipped", "event", ev, "reason", "file vanished")
			return nil

		case errors.Is(err, divioapi.ErrConflict), errors.Is(err, divioapi.ErrRateLimited):
			delay := conflictBackOff.NextBackOff()
			if delay == backoff.Stop {
				slog.Warn("sender gave up", "event", ev, "attempt", attempt, "error", err)
				s.callbacks.syncError(err.Error(), fmt.Sprintf("Could not sync %s", ev.Src.Rel))
				return nil
			}
			slog.Warn("sender retry", "event", ev, "attempt", attempt, "delay", delay, "error", err)
			if !s.sleep(ctx, delay) {
				return nil
			}

		case divioapi.IsNetworkError(err), errors.Is(err, divioapi.ErrServer):
			if netBackOff == nil {
				netBackOff = s.newBackOff()
			}
			slog.Warn("sender network error", "event", ev, "attempt", attempt, "error", err)
			if !s.confirmRetry(ctx, ev, err, netBackOff) {
				slog.Warn("sender canceled", "event", ev)
				return nil
			}

		default:
			slog.Warn("sender rejected", "event", ev, "error", err)
			s.callbacks.syncError(err.Error(), fmt.Sprintf("Could not sync %s", ev.Src.Rel))
			return nil
		}
	}
}

// send builds and issues the request for ev. For uploads it returns the hash of
// the content as it was just before the request went out.
func (s *Sender) send(ctx context.Context, ev *SyncEvent) (string, error) {
	switch ev.Kind {
	case EventCreated, EventModified:
		hash, err := s.cache.Hash(ev.Src.Abs)
		if err != nil {
			// let the upload report what is wrong with the file
			slog.Debug("sender hash", "path", ev.Src.Rel, "error", err)
			hash = ""
		}
		return hash, s.transport.Upload(ctx, ev.Src.Rel, ev.Src.Abs)
	case EventMoved:
		if ev.Dst == nil {
			return "", fmt.Errorf("move without destination: %s", ev.Src.Rel)
		}
		return "", s.transport.Move(ctx, ev.Src.Rel, ev.Dst.Rel)
	case EventDeleted:
		rel := ev.Src.Rel
		if ev.IsDir {
			rel += "/"
		}
		return "", s.transport.Delete(ctx, rel)
	default:
		return "", fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// commit updates local bookkeeping after the server accepted ev.
// Uploads record the hash taken before sending, so a save that lands while the
// request is in flight still counts as a change.
func (s *Sender) commit(ev *SyncEvent, sentHash string) {
	switch ev.Kind {
	case EventCreated, EventModified:
		if sentHash == "" {
			s.cache.Remove(ev.Src.Abs)
			return
		}
		s.cache.Set(ev.Src.Abs, sentHash)
	case EventMoved:
		s.cache.Move(ev.Src.Abs, ev.Dst.Abs)
	case EventDeleted:
		s.cache.Remove(ev.Src.Abs)
	}
}

// confirmRetry blocks until the network error is resolved. With a NetworkError
// callback the user decides, otherwise the retry is confirmed after a backoff delay.
func (s *Sender) confirmRetry(ctx context.Context, ev *SyncEvent, err error, bo backoff.BackOff) bool {
	if !s.callbacks.hasNetworkError() {
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return false
		}
		return s.sleep(ctx, delay)
	}

	decision := make(chan bool, 1)
	var once sync.Once
	confirm := func() { once.Do(func() { decision <- true }) }
	cancel := func() { once.Do(func() { decision <- false }) }

	msg := fmt.Sprintf("Could not reach the server while syncing %s: %v", ev.Src.Rel, err)
	s.callbacks.networkError(msg, confirm, cancel)

	select {
	case ok := <-decision:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (s *Sender) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-s.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
