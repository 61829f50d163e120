package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	syncer "github.com/divio/divio-sync/internal/client/sync"
	"github.com/divio/divio-sync/internal/client/workspace"
	"github.com/divio/divio-sync/internal/divioapi"
	"github.com/divio/divio-sync/internal/utils"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultTick      = 2 * time.Second
	DefaultPullEvery = 15
	DefaultRetryCap  = 3
)

var ErrConflictRetries = errors.New("gitsync: remote kept diverging")

// State is the reconciler's position in its push cycle
type State string

const (
	StateIdle          State = "idle"
	StateCommitting    State = "committing"
	StateBundling      State = "bundling"
	StateUploading     State = "uploading"
	StateMerged        State = "merged"
	StateConflictRetry State = "conflict-retry"
	StateStopped       State = "stopped"
)

type Options struct {
	Workspace *workspace.Workspace
	Repo      Repository
	Remote    Remote
	// Syncable filters worktree changes, slash separated paths relative to the root
	Syncable  func(rel string) bool
	Callbacks *syncer.Callbacks
	Clock     clockwork.Clock

	Tick       time.Duration
	PullEvery  int
	RetryCap   int
	NewBackOff func() backoff.BackOff

	// Force takes over a stale lock left by a crashed session
	Force bool
}

// Reconciler keeps the working tree and the remote mirror in step by exchanging
// git bundles. The watermark is the remote commit last merged or pushed, kept in
// the refs/remotes/divio/<branch> ref.
type Reconciler struct {
	opts   Options
	ws     *workspace.Workspace
	repo   Repository
	remote Remote
	clock  clockwork.Clock

	state     State
	watermark string
	branch    string
	ticks     int

	// network failures push the next attempt out
	retryAt     time.Time
	netBackOff  backoff.BackOff
	mu          sync.Mutex
	tickMu      sync.Mutex
	stopOnce    sync.Once
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
	startedLoop bool
}

func NewReconciler(opts Options) (*Reconciler, error) {
	if opts.Workspace == nil || opts.Repo == nil || opts.Remote == nil {
		return nil, fmt.Errorf("gitsync: workspace, repository and remote are required")
	}
	if opts.Syncable == nil {
		opts.Syncable = func(string) bool { return true }
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.PullEvery <= 0 {
		opts.PullEvery = DefaultPullEvery
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = DefaultRetryCap
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		}
	}

	return &Reconciler{
		opts:   opts,
		ws:     opts.Workspace,
		repo:   opts.Repo,
		remote: opts.Remote,
		clock:  opts.Clock,
		state:  StateIdle,
		done:   make(chan struct{}),
	}, nil
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Watermark returns the remote commit last known to be merged
func (r *Reconciler) Watermark() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Reconciler) setWatermark(tip string) {
	r.mu.Lock()
	r.watermark = tip
	r.mu.Unlock()
}

// Init locks the workspace and loads the watermark without starting the loop
func (r *Reconciler) Init() error {
	if err := r.ws.Lock(r.opts.Force); err != nil {
		return err
	}

	branch, err := r.repo.Branch()
	if err != nil {
		_ = r.ws.Unlock()
		return fmt.Errorf("gitsync: %w", err)
	}
	tip, err := r.repo.RemoteTip(branch)
	if err != nil {
		_ = r.ws.Unlock()
		return fmt.Errorf("gitsync: %w", err)
	}

	r.branch = branch
	r.setWatermark(tip)
	slog.Info("gitsync ready", "branch", branch, "watermark", short(tip))
	return nil
}

// Start initializes the reconciler and ticks until Stop or a fatal error
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.Init(); err != nil {
		return err
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.startedLoop = true
	go r.loop(ctx)
	return nil
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)

	ticker := r.clock.NewTicker(r.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		if err := r.Tick(ctx); err != nil {
			if errors.Is(err, syncer.ErrAuthorization) {
				r.err = err
				return
			}
			slog.Warn("gitsync tick", "error", err)
		}
	}
}

// Tick runs one cycle: commit local changes, push when ahead of the watermark
// and pull on the background schedule.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	r.ticks++
	if r.clock.Now().Before(r.retryAt) {
		return nil
	}

	err := r.cycle(ctx)
	switch {
	case err == nil:
		r.netBackOff = nil
		r.retryAt = time.Time{}
	case divioapi.IsNetworkError(err), errors.Is(err, divioapi.ErrServer):
		if r.netBackOff == nil {
			r.netBackOff = r.opts.NewBackOff()
		}
		delay := r.netBackOff.NextBackOff()
		r.retryAt = r.clock.Now().Add(delay)
		slog.Warn("gitsync network error", "retry_in", delay, "error", err)
		r.setState(StateIdle)
		return nil
	default:
		r.setState(StateIdle)
	}
	return err
}

func (r *Reconciler) cycle(ctx context.Context) error {
	if _, err := r.commitLocal(); err != nil {
		return err
	}

	head, err := r.repo.Head()
	if err != nil {
		return err
	}
	if head != "" && head != r.Watermark() {
		return r.push(ctx)
	}

	if r.ticks%r.opts.PullEvery == 0 {
		return r.pull(ctx)
	}
	r.setState(StateIdle)
	return nil
}

// commitLocal stages syncable changes and commits them. It reports whether a commit was made.
func (r *Reconciler) commitLocal() (bool, error) {
	r.setState(StateCommitting)

	changes, err := r.repo.Changes()
	if err != nil {
		return false, err
	}

	staged := changes[:0]
	for _, c := range changes {
		if r.opts.Syncable(c.Path) {
			staged = append(staged, c)
		}
	}
	if len(staged) == 0 {
		return false, nil
	}

	if err := r.repo.Stage(staged); err != nil {
		return false, err
	}

	hash, err := r.repo.Commit(commitMessage)
	if errors.Is(err, ErrNothingToCommit) {
		// a change reverted before we got to it
		return false, nil
	}
	if err != nil {
		return false, err
	}

	slog.Info("gitsync committed", "commit", short(hash), "files", len(staged))
	return true, nil
}

// push sends base..HEAD and adopts the remote answer. A diverged remote is pulled,
// merged with local bias and pushed again, up to RetryCap times.
func (r *Reconciler) push(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		r.setState(StateBundling)
		base := r.Watermark()

		outgoing := filepath.Join(r.ws.MetadataDir, "outgoing-"+uuid.NewString()+".bundle")
		if err := r.repo.CreateBundle(ctx, outgoing, base, r.branch); err != nil {
			return err
		}

		r.setState(StateUploading)
		incoming, err := r.remote.PushBundle(ctx, outgoing, base)
		os.Remove(outgoing)

		switch {
		case err == nil:
			if err := r.adopt(ctx, incoming); err != nil {
				return err
			}
			if err := r.mergeIfBehind(ctx); err != nil {
				return err
			}
			r.setState(StateMerged)
			slog.Info("gitsync pushed", "watermark", short(r.Watermark()), "attempt", attempt+1)
			return nil

		case divioapi.IsAuthError(err):
			return r.unauthorized(err)

		case errors.Is(err, divioapi.ErrConflict):
			if attempt >= r.opts.RetryCap {
				r.syncError(fmt.Sprintf("The remote changed %d times while pushing, will try again later", attempt+1))
				return fmt.Errorf("%w: %w", ErrConflictRetries, err)
			}
			r.setState(StateConflictRetry)
			slog.Warn("gitsync remote diverged", "attempt", attempt+1)
			if err := r.pull(ctx); err != nil {
				return err
			}

		default:
			return err
		}
	}
}

// pull fetches the remote bundle and merges it, skipping when the remote is unchanged
func (r *Reconciler) pull(ctx context.Context) error {
	incoming, notModified, err := r.remote.PullBundle(ctx, r.Watermark())
	if divioapi.IsAuthError(err) {
		return r.unauthorized(err)
	}
	if err != nil {
		return err
	}
	if notModified {
		slog.Debug("gitsync pull not modified")
		r.setState(StateIdle)
		return nil
	}

	if err := r.adopt(ctx, incoming); err != nil {
		return err
	}
	if err := r.mergeIfBehind(ctx); err != nil {
		return err
	}
	r.setState(StateMerged)
	slog.Info("gitsync pulled", "watermark", short(r.Watermark()))
	return nil
}

// adopt replaces the remote mirror with incoming and fetches it
func (r *Reconciler) adopt(ctx context.Context, incoming string) error {
	if err := utils.MoveFileAtomic(incoming, r.ws.MirrorPath); err != nil {
		return fmt.Errorf("replacing remote mirror: %w", err)
	}
	tip, err := r.repo.FetchBundle(ctx, r.ws.MirrorPath, r.branch)
	if err != nil {
		return err
	}
	r.setWatermark(tip)
	return nil
}

func (r *Reconciler) mergeIfBehind(ctx context.Context) error {
	head, err := r.repo.Head()
	if err != nil {
		return err
	}
	if head == r.Watermark() {
		return nil
	}
	if err := r.repo.MergeRemote(ctx, r.branch); err != nil {
		r.syncError(err.Error())
		return err
	}
	return nil
}

func (r *Reconciler) unauthorized(err error) error {
	if r.opts.Callbacks != nil && r.opts.Callbacks.SyncError != nil {
		r.opts.Callbacks.SyncError("The server rejected your credentials. Please log in again.", "Authorization failed")
	}
	return fmt.Errorf("%w: %w", syncer.ErrAuthorization, err)
}

func (r *Reconciler) syncError(message string) {
	if r.opts.Callbacks != nil && r.opts.Callbacks.SyncError != nil {
		r.opts.Callbacks.SyncError(message, "Git sync")
	}
}

// Done is closed when the loop exits
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that ended the loop
func (r *Reconciler) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Stop ends the loop and releases the workspace lock. Safe to call more than once.
func (r *Reconciler) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		if r.startedLoop {
			r.cancel()
			<-r.done
		}
		err = r.ws.Unlock()
		r.setState(StateStopped)
		slog.Info("gitsync stopped")
	})
	return err
}

func short(hash string) string {
	if len(hash) > 10 {
		return hash[:10]
	}
	return hash
}
