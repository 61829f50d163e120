package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/divio/divio-sync/internal/divioapi"
	"github.com/divio/divio-sync/internal/utils"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records requests in order and replays scripted failures
type fakeTransport struct {
	mu      sync.Mutex
	calls   []string
	errs    []error
	delay   map[string]time.Duration
	panicOn string
	// runs inside Upload, before the call is recorded
	onUpload func(absPath string)
}

func (f *fakeTransport) do(call string) error {
	f.mu.Lock()
	delay := f.delay[call]
	shouldPanic := f.panicOn == call
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if shouldPanic {
		panic("boom")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Upload(_ context.Context, relPath, absPath string) error {
	if f.onUpload != nil {
		f.onUpload(absPath)
	}
	return f.do("upload " + relPath)
}

func (f *fakeTransport) Move(_ context.Context, src, dst string) error {
	return f.do(fmt.Sprintf("move %s %s", src, dst))
}

func (f *fakeTransport) Delete(_ context.Context, relPath string) error {
	return f.do("delete " + relPath)
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type senderFixture struct {
	root      string
	transport *fakeTransport
	cache     *FileHashCache
	sender    *Sender
	callbacks *Callbacks
}

func newSenderFixture(t *testing.T, callbacks *Callbacks, protected ...string) *senderFixture {
	t.Helper()
	f := &senderFixture{
		root:      t.TempDir(),
		transport: &fakeTransport{delay: map[string]time.Duration{}},
		cache:     NewFileHashCache(),
		callbacks: callbacks,
	}
	f.sender = NewSender(SenderConfig{
		Transport:   f.transport,
		Cache:       f.cache,
		Protected:   NewProtectedFiles(protected),
		Callbacks:   callbacks,
		Clock:       clockwork.NewFakeClock(),
		PollTimeout: 10 * time.Millisecond,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	return f
}

func (f *senderFixture) event(kind EventKind, rel string) *SyncEvent {
	abs := filepath.Join(f.root, filepath.FromSlash(rel))
	return &SyncEvent{
		Kind:        kind,
		Src:         TrackedPath{Abs: abs, Rel: rel, Name: filepath.Base(abs)},
		SrcSyncable: true,
	}
}

// run starts the sender and returns a function that stops it and yields Run's result
func (f *senderFixture) run(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- f.sender.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("sender did not stop")
			return nil
		}
	}
}

func (f *senderFixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, f.sender.Idle, 5*time.Second, 5*time.Millisecond)
}

func TestSender_RequestShapes(t *testing.T) {
	f := newSenderFixture(t, nil)
	writeFile(t, filepath.Join(f.root, "templates", "a.html"), "a")

	move := f.event(EventMoved, "templates/a.html")
	move.Dst = &TrackedPath{Abs: filepath.Join(f.root, "templates", "b.html"), Rel: "templates/b.html"}
	dir := f.event(EventDeleted, "static/img")
	dir.IsDir = true

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventCreated, "templates/a.html"))
	f.sender.Enqueue(move)
	f.sender.Enqueue(dir)
	f.sender.Enqueue(f.event(EventDeleted, "static/app.css"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.Equal(t, []string{
		"upload templates/a.html",
		"move templates/a.html templates/b.html",
		"delete static/img/",
		"delete static/app.css",
	}, f.transport.Calls())
	assert.EqualValues(t, 4, f.sender.Sent())
}

func TestSender_UpdatesHashCache(t *testing.T) {
	f := newSenderFixture(t, nil)
	path := filepath.Join(f.root, "templates", "a.html")
	writeFile(t, path, "a")
	f.cache.Set(filepath.Join(f.root, "static", "gone.css"), "h")

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventModified, "templates/a.html"))
	f.sender.Enqueue(f.event(EventDeleted, "static/gone.css"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.False(t, f.cache.IsFileChanged(path))
	_, ok := f.cache.Get(filepath.Join(f.root, "static", "gone.css"))
	assert.False(t, ok)
}

func TestSender_SaveDuringUploadStaysChanged(t *testing.T) {
	f := newSenderFixture(t, nil)
	path := filepath.Join(f.root, "templates", "a.html")
	writeFile(t, path, "v2")
	f.transport.onUpload = func(absPath string) {
		// the user saves again while the request is in flight
		writeFile(t, absPath, "v3")
	}

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventModified, "templates/a.html"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.True(t, f.cache.IsFileChanged(path), "v3 was never sent")

	want, err := utils.FileHash(path)
	require.NoError(t, err)
	got, ok := f.cache.Get(path)
	require.True(t, ok)
	assert.NotEqual(t, want, got)
}

func TestSender_OrderUnderSlowRequest(t *testing.T) {
	f := newSenderFixture(t, nil)
	writeFile(t, filepath.Join(f.root, "templates", "a.html"), "a")
	f.transport.delay["upload templates/a.html"] = 100 * time.Millisecond

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventCreated, "templates/a.html"))
	f.sender.Enqueue(f.event(EventDeleted, "templates/a.html"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.Equal(t, []string{"upload templates/a.html", "delete templates/a.html"}, f.transport.Calls())
}

func TestSender_ProtectedFilePromptsOnce(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	callbacks := &Callbacks{
		ProtectedFileChange: func(message string) {
			mu.Lock()
			defer mu.Unlock()
			prompts = append(prompts, message)
		},
	}
	f := newSenderFixture(t, callbacks, "templates/base.html")
	writeFile(t, filepath.Join(f.root, "templates", "base.html"), "x")

	stop := f.run(t)
	for range 3 {
		f.sender.Enqueue(f.event(EventModified, "templates/base.html"))
	}
	f.sender.Enqueue(f.event(EventModified, "templates/other.html"))
	f.waitIdle(t)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "templates/base.html")
}

func TestSender_NetworkErrorConfirmRetries(t *testing.T) {
	var prompts int
	callbacks := &Callbacks{
		NetworkError: func(message string, confirm, cancel func()) {
			prompts++
			go confirm()
		},
	}
	f := newSenderFixture(t, callbacks)
	writeFile(t, filepath.Join(f.root, "templates", "a.html"), "a")
	f.transport.errs = []error{&divioapi.NetworkError{Operation: "sync upload", Err: errors.New("connection refused")}}

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventCreated, "templates/a.html"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.Equal(t, 1, prompts)
	assert.Equal(t, []string{"upload templates/a.html", "upload templates/a.html"}, f.transport.Calls())
	assert.EqualValues(t, 1, f.sender.Sent())
}

func TestSender_NetworkErrorCancelDropsEventOnly(t *testing.T) {
	callbacks := &Callbacks{
		NetworkError: func(message string, confirm, cancel func()) {
			cancel()
			confirm() // ignored, the first decision wins
		},
	}
	f := newSenderFixture(t, callbacks)
	f.transport.errs = []error{&divioapi.NetworkError{Operation: "sync delete", Err: context.DeadlineExceeded}}

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventDeleted, "templates/a.html"))
	f.sender.Enqueue(f.event(EventDeleted, "templates/b.html"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.Equal(t, []string{"delete templates/a.html", "delete templates/b.html"}, f.transport.Calls())
	assert.EqualValues(t, 1, f.sender.Sent())
}

func TestSender_NonInteractiveRetry(t *testing.T) {
	f := newSenderFixture(t, nil)
	f.transport.errs = []error{
		&divioapi.NetworkError{Operation: "sync delete", Err: errors.New("reset")},
		&divioapi.APIError{StatusCode: http.StatusBadGateway},
	}

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventDeleted, "templates/a.html"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.Len(t, f.transport.Calls(), 3)
	assert.EqualValues(t, 1, f.sender.Sent())
}

func TestSender_ForbiddenStopsSession(t *testing.T) {
	var titles []string
	callbacks := &Callbacks{SyncError: func(message, title string) { titles = append(titles, title) }}
	f := newSenderFixture(t, callbacks)
	f.transport.errs = []error{&divioapi.APIError{StatusCode: http.StatusForbidden}}

	f.sender.Enqueue(f.event(EventDeleted, "templates/a.html"))
	err := f.sender.Run(t.Context())

	require.ErrorIs(t, err, ErrAuthorization)
	assert.ErrorIs(t, err, divioapi.ErrForbidden)
	assert.Equal(t, []string{"Authorization failed"}, titles)
}

func TestSender_ConflictRetryIsBounded(t *testing.T) {
	var errorsSeen int
	callbacks := &Callbacks{SyncError: func(message, title string) { errorsSeen++ }}
	f := newSenderFixture(t, callbacks)
	for range 10 {
		f.transport.errs = append(f.transport.errs, &divioapi.APIError{StatusCode: http.StatusConflict})
	}

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventDeleted, "templates/a.html"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.Len(t, f.transport.Calls(), defaultConflictRetry+1)
	assert.Equal(t, 1, errorsSeen)
	assert.EqualValues(t, 0, f.sender.Sent())
}

func TestSender_RejectedRequestIsSurfacedAndDropped(t *testing.T) {
	var messages []string
	callbacks := &Callbacks{SyncError: func(message, title string) { messages = append(messages, title) }}
	f := newSenderFixture(t, callbacks)
	f.transport.errs = []error{&divioapi.APIError{StatusCode: http.StatusBadRequest, Message: "bad path"}}

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventDeleted, "templates/a.html"))
	f.sender.Enqueue(f.event(EventDeleted, "templates/b.html"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.Equal(t, []string{"Could not sync templates/a.html"}, messages)
	assert.Equal(t, []string{"delete templates/a.html", "delete templates/b.html"}, f.transport.Calls())
}

func TestSender_VanishedFileIsSkipped(t *testing.T) {
	f := newSenderFixture(t, nil)
	// upload fails with fs.ErrNotExist the way the api client wraps it
	f.transport.errs = []error{fmt.Errorf("sync upload: stat templates/a.html: %w", fs.ErrNotExist)}

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventCreated, "templates/a.html"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.Len(t, f.transport.Calls(), 1)
}

func TestSender_UnreadableFileIsNotRetried(t *testing.T) {
	var titles []string
	callbacks := &Callbacks{
		SyncError: func(message, title string) { titles = append(titles, title) },
		NetworkError: func(message string, confirm, cancel func()) {
			t.Error("local file errors must not prompt for a network retry")
			cancel()
		},
	}
	f := newSenderFixture(t, callbacks)
	writeFile(t, filepath.Join(f.root, "templates", "a.html"), "a")
	f.transport.errs = []error{fmt.Errorf("sync upload: %w",
		&fs.PathError{Op: "open", Path: filepath.Join(f.root, "templates", "a.html"), Err: fs.ErrPermission})}

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventModified, "templates/a.html"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.Len(t, f.transport.Calls(), 1)
	assert.Equal(t, []string{"Could not sync templates/a.html"}, titles)
}

func TestSender_PanicDropsEvent(t *testing.T) {
	f := newSenderFixture(t, nil)
	f.transport.panicOn = "delete templates/a.html"

	stop := f.run(t)
	f.sender.Enqueue(f.event(EventDeleted, "templates/a.html"))
	f.sender.Enqueue(f.event(EventDeleted, "templates/b.html"))
	f.waitIdle(t)
	require.NoError(t, stop())

	assert.Equal(t, []string{"delete templates/b.html"}, f.transport.Calls())
}

func TestSender_SyncIndicator(t *testing.T) {
	var mu sync.Mutex
	var states []bool
	callbacks := &Callbacks{SyncIndicator: func(stop bool) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, stop)
	}}
	f := newSenderFixture(t, callbacks)

	f.sender.Enqueue(f.event(EventDeleted, "templates/a.html"))
	f.sender.Enqueue(f.event(EventDeleted, "templates/b.html"))
	stop := f.run(t)
	f.waitIdle(t)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, states)
}
