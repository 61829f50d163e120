package gitsync

import (
	"context"
	"errors"
)

const (
	remoteName    = "divio"
	commitMessage = "divio-sync: local changes"
)

var (
	ErrNothingToCommit = errors.New("gitsync: nothing to commit")
	ErrMergeConflict   = errors.New("gitsync: merge left unresolved conflicts")
)

// Change is a worktree path that differs from HEAD, slash separated and relative to the root
type Change struct {
	Path    string
	Deleted bool
}

// Repository is the local working tree seen as a git repository
type Repository interface {
	// Changes lists modified, untracked and deleted paths
	Changes() ([]Change, error)
	Stage(changes []Change) error
	// Commit returns ErrNothingToCommit when the index matches HEAD
	Commit(message string) (string, error)
	// Head returns the commit of the current branch, empty on an unborn branch
	Head() (string, error)
	Branch() (string, error)
	// RemoteTip returns the last fetched remote commit, empty when nothing was fetched yet
	RemoteTip(branch string) (string, error)

	// CreateBundle writes base..branch (or the whole branch when base is empty) to path
	CreateBundle(ctx context.Context, path, base, branch string) error
	// FetchBundle updates the remote tracking ref from bundlePath and returns its tip
	FetchBundle(ctx context.Context, bundlePath, branch string) (string, error)
	// MergeRemote merges the remote tracking ref, keeping local changes on conflict
	MergeRemote(ctx context.Context, branch string) error
}

// Remote exchanges bundles with the server
type Remote interface {
	// PushBundle uploads a bundle built on base and returns the path of the resulting remote bundle
	PushBundle(ctx context.Context, bundlePath, base string) (string, error)
	// PullBundle downloads the remote bundle unless the tip is still since
	PullBundle(ctx context.Context, since string) (path string, notModified bool, err error)
}
