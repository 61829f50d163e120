package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	authorName  = "divio-sync"
	authorEmail = "sync@divio.invalid"
)

// GitRepository implements Repository with go-git for the index and refs and
// the git binary for bundles and merges, which go-git does not support.
type GitRepository struct {
	root string
	repo *git.Repository
}

// OpenRepository opens the repository at root, initializing it if missing
func OpenRepository(root string) (*GitRepository, error) {
	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		slog.Info("gitsync init repository", "root", root)
		repo, err = git.PlainInit(root, false)
	}
	if err != nil {
		return nil, fmt.Errorf("opening git repo: %w", err)
	}
	return &GitRepository{root: root, repo: repo}, nil
}

func (g *GitRepository) Changes() ([]Change, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("getting worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("getting worktree status: %w", err)
	}

	changes := make([]Change, 0, len(status))
	for path, fs := range status {
		if fs.Worktree == git.Unmodified {
			continue
		}
		changes = append(changes, Change{Path: path, Deleted: fs.Worktree == git.Deleted})
	}
	return changes, nil
}

func (g *GitRepository) Stage(changes []Change) error {
	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	for _, c := range changes {
		if c.Deleted {
			_, err = wt.Remove(c.Path)
		} else {
			_, err = wt.Add(c.Path)
		}
		if err != nil {
			return fmt.Errorf("staging %s: %w", c.Path, err)
		}
	}
	return nil
}

func (g *GitRepository) Commit(message string) (string, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("getting worktree: %w", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: authorName, Email: authorEmail, When: time.Now()},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return "", ErrNothingToCommit
	}
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

func (g *GitRepository) Head() (string, error) {
	ref, err := g.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

func (g *GitRepository) Branch() (string, error) {
	// unresolved so an unborn branch still has a name
	ref, err := g.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if ref.Type() != plumbing.SymbolicReference {
		return "", fmt.Errorf("detached HEAD at %s", ref.Hash())
	}
	return ref.Target().Short(), nil
}

func (g *GitRepository) RemoteTip(branch string) (string, error) {
	ref, err := g.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading remote ref: %w", err)
	}
	return ref.Hash().String(), nil
}

func (g *GitRepository) CreateBundle(ctx context.Context, path, base, branch string) error {
	rev := branch
	if base != "" {
		rev = base + ".." + branch
	}
	_, err := g.run(ctx, "bundle", "create", path, rev)
	if err != nil {
		return fmt.Errorf("git bundle failed: %w", err)
	}
	return nil
}

func (g *GitRepository) FetchBundle(ctx context.Context, bundlePath, branch string) (string, error) {
	refspec := fmt.Sprintf("+refs/heads/%s:%s", branch, plumbing.NewRemoteReferenceName(remoteName, branch))
	if _, err := g.run(ctx, "fetch", "--no-tags", bundlePath, refspec); err != nil {
		return "", fmt.Errorf("git fetch failed: %w", err)
	}
	return g.RemoteTip(branch)
}

func (g *GitRepository) MergeRemote(ctx context.Context, branch string) error {
	ref := plumbing.NewRemoteReferenceName(remoteName, branch).String()
	_, err := g.run(ctx, "merge", "--no-edit", "-X", "ours", "--allow-unrelated-histories", ref)
	if err == nil {
		return nil
	}

	// strategy options cannot settle every conflict (e.g. modify/delete)
	if _, abortErr := g.run(ctx, "merge", "--abort"); abortErr != nil {
		slog.Warn("gitsync merge abort", "error", abortErr)
	}
	return fmt.Errorf("%w: %w", ErrMergeConflict, err)
}

// run executes git in the repository and returns its trimmed stdout.
// The commit identity is passed on the command line so merges work without user config.
func (g *GitRepository) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{
		"-C", g.root,
		"-c", "user.name=" + authorName,
		"-c", "user.email=" + authorEmail,
	}, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
