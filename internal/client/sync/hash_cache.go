package sync

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/divio/divio-sync/internal/utils"
)

// FileHashCache maps normalized absolute paths to the last known content hash.
// It is a change-detection oracle only, never a source of content.
type FileHashCache struct {
	hashes map[string]string
	hashFn func(path string) (string, error)
	mu     sync.RWMutex
}

func NewFileHashCache() *FileHashCache {
	return &FileHashCache{
		hashes: make(map[string]string),
		hashFn: utils.FileHash,
	}
}

// Build hashes every file under dirs for which include returns true
func (c *FileHashCache) Build(dirs []string, include func(abs string, isDir bool) bool) error {
	hashes := make(map[string]string)

	for _, dir := range dirs {
		if !utils.DirExists(dir) {
			continue
		}

		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return fmt.Errorf("walk error: %w", walkErr)
			}
			if d.IsDir() {
				if path != dir && include != nil && !include(path, true) {
					return filepath.SkipDir
				}
				return nil
			}
			if include != nil && !include(path, false) {
				return nil
			}

			hash, err := c.hashFn(path)
			if err != nil {
				slog.Warn("hash cache skip", "path", path, "error", err)
				return nil
			}
			hashes[filepath.Clean(path)] = hash
			return nil
		})
		if err != nil {
			return fmt.Errorf("hash cache build %s: %w", dir, err)
		}
	}

	c.mu.Lock()
	c.hashes = hashes
	c.mu.Unlock()

	slog.Debug("hash cache built", "files", len(hashes))
	return nil
}

// IsFileChanged reports whether the file content differs from the cached hash.
// Unknown or unreadable files count as changed. It never mutates the cache.
func (c *FileHashCache) IsFileChanged(abs string) bool {
	abs = filepath.Clean(abs)

	current, err := c.hashFn(abs)
	if err != nil {
		return true
	}

	c.mu.RLock()
	known, ok := c.hashes[abs]
	c.mu.RUnlock()

	return !ok || known != current
}

// Hash computes the current content hash of abs without touching the cache
func (c *FileHashCache) Hash(abs string) (string, error) {
	return c.hashFn(filepath.Clean(abs))
}

// Update rehashes abs from disk
func (c *FileHashCache) Update(abs string) error {
	abs = filepath.Clean(abs)
	hash, err := c.hashFn(abs)
	if err != nil {
		return err
	}
	c.Set(abs, hash)
	return nil
}

func (c *FileHashCache) Set(abs, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[filepath.Clean(abs)] = hash
}

func (c *FileHashCache) Get(abs string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hash, ok := c.hashes[filepath.Clean(abs)]
	return hash, ok
}

// Remove drops abs and, if it was a directory, everything below it
func (c *FileHashCache) Remove(abs string) {
	abs = filepath.Clean(abs)
	prefix := abs + string(filepath.Separator)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.hashes, abs)
	for path := range c.hashes {
		if strings.HasPrefix(path, prefix) {
			delete(c.hashes, path)
		}
	}
}

// Move re-keys src (a file or a directory) to dst
func (c *FileHashCache) Move(src, dst string) {
	src, dst = filepath.Clean(src), filepath.Clean(dst)
	prefix := src + string(filepath.Separator)

	c.mu.Lock()
	defer c.mu.Unlock()

	if hash, ok := c.hashes[src]; ok {
		delete(c.hashes, src)
		c.hashes[dst] = hash
	}
	moved := make(map[string]string)
	for path, hash := range c.hashes {
		if strings.HasPrefix(path, prefix) {
			delete(c.hashes, path)
			moved[filepath.Join(dst, strings.TrimPrefix(path, prefix))] = hash
		}
	}
	for path, hash := range moved {
		c.hashes[path] = hash
	}
}

// IsKnownDir reports whether abs is the parent of a cached file.
// Used to recover the directory flag of paths that no longer exist.
func (c *FileHashCache) IsKnownDir(abs string) bool {
	prefix := filepath.Clean(abs) + string(filepath.Separator)

	c.mu.RLock()
	defer c.mu.RUnlock()

	for path := range c.hashes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Paths returns a snapshot of every cached path
func (c *FileHashCache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	paths := make([]string, 0, len(c.hashes))
	for path := range c.hashes {
		paths = append(paths, path)
	}
	return paths
}

func (c *FileHashCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hashes)
}
