package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/divio/divio-sync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const ignoreFileName = ".divioignore"

var defaultIgnoreLines = []string{
	// editors
	"*~",
	"*.swp",
	"*.swx",
	"*.tmp",
	"4913", // vim write probe
	"___jb_*___",
	// python
	"__pycache__/",
	"*.py[cod]",
	// OS-specific
	"Thumbs.db",
	"Icon\r",
}

// SyncIgnoreList matches relative paths against gitignore-style rules
type SyncIgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewSyncIgnoreList(baseDir string) *SyncIgnoreList {
	return &SyncIgnoreList{
		baseDir: baseDir,
		ignore:  gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
}

// Load reads <baseDir>/.divioignore on top of the default rules
func (s *SyncIgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, ignoreFileName)
	ignoreLines := append([]string(nil), defaultIgnoreLines...)

	if utils.FileExists(ignorePath) {
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("ignore file open", "path", ignorePath, "error", err)
		} else {
			defer file.Close()

			rules := 0
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" && !strings.HasPrefix(line, "#") {
					ignoreLines = append(ignoreLines, line)
					rules++
				}
			}

			if err := scanner.Err(); err != nil {
				slog.Warn("ignore file read", "path", ignorePath, "error", err)
			} else {
				slog.Info("ignore file loaded", "path", ignorePath, "rules", rules)
			}
		}
	}

	s.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// ShouldIgnore matches a slash separated path relative to the base dir
func (s *SyncIgnoreList) ShouldIgnore(relPath string) bool {
	if s == nil || s.ignore == nil {
		return false
	}
	return s.ignore.MatchesPath(relPath)
}
