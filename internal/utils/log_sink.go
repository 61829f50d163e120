package utils

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"

	"gopkg.in/natefinch/lumberjack.v2"
)

var unsafeLogName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// RotatingLogSink is a size-bounded log file with a bounded number of backups
type RotatingLogSink struct {
	Path   string
	writer *lumberjack.Logger
}

// NewRotatingLogSink creates <logsDir>/<site>.log rotated at maxSizeMB with maxBackups kept.
// The file is opened lazily on first write.
func NewRotatingLogSink(logsDir, site string, maxSizeMB, maxBackups int) (*RotatingLogSink, error) {
	if site == "" {
		site = "divio-sync"
	}
	if err := EnsureDir(logsDir); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	path := filepath.Join(logsDir, unsafeLogName.ReplaceAllString(site, "_")+".log")
	return &RotatingLogSink{
		Path: path,
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		},
	}, nil
}

func (s *RotatingLogSink) Writer() io.Writer {
	return s.writer
}

// Handler returns a text handler writing to the sink
func (s *RotatingLogSink) Handler(level slog.Level) slog.Handler {
	return slog.NewTextHandler(s.writer, &slog.HandlerOptions{Level: level})
}

func (s *RotatingLogSink) Close() error {
	return s.writer.Close()
}
