package utils

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{
			name:      "empty path",
			input:     "",
			wantError: true,
		},
		{
			name:      "relative path",
			input:     "./test",
			wantError: false,
		},
		{
			name:      "absolute path",
			input:     "/tmp/test",
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(result))
		})
	}
}

func TestNormPath(t *testing.T) {
	assert.Equal(t, "templates/page.html", NormPath("/templates/page.html"))
	assert.Equal(t, "templates/page.html", NormPath("templates/./sub/../page.html"))
	assert.Equal(t, "static", NormPath("static/"))
}

func TestIsSubPath(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "srv", "site")

	assert.True(t, IsSubPath(root, root))
	assert.True(t, IsSubPath(root, filepath.Join(root, "templates", "a.html")))
	assert.False(t, IsSubPath(root, filepath.Join(string(filepath.Separator), "srv", "site2", "a.html")))
	assert.False(t, IsSubPath(filepath.Join(root, "templates"), root))
}

func TestFileExistsAndDirExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	assert.True(t, FileExists(file))
	assert.False(t, FileExists(dir))
	assert.True(t, DirExists(dir))
	assert.False(t, DirExists(file))
	assert.True(t, PathExists(file))
	assert.False(t, PathExists(filepath.Join(dir, "missing")))
}

func TestFileHash(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0o644))

	ha, err := FileHash(a)
	require.NoError(t, err)
	hb, err := FileHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	require.NoError(t, os.WriteFile(b, []byte("different"), 0o644))
	hb, err = FileHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "site.json")
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
	assert.False(t, PathExists(path+".tmp"))
}

func TestRotatingLogSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewRotatingLogSink(dir, "my site/42", 1, 2)
	require.NoError(t, err)
	defer sink.Close()

	assert.Equal(t, filepath.Join(dir, "my_site_42.log"), sink.Path)

	logger := slog.New(NewMultiLogHandler(nil, sink.Handler(slog.LevelDebug)))
	logger.Info("sink test", "k", "v")

	data, err := os.ReadFile(sink.Path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "sink test"))
}

func TestMultiLogHandler_EnabledIfAnyEnabled(t *testing.T) {
	quiet := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
	loud := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})

	assert.True(t, NewMultiLogHandler(quiet, loud).Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, NewMultiLogHandler(quiet).Enabled(context.Background(), slog.LevelDebug))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "*****", MaskSecret("abc"))
	assert.Equal(t, "abcd*****", MaskSecret("abcdefgh"))
}
