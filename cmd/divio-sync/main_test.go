package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/divio/divio-sync/internal/client/config"
	"github.com/divio/divio-sync/internal/client/workspace"
	"github.com/divio/divio-sync/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("DIVIO_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("DIVIO_SERVER_URL", "https://control.example.com")
	t.Setenv("DIVIO_TOKEN", "env-token")
	t.Setenv("DIVIO_TICK_INTERVAL", "250ms")
	t.Setenv("DIVIO_NON_INTERACTIVE", "true")

	cfg, err := loadConfig(newRootCmd())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://control.example.com", cfg.ServerURL)
	assert.Equal(t, "env-token", cfg.Token)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.True(t, cfg.NonInteractive)
	assert.Equal(t, config.DefaultSyncDirs, cfg.SyncDirs)
	assert.Equal(t, config.DefaultGitRetryCap, cfg.GitRetryCap)
}

func TestLoadConfigJSON(t *testing.T) {
	t.Setenv("DIVIO_TOKEN", "")
	t.Setenv("DIVIO_SERVER_URL", "")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	"server_url": "https://json.example.com",
	"token": "json-token",
	"sync_dirs": ["templates"],
	"protected_files": ["templates/base.html"],
	"debounce_age": "2s"
}`), 0o600))

	cmd := newRootCmd()
	require.NoError(t, cmd.PersistentFlags().Set("config", path))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://json.example.com", cfg.ServerURL)
	assert.Equal(t, "json-token", cfg.Token)
	assert.Equal(t, []string{"templates"}, cfg.SyncDirs)
	assert.Equal(t, []string{"templates/base.html"}, cfg.ProtectedFiles)
	assert.Equal(t, 2*time.Second, cfg.DebounceAge)
	assert.Equal(t, path, cfg.Path)

	// flags win over the file
	require.NoError(t, cmd.PersistentFlags().Set("token", "flag-token"))
	cfg, err = loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "flag-token", cfg.Token)
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"token": `), 0o600))

	cmd := newRootCmd()
	require.NoError(t, cmd.PersistentFlags().Set("config", path))
	_, err := loadConfig(cmd)
	assert.Error(t, err)
}

func TestResolveSite(t *testing.T) {
	ws, err := workspace.NewWorkspace(t.TempDir())
	require.NoError(t, err)

	_, err = resolveSite(ws, "", "https://control.example.com")
	assert.ErrorContains(t, err, "--site")

	site, err := resolveSite(ws, "site-42", "https://control.example.com")
	require.NoError(t, err)
	assert.Equal(t, "site-42", site)

	// the binding is remembered
	site, err = resolveSite(ws, "", "https://control.example.com")
	require.NoError(t, err)
	assert.Equal(t, "site-42", site)
}

func TestRootDir(t *testing.T) {
	cfg := config.Default()
	dir, err := rootDir(cfg, []string{"/tmp/project"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/project", dir)

	cfg.SyncRoot = "/srv/site"
	dir, err = rootDir(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/site", dir)
}

func TestDescribeError(t *testing.T) {
	locked := fmt.Errorf("start: %w", workspace.ErrWorkspaceLocked)
	assert.Contains(t, describeError(locked), "another divio-sync session")
	assert.Equal(t, 2, exitCode(locked))

	stale := fmt.Errorf("start: %w", workspace.ErrStaleLock)
	assert.Contains(t, describeError(stale), "--force")
	assert.Equal(t, 2, exitCode(stale))

	other := fmt.Errorf("boom")
	assert.Equal(t, "boom", describeError(other))
	assert.Equal(t, 1, exitCode(other))
}

func TestTerminalCallbacks(t *testing.T) {
	t.Run("non interactive leaves retries to the sender", func(t *testing.T) {
		var out bytes.Buffer
		cb := terminalCallbacks(&out, strings.NewReader(""), false)
		assert.Nil(t, cb.NetworkError)

		cb.SyncError("templates/a.exe will not be synced", "Invalid file")
		cb.ProtectedFileChange("templates/base.html is now managed by you")
		assert.Contains(t, out.String(), "templates/a.exe will not be synced")
		assert.Contains(t, out.String(), "templates/base.html")
	})

	for _, tc := range []struct {
		answer  string
		confirm bool
	}{
		{"\n", true},
		{"y\n", true},
		{"n\n", false},
		{"", false},
	} {
		t.Run(fmt.Sprintf("answer %q", tc.answer), func(t *testing.T) {
			var out bytes.Buffer
			cb := terminalCallbacks(&out, strings.NewReader(tc.answer), true)
			require.NotNil(t, cb.NetworkError)

			decided := make(chan bool, 1)
			cb.NetworkError("connection refused", func() { decided <- true }, func() { decided <- false })

			select {
			case got := <-decided:
				assert.Equal(t, tc.confirm, got)
			case <-time.After(5 * time.Second):
				t.Fatal("no decision")
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version.Detailed(), strings.TrimSpace(out.String()))
}

func TestUnlockCommand(t *testing.T) {
	t.Setenv("DIVIO_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
	root := t.TempDir()

	ws, err := workspace.NewWorkspace(root)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(ws.MetadataDir, 0o755))
	require.NoError(t, os.WriteFile(ws.LockPath, nil, 0o644))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"unlock", root})
	require.NoError(t, cmd.Execute())

	assert.False(t, ws.IsLocked())
	assert.Contains(t, out.String(), "unlocked")
}
