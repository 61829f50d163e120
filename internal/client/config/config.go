package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/divio/divio-sync/internal/utils"
	"github.com/goccy/go-json"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigDir  = filepath.Join(home, ".divio")
	DefaultConfigPath = filepath.Join(DefaultConfigDir, "config.json")
	DefaultLogsDir    = filepath.Join(DefaultConfigDir, "logs")
	DefaultServerURL  = "https://control.divio.com"
)

var (
	DefaultSyncDirs          = []string{"templates", "static", "private"}
	DefaultAllowedExtensions = []string{
		".html", ".htm", ".txt", ".md", ".xml", ".json",
		".css", ".scss", ".sass", ".less", ".js", ".map",
		".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
		".eot", ".ttf", ".otf", ".woff", ".woff2",
		".po", ".mo", ".csv", ".pdf",
	}
)

const (
	DefaultTickInterval  = 500 * time.Millisecond
	DefaultDebounceAge   = time.Second
	DefaultResyncEvery   = 10
	DefaultGitTick       = 2 * time.Second
	DefaultGitPullEvery  = 15
	DefaultGitRetryCap   = 3
	DefaultLogMaxSizeMB  = 5
	DefaultLogMaxBackups = 3
)

var (
	ErrNoServerURL = errors.New("config: server url missing")
	ErrNoToken     = errors.New("config: api token missing")
	ErrNoSyncDirs  = errors.New("config: at least one sync dir is required")
)

type Config struct {
	ServerURL         string        `json:"server_url" mapstructure:"server_url"`
	Token             string        `json:"token" mapstructure:"token"`
	SyncRoot          string        `json:"sync_root,omitempty" mapstructure:"sync_root"`
	SyncDirs          []string      `json:"sync_dirs" mapstructure:"sync_dirs"`
	AllowedExtensions []string      `json:"allowed_extensions" mapstructure:"allowed_extensions"`
	ProtectedFiles    []string      `json:"protected_files" mapstructure:"protected_files"`
	TickInterval      time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	DebounceAge       time.Duration `json:"debounce_age" mapstructure:"debounce_age"`
	ResyncEvery       int           `json:"resync_every" mapstructure:"resync_every"`
	GitTick           time.Duration `json:"git_tick" mapstructure:"git_tick"`
	GitPullEvery      int           `json:"git_pull_every" mapstructure:"git_pull_every"`
	GitRetryCap       int           `json:"git_retry_cap" mapstructure:"git_retry_cap"`
	LogsDir           string        `json:"logs_dir" mapstructure:"logs_dir"`
	LogMaxSizeMB      int           `json:"log_max_size_mb" mapstructure:"log_max_size_mb"`
	LogMaxBackups     int           `json:"log_max_backups" mapstructure:"log_max_backups"`
	NonInteractive    bool          `json:"non_interactive" mapstructure:"non_interactive"`
	Path              string        `json:"-" mapstructure:"-"`
}

// Default returns a config with every tunable set
func Default() *Config {
	return &Config{
		ServerURL:         DefaultServerURL,
		SyncDirs:          append([]string(nil), DefaultSyncDirs...),
		AllowedExtensions: append([]string(nil), DefaultAllowedExtensions...),
		TickInterval:      DefaultTickInterval,
		DebounceAge:       DefaultDebounceAge,
		ResyncEvery:       DefaultResyncEvery,
		GitTick:           DefaultGitTick,
		GitPullEvery:      DefaultGitPullEvery,
		GitRetryCap:       DefaultGitRetryCap,
		LogsDir:           DefaultLogsDir,
		LogMaxSizeMB:      DefaultLogMaxSizeMB,
		LogMaxBackups:     DefaultLogMaxBackups,
		Path:              DefaultConfigPath,
	}
}

// Validate normalizes the config in place and fills zero values with defaults
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return ErrNoServerURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: invalid server url %q", c.ServerURL)
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")

	if c.Token == "" {
		return ErrNoToken
	}

	if len(c.SyncDirs) == 0 {
		return ErrNoSyncDirs
	}
	for i, dir := range c.SyncDirs {
		dir = utils.NormPath(dir)
		if dir == "." || dir == "" || strings.HasPrefix(dir, "..") {
			return fmt.Errorf("config: invalid sync dir %q", c.SyncDirs[i])
		}
		c.SyncDirs[i] = dir
	}

	if len(c.AllowedExtensions) == 0 {
		c.AllowedExtensions = append([]string(nil), DefaultAllowedExtensions...)
	}
	for i, ext := range c.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.AllowedExtensions[i] = ext
	}

	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.DebounceAge < 0 {
		return fmt.Errorf("config: negative debounce age %s", c.DebounceAge)
	}
	if c.ResyncEvery <= 0 {
		c.ResyncEvery = DefaultResyncEvery
	}
	if c.GitTick <= 0 {
		c.GitTick = DefaultGitTick
	}
	if c.GitPullEvery <= 0 {
		c.GitPullEvery = DefaultGitPullEvery
	}
	if c.GitRetryCap <= 0 {
		c.GitRetryCap = DefaultGitRetryCap
	}
	if c.LogsDir == "" {
		c.LogsDir = DefaultLogsDir
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.LogMaxBackups < 0 {
		c.LogMaxBackups = DefaultLogMaxBackups
	}

	if c.Path != "" {
		path, err := utils.ResolvePath(c.Path)
		if err != nil {
			return fmt.Errorf("config: resolve path: %w", err)
		}
		c.Path = path
	}

	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// holds the api token
	return utils.WriteFileAtomic(path, data, 0o600)
}

func LoadClientConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.Path = path
	return cfg, nil
}
