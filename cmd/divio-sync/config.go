package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/divio/divio-sync/internal/client/config"
	"github.com/divio/divio-sync/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "DIVIO"

// loadConfig merges defaults, the config file, DIVIO_* env vars and flags, in increasing priority
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	defaults := config.Default()
	v.SetDefault("server_url", defaults.ServerURL)
	v.SetDefault("token", "")
	v.SetDefault("sync_root", "")
	v.SetDefault("sync_dirs", defaults.SyncDirs)
	v.SetDefault("allowed_extensions", defaults.AllowedExtensions)
	v.SetDefault("protected_files", []string{})
	v.SetDefault("tick_interval", defaults.TickInterval)
	v.SetDefault("debounce_age", defaults.DebounceAge)
	v.SetDefault("resync_every", defaults.ResyncEvery)
	v.SetDefault("git_tick", defaults.GitTick)
	v.SetDefault("git_pull_every", defaults.GitPullEvery)
	v.SetDefault("git_retry_cap", defaults.GitRetryCap)
	v.SetDefault("logs_dir", defaults.LogsDir)
	v.SetDefault("log_max_size_mb", defaults.LogMaxSizeMB)
	v.SetDefault("log_max_backups", defaults.LogMaxBackups)
	v.SetDefault("non_interactive", false)

	configPath := config.DefaultConfigPath
	if f := cmd.Flag("config"); f != nil && f.Changed {
		configPath = f.Value.String()
	} else if envPath := os.Getenv(envPrefix + "_CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
		slog.Debug("no config file", "path", configPath)
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if f := cmd.Flag("server"); f != nil && f.Changed {
		v.Set("server_url", f.Value.String())
	}
	if f := cmd.Flag("token"); f != nil && f.Changed {
		v.Set("token", f.Value.String())
	}

	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = configPath
	return cfg, nil
}

// setupLogging adds the per-site rotating log file next to the console output.
// A log file that cannot be created only costs the file output.
func setupLogging(cfg *config.Config, site string, verbose bool) func() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	console := consoleHandler(level)

	sink, err := utils.NewRotatingLogSink(cfg.LogsDir, site, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		slog.SetDefault(slog.New(console))
		slog.Warn("log file disabled", "error", err)
		return func() {}
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(console, sink.Handler(slog.LevelDebug))))
	slog.Debug("logging to file", "path", sink.Path)
	return func() { _ = sink.Close() }
}
