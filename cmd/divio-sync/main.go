package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/divio/divio-sync/internal/client/config"
	"github.com/divio/divio-sync/internal/client/workspace"
	"github.com/divio/divio-sync/internal/version"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "divio-sync",
		Short:        "Sync a local project directory with a Divio site",
		Version:      version.Detailed(),
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "divio-sync config file")
	cmd.PersistentFlags().StringP("server", "s", config.DefaultServerURL, "Divio control panel url")
	cmd.PersistentFlags().StringP("token", "t", "", "Divio API token")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug messages to the console")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newGitSyncCmd())
	cmd.AddCommand(newUnlockCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func main() {
	// optional, values already in the environment win
	_ = godotenv.Load()

	slog.SetDefault(slog.New(consoleHandler(slog.LevelInfo)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), describeError(err))
		os.Exit(exitCode(err))
	}
}

func consoleHandler(level slog.Level) slog.Handler {
	return tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
}

// describeError turns lock failures into instructions
func describeError(err error) string {
	switch {
	case errors.Is(err, workspace.ErrWorkspaceLocked):
		return "another divio-sync session is running in this directory. Stop it first."
	case errors.Is(err, workspace.ErrStaleLock):
		return "a previous divio-sync session did not shut down cleanly. Run again with --force to take over the directory."
	}
	return err.Error()
}

func exitCode(err error) int {
	if errors.Is(err, workspace.ErrWorkspaceLocked) || errors.Is(err, workspace.ErrStaleLock) {
		return 2
	}
	return 1
}
