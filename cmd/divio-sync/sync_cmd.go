package main

import (
	"errors"
	"log/slog"
	"os"

	syncer "github.com/divio/divio-sync/internal/client/sync"
	"github.com/divio/divio-sync/internal/client/workspace"
	"github.com/divio/divio-sync/internal/divioapi"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync [dir]",
		Short: "Upload local changes to the site file by file as they happen",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := openSite(cmd, args)
			if err != nil {
				return err
			}
			defer sc.Close()

			session, err := syncer.NewSession(syncer.SessionOptions{
				Workspace:    sc.ws,
				Transport:    divioapi.NewSiteTransport(sc.api, sc.site),
				Callbacks:    terminalCallbacks(cmd.OutOrStdout(), os.Stdin, isInteractive(sc.cfg.NonInteractive)),
				SyncDirs:     sc.cfg.SyncDirs,
				Extensions:   sc.cfg.AllowedExtensions,
				Protected:    sc.cfg.ProtectedFiles,
				TickInterval: sc.cfg.TickInterval,
				DebounceAge:  sc.cfg.DebounceAge,
				ResyncEvery:  sc.cfg.ResyncEvery,
				Force:        force,
			})
			if err != nil {
				return err
			}

			if err := session.Start(cmd.Context()); err != nil {
				return err
			}
			defer slog.Info("Bye!")

			select {
			case <-cmd.Context().Done():
			case <-session.Done():
			}

			if err := session.Stop(); err != nil {
				slog.Warn("release lock", "error", err)
			}
			if err := session.Wait(); errors.Is(err, syncer.ErrAuthorization) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().String("site", "", "Site id to bind the directory to")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Take over a stale lock left by a crashed session")
	return cmd
}

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock [dir]",
		Short: "Remove the sync lock of a directory",
		Long:  "Remove the sync lock of a directory. Only use this when no divio-sync session is running there.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir, err := rootDir(cfg, args)
			if err != nil {
				return err
			}
			ws, err := workspace.NewWorkspace(dir)
			if err != nil {
				return err
			}
			if err := ws.ForceUnlock(); err != nil {
				return err
			}
			cmd.Println(green("unlocked"), ws.Root)
			return nil
		},
	}
}
