package main

import (
	"log/slog"
	"os"

	"github.com/divio/divio-sync/internal/client/gitsync"
	syncer "github.com/divio/divio-sync/internal/client/sync"
	"github.com/divio/divio-sync/internal/divioapi"
	"github.com/spf13/cobra"
)

func newGitSyncCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "gitsync [dir]",
		Short: "Sync the directory with the site through git bundles",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := openSite(cmd, args)
			if err != nil {
				return err
			}
			defer sc.Close()

			repo, err := gitsync.OpenRepository(sc.ws.Root)
			if err != nil {
				return err
			}

			ignore := syncer.NewSyncIgnoreList(sc.ws.Root)
			ignore.Load()
			classifier := syncer.NewClassifier(sc.ws.Root, sc.cfg.SyncDirs, sc.cfg.AllowedExtensions, ignore)

			rec, err := gitsync.NewReconciler(gitsync.Options{
				Workspace: sc.ws,
				Repo:      repo,
				Remote:    divioapi.NewSiteBundleRemote(sc.api, sc.site, sc.ws.MetadataDir),
				Syncable: func(rel string) bool {
					return classifier.IsSyncable(sc.ws.AbsPath(rel), false)
				},
				Callbacks: terminalCallbacks(cmd.OutOrStdout(), os.Stdin, false),
				Tick:      sc.cfg.GitTick,
				PullEvery: sc.cfg.GitPullEvery,
				RetryCap:  sc.cfg.GitRetryCap,
				Force:     force,
			})
			if err != nil {
				return err
			}

			if err := rec.Start(cmd.Context()); err != nil {
				return err
			}
			defer slog.Info("Bye!")

			select {
			case <-cmd.Context().Done():
			case <-rec.Done():
			}

			fatal := rec.Err()
			if err := rec.Stop(); err != nil {
				slog.Warn("release lock", "error", err)
			}
			return fatal
		},
	}

	cmd.Flags().String("site", "", "Site id to bind the directory to")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Take over a stale lock left by a crashed session")
	return cmd
}
