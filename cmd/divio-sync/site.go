package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/divio/divio-sync/internal/client/config"
	"github.com/divio/divio-sync/internal/client/workspace"
	"github.com/divio/divio-sync/internal/divioapi"
	"github.com/divio/divio-sync/internal/utils"
	"github.com/spf13/cobra"
)

// siteContext is everything a sync command needs before it starts
type siteContext struct {
	cfg    *config.Config
	ws     *workspace.Workspace
	site   string
	api    *divioapi.Client
	closer func()
}

func (s *siteContext) Close() {
	if s.closer != nil {
		s.closer()
	}
}

// rootDir picks the directory argument, then the configured sync root, then the cwd
func rootDir(cfg *config.Config, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if cfg.SyncRoot != "" {
		return cfg.SyncRoot, nil
	}
	return os.Getwd()
}

// resolveSite binds the workspace to siteFlag when given, otherwise reads the existing marker
func resolveSite(ws *workspace.Workspace, siteFlag, serverURL string) (string, error) {
	if siteFlag != "" {
		marker := &workspace.SiteMarker{SiteID: siteFlag, ServerURL: serverURL}
		if err := ws.WriteSiteMarker(marker); err != nil {
			return "", fmt.Errorf("bind directory to site: %w", err)
		}
		return siteFlag, nil
	}

	marker, err := ws.ReadSiteMarker()
	if errors.Is(err, workspace.ErrNoSiteMarker) {
		return "", fmt.Errorf("%s is not bound to a site yet, pass --site", ws.Root)
	}
	if err != nil {
		return "", err
	}
	if marker.ServerURL != "" && marker.ServerURL != serverURL {
		slog.Warn("site marker server differs", "marker", marker.ServerURL, "config", serverURL)
	}
	return marker.SiteID, nil
}

// openSite loads config, binds the workspace, sets up logging and checks the token
func openSite(cmd *cobra.Command, args []string) (*siteContext, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir, err := rootDir(cfg, args)
	if err != nil {
		return nil, err
	}
	ws, err := workspace.NewWorkspace(dir)
	if err != nil {
		return nil, err
	}

	siteFlag, _ := cmd.Flags().GetString("site")
	site, err := resolveSite(ws, siteFlag, cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	closer := setupLogging(cfg, site, verbose)

	api, err := divioapi.New(cfg.ServerURL, divioapi.TokenCredentials(cfg.Token))
	if err != nil {
		closer()
		return nil, err
	}

	user, err := api.Whoami(cmd.Context())
	if err != nil {
		closer()
		if divioapi.IsAuthError(err) {
			return nil, fmt.Errorf("the API token was rejected, check DIVIO_TOKEN or --token: %w", err)
		}
		return nil, fmt.Errorf("login check: %w", err)
	}
	slog.Info("logged in", "user", user.Email, "token", utils.MaskSecret(cfg.Token), "site", site, "root", ws.Root)

	return &siteContext{cfg: cfg, ws: ws, site: site, api: api, closer: closer}, nil
}
