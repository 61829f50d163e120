package divioapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
)

const v1SyncFiles = "/api/v1/sites/{site}/sync/files/"

var (
	epUploadFile = Endpoint{
		Name:     "sync upload",
		Method:   http.MethodPost,
		Path:     v1SyncFiles,
		Response: ResponseFormErrors,
	}
	epMoveFile = Endpoint{
		Name:     "sync move",
		Method:   http.MethodPut,
		Path:     v1SyncFiles,
		Response: ResponseJSON,
	}
	epDeleteFile = Endpoint{
		Name:     "sync delete",
		Method:   http.MethodDelete,
		Path:     v1SyncFiles,
		Response: ResponseText,
	}
)

// SyncAPI issues the fine-grained file sync requests
type SyncAPI struct {
	c *Client
}

func newSyncAPI(c *Client) *SyncAPI {
	return &SyncAPI{c: c}
}

// MoveRequest is the body of a move; Source is empty for a plain path update
type MoveRequest struct {
	Source string `json:"source,omitempty"`
	Path   string `json:"path"`
}

// Upload sends the content of absPath as relPath with a multipart POST
func (s *SyncAPI) Upload(ctx context.Context, site, relPath, absPath string) error {
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("sync upload: stat %s: %w", relPath, err)
	}

	_, err = s.c.Do(ctx, epUploadFile, &Call{
		PathParams: map[string]string{"site": site},
		Form:       map[string]string{"path": relPath},
		Files:      map[string]string{"content": absPath},
	})
	if err != nil {
		return err
	}

	slog.Debug("sync upload", "path", relPath, "size", humanize.Bytes(uint64(info.Size())))
	return nil
}

// Move renames src to dst remotely with a metadata-only PUT
func (s *SyncAPI) Move(ctx context.Context, site, src, dst string) error {
	_, err := s.c.Do(ctx, epMoveFile, &Call{
		PathParams: map[string]string{"site": site},
		JSON:       &MoveRequest{Source: src, Path: dst},
	})
	return err
}

// Delete removes relPath remotely. Directories must carry a trailing slash.
func (s *SyncAPI) Delete(ctx context.Context, site, relPath string) error {
	_, err := s.c.Do(ctx, epDeleteFile, &Call{
		PathParams: map[string]string{"site": site},
		Query:      map[string]string{"path": relPath},
	})
	return err
}

// SiteTransport binds the sync endpoints to one site
type SiteTransport struct {
	api  *SyncAPI
	site string
}

func NewSiteTransport(c *Client, site string) *SiteTransport {
	return &SiteTransport{api: c.Sync, site: site}
}

func (t *SiteTransport) Upload(ctx context.Context, relPath, absPath string) error {
	return t.api.Upload(ctx, t.site, relPath, absPath)
}

func (t *SiteTransport) Move(ctx context.Context, src, dst string) error {
	return t.api.Move(ctx, t.site, src, dst)
}

func (t *SiteTransport) Delete(ctx context.Context, relPath string) error {
	err := t.api.Delete(ctx, t.site, relPath)
	if err != nil && statusOf(err) == http.StatusNotFound {
		// already gone remotely
		slog.Debug("sync delete not found", "path", relPath)
		return nil
	}
	return err
}
