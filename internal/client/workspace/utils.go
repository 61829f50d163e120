package workspace

import (
	"errors"
	"fmt"
	"os"

	"github.com/divio/divio-sync/internal/utils"
	"github.com/goccy/go-json"
)

var ErrNoSiteMarker = errors.New("directory is not bound to a site")

// SiteMarker records which remote site a directory is bound to
type SiteMarker struct {
	SiteID    string `json:"site_id"`
	Slug      string `json:"slug,omitempty"`
	ServerURL string `json:"server_url,omitempty"`
}

// ReadSiteMarker loads the marker from the workspace metadata dir
func (w *Workspace) ReadSiteMarker() (*SiteMarker, error) {
	data, err := os.ReadFile(w.MarkerPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSiteMarker
	} else if err != nil {
		return nil, fmt.Errorf("read site marker: %w", err)
	}

	var marker SiteMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("parse site marker: %w", err)
	}
	if marker.SiteID == "" {
		return nil, ErrNoSiteMarker
	}
	return &marker, nil
}

// WriteSiteMarker binds the workspace to a site
func (w *Workspace) WriteSiteMarker(marker *SiteMarker) error {
	if marker == nil || marker.SiteID == "" {
		return errors.New("site marker requires a site id")
	}

	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(w.MarkerPath, data, 0o644)
}
