package divioapi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/divio/divio-sync/internal/utils"
	"github.com/google/uuid"
)

const v1SyncBundle = "/api/v1/sites/{site}/sync/bundle/"

var (
	epPushBundle = Endpoint{
		Name:     "bundle push",
		Method:   http.MethodPost,
		Path:     v1SyncBundle,
		Response: ResponseFile,
	}
	epPullBundle = Endpoint{
		Name:     "bundle pull",
		Method:   http.MethodGet,
		Path:     v1SyncBundle,
		Headers:  map[string]string{"Accept": "application/octet-stream"},
		Response: ResponseFile,
	}
)

// BundleAPI exchanges git bundles with the remote repository mirror
type BundleAPI struct {
	c *Client
}

func newBundleAPI(c *Client) *BundleAPI {
	return &BundleAPI{c: c}
}

// Push uploads bundlePath built on top of base. On success the server answers with
// a bundle of the resulting remote branch which is written to out.
func (b *BundleAPI) Push(ctx context.Context, site, bundlePath, base, out string) error {
	_, err := b.c.Do(ctx, epPushBundle, &Call{
		PathParams: map[string]string{"site": site},
		Form:       map[string]string{"base": base},
		Files:      map[string]string{"bundle": bundlePath},
		Output:     out,
	})
	return err
}

// Pull downloads the remote bundle into out unless the remote tip is still since.
// The bool is true when the server answered 304.
func (b *BundleAPI) Pull(ctx context.Context, site, since, out string) (bool, error) {
	call := &Call{
		PathParams: map[string]string{"site": site},
		Output:     out,
	}
	if since != "" {
		call.Query = map[string]string{"since": since}
		call.Headers = map[string]string{"If-None-Match": fmt.Sprintf("%q", since)}
	}

	res, err := b.c.Do(ctx, epPullBundle, call)
	if err != nil {
		return false, err
	}
	return res.NotModified, nil
}

// SiteBundleRemote binds the bundle endpoints to one site and a download dir
type SiteBundleRemote struct {
	api     *BundleAPI
	site    string
	tempDir string
}

func NewSiteBundleRemote(c *Client, site, tempDir string) *SiteBundleRemote {
	return &SiteBundleRemote{api: c.Bundle, site: site, tempDir: tempDir}
}

func (r *SiteBundleRemote) tempPath() (string, error) {
	if err := utils.EnsureDir(r.tempDir); err != nil {
		return "", err
	}
	return filepath.Join(r.tempDir, "incoming-"+uuid.NewString()+".bundle"), nil
}

func (r *SiteBundleRemote) PushBundle(ctx context.Context, bundlePath, base string) (string, error) {
	out, err := r.tempPath()
	if err != nil {
		return "", err
	}
	if err := r.api.Push(ctx, r.site, bundlePath, base, out); err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

func (r *SiteBundleRemote) PullBundle(ctx context.Context, since string) (string, bool, error) {
	out, err := r.tempPath()
	if err != nil {
		return "", false, err
	}
	notModified, err := r.api.Pull(ctx, r.site, since, out)
	if err != nil || notModified {
		os.Remove(out)
		return "", notModified, err
	}
	return out, false, nil
}
