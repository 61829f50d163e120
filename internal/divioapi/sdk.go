package divioapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/divio/divio-sync/internal/version"
	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
)

const (
	HeaderUserAgent     = "User-Agent"
	HeaderAuthorization = "Authorization"
	HeaderClientVersion = "X-Divio-Client-Version"

	defaultTimeout = 60 * time.Second
)

// Client is the transport session shared by every API call.
// Automatic retries are disabled: the sync sender owns retry policy.
type Client struct {
	client  *req.Client
	baseURL string
	creds   CredentialStore
	Sync    *SyncAPI
	Bundle  *BundleAPI
}

// New creates a client for baseURL. creds may be nil for unauthenticated calls.
func New(baseURL string, creds CredentialStore) (*Client, error) {
	if baseURL == "" {
		return nil, ErrNoServerURL
	}

	httpClient := req.C().
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout).
		SetCommonRetryCount(0).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderClientVersion, version.Version).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal)

	c := &Client{
		client:  httpClient,
		baseURL: baseURL,
		creds:   creds,
	}

	httpClient.OnBeforeRequest(func(_ *req.Client, r *req.Request) error {
		if c.creds == nil {
			return nil
		}
		header, err := c.creds.AuthHeader()
		if err != nil {
			return errors.Join(ErrNoCredentials, err)
		}
		r.SetHeader(HeaderAuthorization, header)
		return nil
	})

	c.Sync = newSyncAPI(c)
	c.Bundle = newBundleAPI(c)
	return c, nil
}

// BaseURL returns the server the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetTimeout overrides the per-request connect+read timeout
func (c *Client) SetTimeout(d time.Duration) {
	c.client.SetTimeout(d)
}

// HTTPClient exposes the underlying client, mainly for tests
func (c *Client) HTTPClient() *http.Client {
	return c.client.GetClient()
}
