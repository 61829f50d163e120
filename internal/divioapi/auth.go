package divioapi

import (
	"context"
	"net/http"
	"strings"
)

// CredentialStore supplies the Authorization header value.
// The sync core never reads or stores credentials itself.
type CredentialStore interface {
	AuthHeader() (string, error)
}

// TokenCredentials is an API token as issued by the control panel
type TokenCredentials string

func (t TokenCredentials) AuthHeader() (string, error) {
	token := strings.TrimSpace(string(t))
	if token == "" {
		return "", ErrNoCredentials
	}
	return "Token " + token, nil
}

var epWhoami = Endpoint{
	Name:     "whoami",
	Method:   http.MethodGet,
	Path:     "/api/v1/users/me/",
	Response: ResponseJSON,
}

type User struct {
	ID       int    `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Whoami returns the user owning the credentials; used to fail fast on a bad token
func (c *Client) Whoami(ctx context.Context) (*User, error) {
	var user User
	if _, err := c.Do(ctx, epWhoami, &Call{Into: &user}); err != nil {
		return nil, err
	}
	return &user, nil
}
