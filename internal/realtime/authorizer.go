package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/npezzotti/neolive/internal/grant"
)

// Authorizer obtains a grant for socketId to join channel.
type Authorizer interface {
	Authorize(ctx context.Context, socketId, channel string) (grant.Grant, error)
}

type AuthorizerFunc func(ctx context.Context, socketId, channel string) (grant.Grant, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, socketId, channel string) (grant.Grant, error) {
	return f(ctx, socketId, channel)
}

// HTTPAuthorizer posts socket_id and channel_name to the channel
// authorization endpoint. Client must carry the session cookie.
type HTTPAuthorizer struct {
	Endpoint string
	Client   *http.Client
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, socketId, channel string) (grant.Grant, error) {
	form := url.Values{
		"socket_id":    {socketId},
		"channel_name": {channel},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return grant.Grant{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return grant.Grant{}, fmt.Errorf("authorize request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return grant.Grant{}, ErrUnauthorized
	default:
		return grant.Grant{}, fmt.Errorf("authorize: unexpected status %d", resp.StatusCode)
	}

	var g grant.Grant
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return grant.Grant{}, fmt.Errorf("decode grant: %w", err)
	}

	if g.Auth == "" {
		return grant.Grant{}, fmt.Errorf("authorize: empty grant")
	}

	return g, nil
}
