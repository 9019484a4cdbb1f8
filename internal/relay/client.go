package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/storage"
)

// SessionSource supplies the bearer token for HTTP calls.
type SessionSource interface {
	Session(ctx context.Context) (userID, token string, err error)
}

// Client talks to the relay's HTTP API. It is the chat history source.
type Client struct {
	BaseURL string
	Session SessionSource
	HTTP    *http.Client
	Limit   int
}

// NewClient returns a client for baseURL ("http://host:port").
func NewClient(baseURL string, session SessionSource) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Session: session,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// getJSON performs an authenticated GET and decodes JSON into v. Returns
// (true, nil) on 2xx and (false, nil) on 404. Other statuses are errors.
func (c *Client) getJSON(ctx context.Context, path string, v any) (bool, error) {
	_, token, err := c.Session.Session(ctx)
	if err != nil {
		return false, err
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("GET %s: status %s", u, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, err
	}
	return true, nil
}

// FetchConversation returns the authoritative history of target for the
// session user, oldest first.
func (c *Client) FetchConversation(ctx context.Context, target proto.Target) ([]proto.MessagePayload, error) {
	q := url.Values{}
	if target.IsGroup() {
		q.Set("group", target.GroupID)
	} else {
		q.Set("peer", target.ToUserID)
	}
	if c.Limit > 0 {
		q.Set("limit", strconv.Itoa(c.Limit))
	}
	var out []proto.MessagePayload
	found, err := c.getJSON(ctx, "/api/history?"+q.Encode(), &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return out, nil
}

// ListUsers returns the users the relay knows about.
func (c *Client) ListUsers(ctx context.Context) ([]storage.UserRow, error) {
	var out []storage.UserRow
	if _, err := c.getJSON(ctx, "/api/users", &out); err != nil {
		return nil, err
	}
	return out, nil
}
