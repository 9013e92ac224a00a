package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/divijg19/pulse/internal/core"
)

// ErrRemoteUnavailable wraps failures that may succeed on retry: transport
// errors, rate limiting and 5xx responses.
var ErrRemoteUnavailable = errors.New("remote authority unavailable")

const defaultTokenTTL = 5 * time.Minute

// RemoteError is a non-2xx response from the authority.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("authority: %d %s", e.StatusCode, e.Message)
}

// Rejected reports that the authority refused the request itself, so
// resending it will not help.
func (e *RemoteError) Rejected() bool {
	return e.StatusCode == http.StatusBadRequest
}

func (e *RemoteError) Unwrap() error {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return ErrRemoteUnavailable
	}
	return nil
}

// Client talks to a Server.
type Client struct {
	baseURL string
	http    *http.Client
	secret  string
	now     func() time.Time
}

// NewClient creates a client for the authority at baseURL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("authority client: invalid base url %q", baseURL)
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}, nil
}

// WithAuthSecret signs every request with a token for the target user.
func (c *Client) WithAuthSecret(secret string) *Client {
	c.secret = secret
	return c
}

// WithHTTPClient overrides the transport.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	if h != nil {
		c.http = h
	}
	return c
}

// SubmitEvent applies ev at the authority and returns the resulting state.
func (c *Client) SubmitEvent(ctx context.Context, userID string, ev core.Event, at time.Time) (core.State, error) {
	body, err := json.Marshal(eventRequest{Event: ev, At: at.UTC()})
	if err != nil {
		return core.State{}, fmt.Errorf("submit event: marshal: %w", err)
	}
	state, _, err := c.do(ctx, http.MethodPost, userID, "events", body)
	if err != nil {
		return core.State{}, fmt.Errorf("submit event: %w", err)
	}
	return state, nil
}

// FetchState returns the authoritative state. A user the authority has never
// seen has a fresh state.
func (c *Client) FetchState(ctx context.Context, userID string) (core.State, error) {
	state, found, err := c.do(ctx, http.MethodGet, userID, "state", nil)
	if err != nil {
		return core.State{}, fmt.Errorf("fetch state: %w", err)
	}
	if !found {
		return core.NewState(), nil
	}
	return state, nil
}

func (c *Client) do(ctx context.Context, method, userID, resource string, body []byte) (core.State, bool, error) {
	endpoint := c.baseURL + "/users/" + url.PathEscape(userID) + "/" + resource

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return core.State{}, false, fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		token, err := SignToken(c.secret, userID, c.now(), defaultTokenTTL)
		if err != nil {
			return core.State{}, false, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return core.State{}, false, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return core.State{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return core.State{}, false, &RemoteError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	var out stateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return core.State{}, false, fmt.Errorf("decode response: %w", err)
	}
	return out.State, true, nil
}
