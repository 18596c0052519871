// Package client is the HTTP client for the workbench API. It is a thin
// request/response wrapper: all orchestration (polling, retries, lease
// renewal) lives in pkg/lifecycle.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	v1 "github.com/workbench-sh/workbench/api/v1"
	apperrors "github.com/workbench-sh/workbench/pkg/errors"
)

// Client talks to a workbench API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokenFunc  func() string // Function to get current token
}

// NewClient creates a new Client. tokenFunc may be nil for anonymous calls.
func NewClient(baseURL string, tokenFunc func() string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		tokenFunc:  tokenFunc,
	}
}

func (c *Client) addAuthHeaders(req *http.Request) {
	if c.tokenFunc != nil {
		if token := c.tokenFunc(); token != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
		}
	}
}

// do issues one API call and decodes the response envelope into out (unless
// out is nil). Errors are always AppErrors carrying one of the coarse codes.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.New(apperrors.ErrCodeParse, "failed to marshal request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeInvalidRequest, "failed to create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperrors.New(apperrors.ErrCodeTimeout, "call deadline exceeded", err)
		}
		return apperrors.New(apperrors.ErrCodeServer, "failed to send request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeServer, "failed to read response", err)
	}

	var envelope v1.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		// Not an envelope: classify from the HTTP status alone.
		return statusError(resp.StatusCode, string(data))
	}
	if envelope.Error != nil {
		return apperrors.New(envelope.Error.Type, envelope.Error.Message, nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, string(data))
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return apperrors.New(apperrors.ErrCodeParse, "failed to decode result", err)
		}
	}
	return nil
}

func statusError(status int, body string) error {
	message := fmt.Sprintf("unexpected status %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized:
		return apperrors.New(apperrors.ErrCodeUnauthorized, message, nil)
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.ErrCodeMethodNotFound, message, nil)
	case status == http.StatusBadRequest:
		return apperrors.New(apperrors.ErrCodeInvalidRequest, message, nil)
	case status == http.StatusUnprocessableEntity:
		return apperrors.New(apperrors.ErrCodeInvalidParams, message, nil)
	case status >= 500:
		return apperrors.New(apperrors.ErrCodeServer, message, nil)
	default:
		return apperrors.New(apperrors.ErrCodeServer, message, nil)
	}
}

// GetPlayground fetches the deployment description (host, templates,
// defaults, and the logged user if any).
func (c *Client) GetPlayground(ctx context.Context) (*v1.Playground, error) {
	var playground v1.Playground
	if err := c.do(ctx, http.MethodGet, "/api", nil, &playground); err != nil {
		return nil, err
	}
	return &playground, nil
}

// CreateSession requests a new session for id. The call returning success
// only means the request was accepted; readiness is observed via GetSession.
func (c *Client) CreateSession(ctx context.Context, id string, conf v1.SessionConfiguration) error {
	return c.do(ctx, http.MethodPut, "/api/sessions/"+url.PathEscape(id), conf, nil)
}

// GetSession fetches the session for id. A nil session with a nil error
// means the session does not exist.
func (c *Client) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	var session *v1.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &session); err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions lists all sessions. Requires admin rights.
func (c *Client) ListSessions(ctx context.Context) ([]v1.Session, error) {
	var sessions []v1.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// UpdateSession updates the session duration.
func (c *Client) UpdateSession(ctx context.Context, id string, conf v1.SessionUpdateConfiguration) error {
	return c.do(ctx, http.MethodPatch, "/api/sessions/"+url.PathEscape(id), conf, nil)
}

// DeleteSession deletes the session for id. Safe to call when the session no
// longer exists.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
}

// ListTemplates lists the deployable templates.
func (c *Client) ListTemplates(ctx context.Context) ([]v1.Template, error) {
	var templates []v1.Template
	if err := c.do(ctx, http.MethodGet, "/api/templates", nil, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

// ListPools lists the node pools. Requires admin rights.
func (c *Client) ListPools(ctx context.Context) ([]v1.Pool, error) {
	var pools []v1.Pool
	if err := c.do(ctx, http.MethodGet, "/api/pools", nil, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

// GetUser fetches a single user.
func (c *Client) GetUser(ctx context.Context, id string) (*v1.User, error) {
	var user *v1.User
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(id), nil, &user); err != nil {
		return nil, err
	}
	return user, nil
}

// ListUsers lists all users. Requires admin rights.
func (c *Client) ListUsers(ctx context.Context) ([]v1.User, error) {
	var users []v1.User
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// CreateUser creates a user. Requires admin rights.
func (c *Client) CreateUser(ctx context.Context, id string, conf v1.UserConfiguration) error {
	return c.do(ctx, http.MethodPut, "/api/users/"+url.PathEscape(id), conf, nil)
}

// UpdateUser updates a user. Requires admin rights.
func (c *Client) UpdateUser(ctx context.Context, id string, conf v1.UserConfiguration) error {
	return c.do(ctx, http.MethodPatch, "/api/users/"+url.PathEscape(id), conf, nil)
}

// DeleteUser deletes a user. Requires admin rights.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(id), nil, nil)
}

// ListRepositories lists the configured repositories.
func (c *Client) ListRepositories(ctx context.Context) ([]v1.Repository, error) {
	var repositories []v1.Repository
	if err := c.do(ctx, http.MethodGet, "/api/repositories", nil, &repositories); err != nil {
		return nil, err
	}
	return repositories, nil
}

// CreateRepository creates a repository. Requires admin rights.
func (c *Client) CreateRepository(ctx context.Context, id string, conf v1.RepositoryConfiguration) error {
	return c.do(ctx, http.MethodPut, "/api/repositories/"+url.PathEscape(id), conf, nil)
}

// DeleteRepository deletes a repository. Requires admin rights.
func (c *Client) DeleteRepository(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/repositories/"+url.PathEscape(id), nil, nil)
}
