package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

const responseMaxSize = 1 << 20 // 1 MiB

// CredentialSource hands out the bearer token for the active session. An
// empty token means no session; the request is sent unauthenticated and the
// remote API answers with its usual auth error.
type CredentialSource interface {
	Token() string
}

// Client translates task operations into HTTP calls against the remote
// collection resource and normalizes wire entities at this single seam.
type Client struct {
	baseURL string
	httpc   *http.Client
	creds   CredentialSource
	logger  *log.Logger
}

// New creates a Client for the API rooted at baseURL. httpc and logger may be
// nil, in which case defaults are used.
func New(baseURL string, creds CredentialSource, httpc *http.Client, logger *log.Logger) (*Client, error) {
	if creds == nil {
		return nil, fmt.Errorf("client: credential source is required")
	}
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("client: invalid base URL %q", baseURL)
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpc,
		creds:   creds,
		logger:  logger,
	}, nil
}

type tasksEnvelope struct {
	Tasks []wireTask `json:"tasks"`
}

// List fetches the tasks matching filter in server-defined order.
func (c *Client) List(ctx context.Context, filter domain.Filter) ([]domain.Task, error) {
	if !filter.Valid() {
		filter = domain.FilterAll
	}
	var env tasksEnvelope
	path := "/api/tasks?status=" + url.QueryEscape(string(filter))
	if err := c.do(ctx, http.MethodGet, path, nil, &env, false); err != nil {
		return nil, err
	}
	return normalizeTasks(env.Tasks)
}

// Create posts a new task and returns the server-assigned record.
func (c *Client) Create(ctx context.Context, payload domain.CreatePayload) (domain.Task, error) {
	if strings.TrimSpace(payload.Title) == "" {
		return domain.Task{}, ErrEmptyTitle
	}
	var ent wireTask
	if err := c.do(ctx, http.MethodPost, "/api/tasks", toWireCreate(payload), &ent, true); err != nil {
		return domain.Task{}, err
	}
	return ent.normalize()
}

// Update patches the task with the given partial field set.
func (c *Client) Update(ctx context.Context, id string, payload domain.UpdatePayload) (domain.Task, error) {
	if id == "" {
		return domain.Task{}, ErrMissingID
	}
	var ent wireTask
	path := "/api/tasks/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, toWireUpdate(payload), &ent, true); err != nil {
		return domain.Task{}, err
	}
	return ent.normalize()
}

// ToggleComplete flips the completion state server-side. The server performs
// an unconditional flip; no target value is sent.
func (c *Client) ToggleComplete(ctx context.Context, id string) (domain.Task, error) {
	if id == "" {
		return domain.Task{}, ErrMissingID
	}
	var ent wireTask
	path := "/api/tasks/" + url.PathEscape(id) + "/toggle"
	if err := c.do(ctx, http.MethodPost, path, nil, &ent, true); err != nil {
		return domain.Task{}, err
	}
	return ent.normalize()
}

// Delete removes the task. A 204 with no body is the success case.
func (c *Client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingID
	}
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil, true)
}

// do issues a single request. Mutations carry a client-generated idempotency
// key so the server can drop duplicates from network-level retries.
func (c *Client) do(ctx context.Context, method, path string, body, out any, mutation bool) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.ConfigStd.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.creds.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if mutation {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, responseMaxSize))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	c.logger.WithFields(log.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"total_ms": float64(time.Since(start)) / float64(time.Millisecond),
	}).Debug("tasks.api.request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiErrorFromResponse(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := sonic.ConfigStd.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
