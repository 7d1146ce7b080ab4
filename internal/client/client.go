// Package client talks to the project API over HTTP and turns its event
// stream into snapshot subscriptions.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/BuzzLyutic/taskboard-sync/internal/access"
	"github.com/BuzzLyutic/taskboard-sync/internal/auth"
	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/repo"
	"github.com/BuzzLyutic/taskboard-sync/internal/service"
	"github.com/BuzzLyutic/taskboard-sync/internal/store"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

type apiError struct {
	Error string `json:"error"`
}

// statusError maps an error response back onto the sentinel errors the
// server side uses, so callers can keep using errors.Is.
func statusError(code int, msg string) error {
	var base error
	switch code {
	case http.StatusBadRequest:
		base = repo.ErrValidation
	case http.StatusUnauthorized:
		base = auth.ErrUnauthenticated
	case http.StatusForbidden:
		base = access.ErrForbidden
		if msg == "invalid access code" {
			base = access.ErrInvalidAccessCode
		}
	case http.StatusNotFound:
		base = repo.ErrorNotFound
	case http.StatusConflict:
		base = repo.ErrorConflict
	case http.StatusTooManyRequests:
		base = access.ErrTooManyAttempts
	case http.StatusServiceUnavailable:
		base = store.ErrorUnavailable
	default:
		return fmt.Errorf("unexpected status %d: %s", code, msg)
	}
	return fmt.Errorf("%w: %s", base, msg)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e apiError
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return statusError(resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func projectPath(id string, rest ...string) string {
	return "/api/projects/" + url.PathEscape(id) + strings.Join(rest, "")
}

func (c *Client) CreateProject(ctx context.Context, name string) (service.ProjectView, error) {
	var v service.ProjectView
	err := c.do(ctx, http.MethodPost, "/api/projects", map[string]string{"name": name}, &v)
	return v, err
}

func (c *Client) ListProjects(ctx context.Context) (model.ProjectList, error) {
	var l model.ProjectList
	err := c.do(ctx, http.MethodGet, "/api/projects", nil, &l)
	return l, err
}

func (c *Client) GetProject(ctx context.Context, id string) (service.ProjectView, error) {
	var v service.ProjectView
	err := c.do(ctx, http.MethodGet, projectPath(id), nil, &v)
	return v, err
}

func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, projectPath(id), nil, nil)
}

func (c *Client) Join(ctx context.Context, id, accessCode string) (model.Role, error) {
	var out struct {
		Role model.Role `json:"role"`
	}
	err := c.do(ctx, http.MethodPost, projectPath(id, "/join"), map[string]string{"accessCode": accessCode}, &out)
	return out.Role, err
}

func (c *Client) AddTask(ctx context.Context, id, description, assignedTo string) (service.ProjectView, error) {
	var v service.ProjectView
	body := map[string]string{"description": description, "assignedTo": assignedTo}
	err := c.do(ctx, http.MethodPost, projectPath(id, "/tasks"), body, &v)
	return v, err
}

func (c *Client) UpdateTaskProgress(ctx context.Context, id, taskName string, progress int) (service.ProjectView, error) {
	var v service.ProjectView
	body := map[string]interface{}{"taskName": taskName, "progress": progress}
	err := c.do(ctx, http.MethodPatch, projectPath(id, "/tasks/progress"), body, &v)
	return v, err
}

func (c *Client) AddReview(ctx context.Context, id, taskName, text string) (service.ProjectView, error) {
	var v service.ProjectView
	body := map[string]string{"taskName": taskName, "review": text}
	err := c.do(ctx, http.MethodPost, projectPath(id, "/reviews"), body, &v)
	return v, err
}

func (c *Client) SetProgress(ctx context.Context, id string, progress int) (service.ProjectView, error) {
	var v service.ProjectView
	err := c.do(ctx, http.MethodPut, projectPath(id, "/progress"), map[string]int{"progress": progress}, &v)
	return v, err
}

func (c *Client) Board(ctx context.Context, id string) (model.Board, error) {
	var b model.Board
	err := c.do(ctx, http.MethodGet, projectPath(id, "/board"), nil, &b)
	return b, err
}

// Subscribe opens the project's event stream. The subscription's channel is
// closed when the stream ends, after a deletion or when Close is called.
// Losing membership arrives as an existing project with no members, so the
// caller's derived role is non-member.
func (c *Client) Subscribe(ctx context.Context, id string) (*store.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(ctx, http.MethodGet, projectPath(id, "/events"), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream lives as long as the subscription.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		var e apiError
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, statusError(resp.StatusCode, e.Error)
	}

	ch := make(chan model.Snapshot, 1)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readEvents(ctx, resp.Body, id, ch)
	}()
	return store.NewSubscription(ch, cancel), nil
}

func readEvents(ctx context.Context, body io.Reader, id string, ch chan model.Snapshot) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var name string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			name = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev service.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		var snap model.Snapshot
		last := false
		switch {
		case name == "forbidden" || ev.Forbidden:
			snap = model.Snapshot{ProjectID: id, Exists: true, Project: model.Project{ID: id}}
			last = true
		case !ev.Exists:
			snap = model.Snapshot{ProjectID: id}
			last = true
		default:
			snap = model.Snapshot{ProjectID: id, Exists: true, Project: ev.View.Project}
		}
		name = ""
		if !offer(ctx, ch, snap) || last {
			return
		}
	}
}

// offer replaces an unread snapshot rather than waiting behind it. There is
// a single producer, so a drained slot stays free for the second send.
func offer(ctx context.Context, ch chan model.Snapshot, s model.Snapshot) bool {
	select {
	case ch <- s:
		return true
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
