package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/jclem/work/internal/eventbus"
	"github.com/jclem/work/internal/types"
)

// Client talks to the daemon over its unix socket.
type Client struct {
	httpc *http.Client
}

// NewClient creates a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		httpc: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// do issues one request and decodes the JSON response into out (when
// non-nil). Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://work"+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		if eb.Error == "" {
			eb.Error = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// stream issues a GET and hands the body to the caller.
func (c *Client) stream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://work"+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	if resp.StatusCode >= 300 {
		var eb ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		resp.Body.Close()
		if eb.Error == "" {
			eb.Error = resp.Status
		}
		return nil, &APIError{Status: resp.StatusCode, Message: eb.Error}
	}
	return resp.Body, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateProject(ctx context.Context, name, path string) (*types.Project, error) {
	var out types.Project
	err := c.do(ctx, http.MethodPost, "/projects", CreateProjectRequest{Name: name, Path: path}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListProjects(ctx context.Context) ([]*types.Project, error) {
	var out []*types.Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetProject(ctx context.Context, name string) (*types.Project, error) {
	var out types.Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteProject(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(name), nil, nil)
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*TaskStaged, error) {
	var out TaskStaged
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListTasks(ctx context.Context, project string) ([]*types.Task, error) {
	path := "/tasks"
	if project != "" {
		path += "?project=" + url.QueryEscape(project)
	}
	var out []*types.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var out types.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelTask(ctx context.Context, id string) (*TaskStaged, error) {
	var out TaskStaged
	if err := c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateEnv(ctx context.Context, req CreateEnvRequest) (*EnvStaged, error) {
	var out EnvStaged
	if err := c.do(ctx, http.MethodPost, "/environments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ClaimNextEnv(ctx context.Context, req ClaimNextRequest) (*EnvStaged, error) {
	var out EnvStaged
	if err := c.do(ctx, http.MethodPost, "/environments/claim", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListEnvs(ctx context.Context, project string) ([]*types.Environment, error) {
	path := "/environments"
	if project != "" {
		path += "?project=" + url.QueryEscape(project)
	}
	var out []*types.Environment
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetEnv(ctx context.Context, id string) (*types.Environment, error) {
	var out types.Environment
	if err := c.do(ctx, http.MethodGet, "/environments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ClaimEnv(ctx context.Context, id string) (*EnvStaged, error) {
	var out EnvStaged
	if err := c.do(ctx, http.MethodPost, "/environments/"+url.PathEscape(id)+"/claim", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateEnv(ctx context.Context, id string) (*EnvStaged, error) {
	var out EnvStaged
	if err := c.do(ctx, http.MethodPost, "/environments/"+url.PathEscape(id)+"/update", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveEnv(ctx context.Context, id string) (*EnvStaged, error) {
	var out EnvStaged
	if err := c.do(ctx, http.MethodDelete, "/environments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamLogs copies an entity's log to w, following when follow is set.
// kind is "tasks" or "environments".
func (c *Client) StreamLogs(ctx context.Context, kind, id string, follow bool, w io.Writer) error {
	path := fmt.Sprintf("/%s/%s/logs", kind, url.PathEscape(id))
	if follow {
		path += "?follow=true"
	}
	body, err := c.stream(ctx, path)
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = io.Copy(w, body)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Events subscribes to the daemon's SSE stream, invoking fn per event
// until ctx is done or the stream ends.
func (c *Client) Events(ctx context.Context, fn func(eventbus.Event)) error {
	body, err := c.stream(ctx, "/events")
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev eventbus.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		fn(ev)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
