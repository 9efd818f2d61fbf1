package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atelier-dev/atelier/internal/log"
)

// Client talks to the remote sandbox service over JSON/HTTP. It implements
// Runtime; the boxes it creates implement Box.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  log.Logger
}

// NewClient creates a sandbox runtime client. baseURL must be the service
// root without a trailing slash; token is sent as a bearer credential.
func NewClient(baseURL, token string, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Minute},
		logger:  logger.With("component", "sandbox"),
	}
}

// Create provisions a fresh box.
func (c *Client) Create(ctx context.Context) (Box, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/boxes", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("sandbox service returned empty box id")
	}
	c.logger.Debug("sandbox created", "box_id", out.ID)
	return &remoteBox{client: c, id: out.ID}, nil
}

// do issues one JSON request and decodes the response into out (if non-nil).
// Non-2xx responses become errors carrying the status and response body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode sandbox response: %w", err)
	}
	return nil
}

// remoteBox is a Box backed by the sandbox service.
type remoteBox struct {
	client *Client
	id     string

	mu     sync.Mutex
	closed bool
}

func (b *remoteBox) path(suffix string) string {
	return "/boxes/" + url.PathEscape(b.id) + suffix
}

func (b *remoteBox) WriteFile(ctx context.Context, path, content string) error {
	in := struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}{Path: path, Content: content}
	if err := b.client.do(ctx, http.MethodPost, b.path("/files"), in, nil); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (b *remoteBox) ReadFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	p := b.path("/files") + "?path=" + url.QueryEscape(path)
	if err := b.client.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out.Content, nil
}

func (b *remoteBox) RunCommand(ctx context.Context, command string) (*CommandResult, error) {
	in := struct {
		Command string `json:"command"`
	}{Command: command}
	var out CommandResult
	if err := b.client.do(ctx, http.MethodPost, b.path("/exec"), in, &out); err != nil {
		return nil, fmt.Errorf("failed to run command: %w", err)
	}
	return &out, nil
}

func (b *remoteBox) Host(ctx context.Context, port int) (string, error) {
	var out struct {
		Host string `json:"host"`
	}
	p := b.path("/host") + "?port=" + strconv.Itoa(port)
	if err := b.client.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return "", fmt.Errorf("failed to resolve host for port %d: %w", port, err)
	}
	return out.Host, nil
}

func (b *remoteBox) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.client.do(ctx, http.MethodDelete, b.path(""), nil, nil); err != nil {
		return fmt.Errorf("failed to close box %s: %w", b.id, err)
	}
	return nil
}
