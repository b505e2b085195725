// Package client provides the HTTP client for the upstream automation
// service. Every call goes through the retry executor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/fruitsalade/dashboard/internal/logging"
	"github.com/fruitsalade/dashboard/internal/metrics"
	"github.com/fruitsalade/dashboard/pkg/models"
	"github.com/fruitsalade/dashboard/pkg/protocol"
	"github.com/fruitsalade/dashboard/pkg/retry"
	"github.com/fruitsalade/dashboard/pkg/tree"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// HTTPError is returned when the upstream service answers with a non-2xx
// status. Message is the payload's error field, or the status text.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// StatusCode lets the retry executor classify the error.
func (e *HTTPError) StatusCode() int {
	return e.Status
}

func newHTTPError(resp *http.Response) *HTTPError {
	e := &HTTPError{Status: resp.StatusCode}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var errResp protocol.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		e.Message = errResp.Error
		return e
	}

	e.Message = http.StatusText(resp.StatusCode)
	if e.Message == "" {
		e.Message = strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
	}
	if e.Message == "" {
		e.Message = "request failed"
	}
	return e
}

// Client talks to the upstream automation service.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryPolicy retry.Policy
	logger      *zap.Logger

	mu        sync.RWMutex
	online    bool
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryPolicy retry.Policy // zero value means retry.DefaultPolicy()
	AuthToken   string
	Logger      *zap.Logger
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryPolicy.MaxRetries == 0 && cfg.RetryPolicy.InitialDelay == 0 {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Named("client")
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryPolicy: cfg.RetryPolicy,
		logger:      cfg.Logger,
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token sent with requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.logger.Info("upstream is back online", zap.String("url", c.baseURL))
		} else {
			c.logger.Warn("upstream is unreachable", zap.String("url", c.baseURL))
		}
	}
	c.online = online
}

// Ping checks if the server is reachable. It is not retried.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return newHTTPError(resp)
	}

	c.setOnline(true)
	return nil
}

// policy returns the retry policy for one operation, with retry logging and
// metrics layered over any configured observer.
func (c *Client) policy(operation string) retry.Policy {
	p := c.retryPolicy
	observer := p.OnRetry
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.RecordRetry(operation)
		c.logger.Warn("retrying upstream request",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if observer != nil {
			observer(attempt, err, delay)
		}
	}
	return p
}

// getJSON performs one GET and decodes the response body into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// A 4xx still proves the server is reachable.
		c.setOnline(resp.StatusCode < 500)
		return newHTTPError(resp)
	}

	c.setOnline(true)

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("decode %s: %w", endpoint, err)
		}
		defer gr.Close()
		reader = gr
	}

	if err := json.NewDecoder(reader).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// call runs a single upstream operation under the retry policy.
func call[T any](ctx context.Context, c *Client, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	result, err := retry.Do(ctx, c.policy(operation), fn)
	metrics.RecordUpstreamRequest(operation, time.Since(start), err == nil)
	return result, err
}

// FetchTopLevel returns the top-level entries of the working directory.
func (c *Client) FetchTopLevel(ctx context.Context) ([]*models.TreeNode, error) {
	return call(ctx, c, "files_root", func(ctx context.Context) ([]*models.TreeNode, error) {
		var raw json.RawMessage
		if err := c.getJSON(ctx, "/api/files", nil, &raw); err != nil {
			return nil, err
		}
		return decodeNodes(raw, "")
	})
}

// FetchChildren returns the immediate children of a directory. Nested
// children in the response are discarded: listings are one level deep.
func (c *Client) FetchChildren(ctx context.Context, dirPath string) ([]*models.TreeNode, error) {
	return call(ctx, c, "files_children", func(ctx context.Context) ([]*models.TreeNode, error) {
		var raw json.RawMessage
		q := url.Values{"path": []string{dirPath}}
		if err := c.getJSON(ctx, "/api/files", q, &raw); err != nil {
			return nil, err
		}
		return decodeNodes(raw, dirPath)
	})
}

// FetchCollection returns the documents of a collection resource such as
// "notes", "agents" or "tasks". Documents are passed through unparsed.
func (c *Client) FetchCollection(ctx context.Context, resource string) ([]json.RawMessage, error) {
	return call(ctx, c, resource, func(ctx context.Context) ([]json.RawMessage, error) {
		var raw json.RawMessage
		if err := c.getJSON(ctx, "/api/"+url.PathEscape(resource), nil, &raw); err != nil {
			return nil, err
		}
		if isArray(raw) {
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("decode %s: %w", resource, err)
			}
			return items, nil
		}
		var wrapped protocol.ItemsResponse
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decode %s: %w", resource, err)
		}
		return wrapped.Items, nil
	})
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// decodeNodes accepts a bare array or a {"nodes": [...]} object and
// normalizes the entries to one level below parent.
func decodeNodes(raw json.RawMessage, parent string) ([]*models.TreeNode, error) {
	var nodes []*models.TreeNode
	if isArray(raw) {
		if err := json.Unmarshal(raw, &nodes); err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}
	} else {
		var wrapped protocol.NodesResponse
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}
		nodes = wrapped.Nodes
	}

	out := make([]*models.TreeNode, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if n.Path == "" {
			if n.Name == "" {
				return nil, fmt.Errorf("decode listing: entry without name or path")
			}
			n.Path = tree.BuildChildPath(parent, n.Name)
		}
		if n.Name == "" {
			n.Name = path.Base(n.Path)
		}
		if n.Kind == "" {
			n.Kind = models.KindFile
			if n.Children != nil {
				n.Kind = models.KindDirectory
			}
		}
		n.Children = nil
		n.Loaded = !n.IsDir()
		out = append(out, n)
	}
	return out, nil
}
