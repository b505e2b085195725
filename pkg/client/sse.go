package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dashboard/internal/logging"
	"github.com/fruitsalade/dashboard/internal/metrics"
	"github.com/fruitsalade/dashboard/pkg/protocol"
	"github.com/fruitsalade/dashboard/pkg/retry"
)

// SSEClient consumes the upstream /api/events stream.
type SSEClient struct {
	baseURL    string
	httpClient *http.Client
	reconnect  retry.Policy // only Delay is used
	logger     *zap.Logger

	mu        sync.RWMutex
	authToken string
}

// NewSSEClient creates a new SSE client.
func NewSSEClient(baseURL string, logger *zap.Logger) *SSEClient {
	if logger == nil {
		logger = logging.Named("sse")
	}
	return &SSEClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // No timeout for SSE
		},
		reconnect: retry.Policy{
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
		logger: logger,
	}
}

// SetAuthToken sets the bearer token for SSE requests.
func (c *SSEClient) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// Subscribe connects to the event stream and returns a channel of events.
// The connection is re-established with backoff until ctx is cancelled,
// at which point the channel is closed.
func (c *SSEClient) Subscribe(ctx context.Context) <-chan protocol.Event {
	events := make(chan protocol.Event, 100)
	go c.subscribeLoop(ctx, events)
	return events
}

func (c *SSEClient) subscribeLoop(ctx context.Context, events chan<- protocol.Event) {
	defer close(events)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		received, err := c.connect(ctx, events)
		metrics.SetSSEConnected(false)
		if ctx.Err() != nil {
			return
		}
		if received {
			failures = 0
		}

		delay := c.reconnect.Delay(failures)
		failures++
		c.logger.Warn("event stream disconnected",
			zap.Error(err),
			zap.Duration("reconnect_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connect reads one stream until it ends. It reports whether any event was
// delivered, which resets the reconnect backoff.
func (c *SSEClient) connect(ctx context.Context, events chan<- protocol.Event) (bool, error) {
	url := c.baseURL + "/api/events"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.mu.RLock()
	token := c.authToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, newHTTPError(resp)
	}

	metrics.SetSSEConnected(true)
	c.logger.Info("event stream connected", zap.String("url", url))

	received := false
	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	var data []string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(data) > 0 {
				event, ok := parseEvent(eventType, strings.Join(data, "\n"))
				if ok {
					received = true
					metrics.RecordSSEEvent(event.Type)
					select {
					case events <- event:
					case <-ctx.Done():
						return received, nil
					default:
						c.logger.Debug("event dropped (channel full)", zap.String("type", event.Type))
					}
				}
			}
			eventType = ""
			data = data[:0]
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil {
		return received, fmt.Errorf("read: %w", err)
	}
	return received, fmt.Errorf("connection closed")
}

// parseEvent builds an Event from the SSE "event:" name and JSON data. The
// event name wins over a type field in the payload.
func parseEvent(eventType, data string) (protocol.Event, bool) {
	var event protocol.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil && eventType == "" {
		return event, false
	}
	if eventType != "" {
		event.Type = eventType
	}
	if event.Type == "" {
		return event, false
	}
	return event, true
}
