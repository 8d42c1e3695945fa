// Package comfy is the protocol client for a ComfyUI backend: it submits
// workflow graphs, streams execution events over a websocket, and fetches
// execution history and produced image bytes.
package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kotaro-t/mirage/internal/logger"
	"github.com/kotaro-t/mirage/internal/workflow"
)

// Client talks to one ComfyUI instance. Every client carries its own
// generated client id; the backend routes events for submitted graphs to the
// websocket connections opened with that id.
type Client struct {
	http     *resty.Client
	baseURL  string
	wsURL    string
	clientID string
	dialer   *websocket.Dialer
}

// New creates a client for the backend at host:port.
func New(host string, port int) *Client {
	return newClient(
		fmt.Sprintf("http://%s:%d", host, port),
		fmt.Sprintf("ws://%s:%d/ws", host, port),
	)
}

func newClient(baseURL, wsURL string) *Client {
	httpClient := resty.New()
	httpClient.SetBaseURL(baseURL)
	httpClient.SetHeader("Content-Type", "application/json")
	httpClient.SetTimeout(60 * time.Second)

	return &Client{
		http:     httpClient,
		baseURL:  baseURL,
		wsURL:    wsURL,
		clientID: uuid.New().String(),
		dialer:   websocket.DefaultDialer,
	}
}

// BaseURL returns the backend's HTTP base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ClientID returns this client's channel identity.
func (c *Client) ClientID() string {
	return c.clientID
}

type queuePromptRequest struct {
	Prompt   workflow.Graph `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type queuePromptResponse struct {
	PromptID string `json:"prompt_id"`
}

// QueuePrompt submits a graph for execution and returns the backend's prompt
// id, the handle used to correlate events and history lookups.
func (c *Client) QueuePrompt(ctx context.Context, graph workflow.Graph) (string, error) {
	var result queuePromptResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(queuePromptRequest{Prompt: graph, ClientID: c.clientID}).
		SetResult(&result).
		Post("/prompt")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("queue prompt: %w", newBackendError(resp.StatusCode(), resp.Body()))
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("queue prompt: backend returned no prompt id")
	}
	return result.PromptID, nil
}

// OutputImage is one produced image reference in the history manifest.
type OutputImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput holds the artifacts a single save node produced.
type NodeOutput struct {
	Images []OutputImage `json:"images"`
}

// HistoryEntry is the recorded outcome of one executed graph.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
}

// History is the backend's execution history keyed by prompt id.
type History map[string]HistoryEntry

// Images flattens every produced image across output nodes, in stable node
// order as returned by the backend.
func (h HistoryEntry) Images() []OutputImage {
	var out []OutputImage
	for _, node := range h.Outputs {
		out = append(out, node.Images...)
	}
	return out
}

// History fetches the outputs manifest for a prompt id.
func (c *Client) History(ctx context.Context, promptID string) (History, error) {
	var result History
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/history/" + url.PathEscape(promptID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch history: %w", newBackendError(resp.StatusCode(), resp.Body()))
	}
	return result, nil
}

// FetchImage downloads raw image bytes by the backend-native name. kind is
// the backend storage class, "output" for saved results.
func (c *Client) FetchImage(ctx context.Context, filename, subfolder, kind string) ([]byte, error) {
	if kind == "" {
		kind = "output"
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"filename":  filename,
			"subfolder": subfolder,
			"type":      kind,
		}).
		Get("/view")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch image %s: %w", filename, newBackendError(resp.StatusCode(), resp.Body()))
	}
	return resp.Body(), nil
}

// QueueState returns the backend's raw queue listing.
func (c *Client) QueueState(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/queue")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch queue: %w", newBackendError(resp.StatusCode(), resp.Body()))
	}
	return json.RawMessage(resp.Body()), nil
}

// ObjectInfo returns the backend's node and model catalog.
func (c *Client) ObjectInfo(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/object_info")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch object info: %w", newBackendError(resp.StatusCode(), resp.Body()))
	}
	return json.RawMessage(resp.Body()), nil
}

// Interrupt stops whatever the backend is currently executing. The backend
// offers no per-prompt cancellation; this affects the running job, whichever
// it is.
func (c *Client) Interrupt(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/interrupt")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return fmt.Errorf("interrupt: %w", newBackendError(resp.StatusCode(), resp.Body()))
	}
	return nil
}

// HealthStatus is the outcome of a liveness probe.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Health probes the backend stats endpoint. Unlike the other operations it
// never returns an error; unreachability degrades to an unhealthy status.
func (c *Client) Health(ctx context.Context, timeout time.Duration) HealthStatus {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.http.R().SetContext(ctx).Get("/system_stats")
	if err != nil {
		return HealthStatus{Healthy: false, Detail: err.Error()}
	}
	if resp.IsError() {
		return HealthStatus{Healthy: false, Detail: fmt.Sprintf("HTTP %d", resp.StatusCode())}
	}
	return HealthStatus{Healthy: true}
}

// EventSession is one open websocket channel to the backend. The reader
// goroutine delivers typed events until the connection closes; the channel
// returned by Events is closed when no more events will arrive.
type EventSession struct {
	conn      *websocket.Conn
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// OpenEvents dials the backend event channel using this client's identity.
func (c *Client) OpenEvents(ctx context.Context) (*EventSession, error) {
	endpoint := fmt.Sprintf("%s?clientId=%s", c.wsURL, url.QueryEscape(c.clientID))
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket dial: %v", ErrUnreachable, err)
	}

	s := &EventSession{
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events returns the typed event stream. The channel closes when the
// connection drops or the session is closed.
func (s *EventSession) Events() <-chan Event {
	return s.events
}

// Close tears down the websocket. Safe to call multiple times and
// concurrently with the reader.
func (s *EventSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *EventSession) readLoop() {
	defer close(s.events)
	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		// Binary frames are latent previews; only text frames carry events.
		if msgType != websocket.TextMessage {
			continue
		}
		event, ok, err := parseEvent(raw)
		if err != nil {
			logger.Warn("Skipping malformed backend event: %v", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}
