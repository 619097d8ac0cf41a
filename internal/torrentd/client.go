package torrentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harmonia-media/harmonia/internal/errutil"
)

// Config holds fulfillment service client configuration.
type Config struct {
	// BaseURL is the HTTP API root, e.g. http://torrentd:7070.
	BaseURL string
	// WebSocketURL overrides the event stream URL. When empty it is
	// derived from BaseURL.
	WebSocketURL string
	APIToken     string
	Timeout      time.Duration
	// EventBuffer bounds each subscriber's undelivered event buffer.
	EventBuffer int
}

// Client talks to the torrent fulfillment service. HTTP operations carry
// no internal retries; errors come back classified and the caller's retry
// policy decides what happens next.
type Client struct {
	httpClient *http.Client
	baseURL    string
	wsURL      string
	token      string
	connected  atomic.Bool
	stream     *EventStream
	log        *slog.Logger
}

// NewClient creates a fulfillment service client.
func NewClient(config Config) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	buffer := config.EventBuffer
	if buffer == 0 {
		buffer = 256
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    config.BaseURL,
		wsURL:      config.WebSocketURL,
		token:      config.APIToken,
		stream:     NewEventStream(buffer),
		log:        slog.Default().With("component", "torrentd-client"),
	}
}

// IsConnected reports whether the event stream socket is currently open.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Subscribe returns an independent subscription to the event stream.
func (c *Client) Subscribe() *Subscription {
	return c.stream.Subscribe()
}

// CreateTicket submits a new fulfillment ticket.
func (c *Client) CreateTicket(ctx context.Context, req CreateTicketRequest) (*Ticket, error) {
	var ticket Ticket
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/tickets", req, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetTicket fetches the current state of a ticket.
func (c *Client) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	var ticket Ticket
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tickets/"+ticketID, nil, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// CancelTicket asks the service to cancel a ticket.
func (c *Client) CancelTicket(ctx context.Context, ticketID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/tickets/"+ticketID, nil, nil)
}

// RetryTicket asks the service to retry a failed ticket.
func (c *Client) RetryTicket(ctx context.Context, ticketID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/tickets/"+ticketID+"/retry", nil, nil)
}

// ApproveTicket approves one of the candidates proposed for a ticket.
func (c *Client) ApproveTicket(ctx context.Context, ticketID string, candidateIdx int) error {
	body := map[string]int{"candidate_idx": candidateIdx}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/tickets/"+ticketID+"/approve", body, nil)
}

// RejectTicket rejects all candidates proposed for a ticket.
func (c *Client) RejectTicket(ctx context.Context, ticketID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/tickets/"+ticketID+"/reject", body, nil)
}

// Health checks the service's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/v1/health", nil, nil)
}

// Stats fetches the service's workload statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// doJSON performs one HTTP request against the service and decodes the
// response into out when out is non-nil. Failures come back classified.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errutil.Wrap(errutil.KindParse, "encode request body", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errutil.Wrap(errutil.KindUnknown, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if kind := errutil.KindOf(err); kind == errutil.KindTimeout {
			return errutil.Wrap(errutil.KindTimeout, fmt.Sprintf("%s %s", method, path), err)
		}
		return errutil.Wrap(errutil.KindConnection, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errutil.Newf(errutil.ClassifyHTTP(resp.StatusCode),
			"%s %s: status %d: %s", method, path, resp.StatusCode, string(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errutil.Wrap(errutil.KindParse, "decode response body", err)
	}

	return nil
}

// RunWebSocket runs one event stream connection. It dials, marks the
// client connected, then reads and publishes events until the socket
// fails, the server closes it, or ctx is cancelled. It always returns a
// non-nil error; the caller owns reconnection.
func (c *Client) RunWebSocket(ctx context.Context) error {
	wsURL, err := c.buildWebSocketURL()
	if err != nil {
		return errutil.Wrap(errutil.KindUnknown, "build websocket url", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return errutil.Wrap(errutil.KindConnection,
				fmt.Sprintf("websocket dial failed (HTTP %d)", resp.StatusCode), err)
		}
		return errutil.Wrap(errutil.KindConnection, "websocket dial", err)
	}

	c.connected.Store(true)
	defer func() {
		c.connected.Store(false)
		conn.Close()
	}()

	c.log.InfoContext(ctx, "Fulfillment event stream connected")

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	// Unblock ReadMessage when the session is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errutil.Wrap(errutil.KindConnection, "event stream closed by server", err)
			}
			return errutil.Wrap(errutil.KindConnection, "event stream read", err)
		}

		if msgType != websocket.TextMessage {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WarnContext(ctx, "Skipping unparseable event frame", "error", err)
			continue
		}

		c.stream.Publish(ev)
	}
}

// buildWebSocketURL derives the event stream URL from the configured
// base URL and injects the auth token as a query parameter.
func (c *Client) buildWebSocketURL() (string, error) {
	raw := c.wsURL
	if raw == "" {
		parsed, err := url.Parse(c.baseURL)
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
		scheme := "ws"
		if parsed.Scheme == "https" {
			scheme = "wss"
		}
		raw = fmt.Sprintf("%s://%s/api/v1/events", scheme, parsed.Host)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}

	q := parsed.Query()
	q.Set("token", c.token)
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}
