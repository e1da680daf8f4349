// Package convai is a client for the ElevenLabs Conversational AI WebSocket
// API. A [Client] resolves a signed conversation URL for an agent and dials
// it; the resulting [Conn] carries JSON control/text frames and base64 audio
// envelopes in both directions.
package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	signedURLPath  = "/v1/convai/conversation/get_signed_url"

	// readLimit bounds a single upstream frame. Audio events carry base64 PCM
	// and routinely exceed the websocket library's 32 KiB default.
	readLimit = 8 << 20
)

// ErrClosed is returned by [Conn] methods after [Conn.Close].
var ErrClosed = errors.New("convai: connection closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the REST base URL used to fetch signed URLs.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithWebSocketURL skips signed-URL resolution and dials u directly.
// Primarily used in tests to point at a local mock server.
func WithWebSocketURL(u string) Option {
	return func(c *Client) { c.wsURL = u }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client opens conversations against the upstream voice agent service.
type Client struct {
	apiKey     string
	baseURL    string
	wsURL      string
	httpClient *http.Client
}

// New creates a Client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// SignedURL asks the service for a short-lived conversation URL for agentID.
func (c *Client) SignedURL(ctx context.Context, agentID string) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("convai: api key must not be empty")
	}
	if agentID == "" {
		return "", errors.New("convai: agent id must not be empty")
	}

	endpoint := c.baseURL + signedURLPath + "?agent_id=" + url.QueryEscape(agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("convai: signed url: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("convai: signed url HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("convai: signed url: unexpected status %d", resp.StatusCode)
	}

	var sr signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("convai: signed url decode: %w", err)
	}
	if sr.SignedURL == "" {
		return "", errors.New("convai: signed url: empty signed_url in response")
	}
	return sr.SignedURL, nil
}

// Dial resolves a conversation URL for agentID and opens the WebSocket.
func (c *Client) Dial(ctx context.Context, agentID string) (*Conn, error) {
	target := c.wsURL
	if target == "" {
		u, err := c.SignedURL(ctx, agentID)
		if err != nil {
			return nil, err
		}
		target = u
	}

	ws, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return nil, fmt.Errorf("convai: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws}, nil
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Frame is one message read from the upstream connection.
type Frame struct {
	Binary bool
	Data   []byte
}

// Conn is an open upstream conversation. Writes are safe for concurrent use;
// only one goroutine may call Read.
type Conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// Send marshals v and writes it as a text frame.
func (c *Conn) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("convai: marshal: %w", err)
	}
	return c.SendRaw(ctx, data)
}

// SendRaw writes data verbatim as a text frame.
func (c *Conn) SendRaw(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("convai: write: %w", err)
	}
	return nil
}

// SendAudio wraps a raw PCM chunk in a user_audio_chunk envelope. Audio is
// never sent upstream as a binary frame.
func (c *Conn) SendAudio(ctx context.Context, chunk []byte) error {
	return c.Send(ctx, UserAudioChunk{Audio: base64.StdEncoding.EncodeToString(chunk)})
}

// Read blocks until the next frame arrives. Cancelling ctx closes the
// connection.
func (c *Conn) Read(ctx context.Context) (Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

// Close closes the connection with a normal closure. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.ws.Close(websocket.StatusNormalClosure, "conversation ended")
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
