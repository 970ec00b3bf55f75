// Package c4chat provides a Go client for the c4chat contact and messaging
// service.
//
// The service is reached over two paths: a REST directory for durable
// state (friends, friend requests, message history) and a persistent
// websocket channel for live presence and message delivery. The Engine
// reconciles both into one consistent view.
//
// Example:
//
//	client := c4chat.NewClient(c4chat.WithBaseURL("https://chat.example.com"))
//
//	// Directory API
//	friends, _ := client.Directory().Friends(ctx, "a@example.com")
//
//	// Synchronization engine
//	engine := c4chat.NewEngine(client.Directory(), client.Realtime().Dialer(nil), nil)
//	defer engine.Close()
//	engine.SetSession(ctx, "a@example.com")
//	engine.SelectConversation(ctx, "b@example.com")
//	engine.SendMessage(ctx, "hello")
package c4chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "https://c4chat-server.vercel.app"
	DefaultTimeout = 30 * time.Second
)

// Client holds the service endpoints and HTTP transport shared by the
// directory and realtime sub-clients.
type Client struct {
	baseURL    string
	channelURL string
	httpClient *http.Client

	directory *DirectoryClient
	realtime  *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithChannelURL overrides the websocket endpoint, which is otherwise
// derived from the base URL.
func WithChannelURL(url string) ClientOption {
	return func(c *Client) { c.channelURL = url }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new c4chat client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.directory = &DirectoryClient{client: c}
	c.realtime = &RealtimeClient{client: c}
	return c
}

// BaseURL returns the directory base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Directory returns the REST sub-client.
func (c *Client) Directory() *DirectoryClient { return c.directory }

// Realtime returns the channel factory.
func (c *Client) Realtime() *RealtimeClient { return c.realtime }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// decodeAPIError accepts {"code","message"}, {"error": "..."} or a plain
// text body.
func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var structured struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &structured) == nil {
		apiErr.Code = structured.Code
		apiErr.Message = structured.Message
		if apiErr.Message == "" {
			apiErr.Message = structured.Error
		}
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(data))
	return apiErr
}

func decodeJSON[T any](data []byte) (T, error) {
	var result T
	if len(bytes.TrimSpace(data)) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// ============================================================================
// Directory Client
// ============================================================================

// DirectoryClient issues request/response calls against durable state.
// Every failure is returned as a *DurableCallError.
type DirectoryClient struct{ client *Client }

func (d *DirectoryClient) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	data, err := d.client.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, &DurableCallError{Op: op, Err: err}
	}
	return data, nil
}

func (d *DirectoryClient) post(ctx context.Context, op, path string, body interface{}) error {
	if _, err := d.client.doRequest(ctx, http.MethodPost, path, body, nil); err != nil {
		return &DurableCallError{Op: op, Err: err}
	}
	return nil
}

// Friends lists the confirmed friends of id.
func (d *DirectoryClient) Friends(ctx context.Context, id Identity) ([]Friend, error) {
	data, err := d.get(ctx, "friends", "/friends/"+url.PathEscape(id.String()), nil)
	if err != nil {
		return nil, err
	}
	friends, err := decodeJSON[[]Friend](data)
	if err != nil {
		return nil, &DurableCallError{Op: "friends", Err: err}
	}
	return friends, nil
}

// FriendRequests lists the requests waiting for id to accept.
func (d *DirectoryClient) FriendRequests(ctx context.Context, id Identity) ([]FriendRequest, error) {
	data, err := d.get(ctx, "friendRequests", "/friendRequests/"+url.PathEscape(id.String()), nil)
	if err != nil {
		return nil, err
	}
	requests, err := decodeJSON[[]FriendRequest](data)
	if err != nil {
		return nil, &DurableCallError{Op: "friendRequests", Err: err}
	}
	return requests, nil
}

// SendFriendRequest asks receiver to befriend sender.
func (d *DirectoryClient) SendFriendRequest(ctx context.Context, sender, receiver Identity) error {
	return d.post(ctx, "sendFriendRequest", "/sendFriendRequest", sendFriendRequestBody{
		SenderEmail:   sender,
		ReceiverEmail: receiver,
	})
}

// AcceptFriendRequest accepts the request friend sent to user.
func (d *DirectoryClient) AcceptFriendRequest(ctx context.Context, user, friend Identity) error {
	return d.post(ctx, "acceptFriendRequest", "/acceptFriendRequest", acceptFriendRequestBody{
		UserEmail:   user,
		FriendEmail: friend,
	})
}

// Messages returns the history between sender and receiver in both
// directions, oldest first.
func (d *DirectoryClient) Messages(ctx context.Context, sender, receiver Identity) ([]Message, error) {
	query := url.Values{}
	query.Set("sender", sender.String())
	query.Set("receiver", receiver.String())
	data, err := d.get(ctx, "messages", "/messages", query)
	if err != nil {
		return nil, err
	}
	messages, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, &DurableCallError{Op: "messages", Err: err}
	}
	return messages, nil
}

// ============================================================================
// Realtime Client
// ============================================================================

// RealtimeClient creates presence and message channels.
type RealtimeClient struct{ client *Client }

// ChannelURL returns the websocket URL of the channel.
func (r *RealtimeClient) ChannelURL() string {
	if r.client.channelURL != "" {
		return r.client.channelURL
	}
	base := strings.Replace(r.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// Channel creates a websocket channel. Call Connect to establish it.
func (r *RealtimeClient) Channel(config *RealtimeConfig) *WSChannel {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = r.client.httpClient
	}
	cfg.defaults()
	return newWSChannel(r.ChannelURL(), &cfg)
}

// Dialer returns a ChannelDialer that connects a fresh channel per
// session. The engine announces presence itself, so the identity is only
// used for logging.
func (r *RealtimeClient) Dialer(config *RealtimeConfig) ChannelDialer {
	return func(ctx context.Context, id Identity) (Channel, error) {
		ch := r.Channel(config)
		if err := ch.Connect(ctx); err != nil {
			return nil, err
		}
		ch.logger.Debug("channel connected", "identity", id, "url", ch.url)
		return ch, nil
	}
}
