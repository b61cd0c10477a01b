package corvid

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
// HTTP Client
// ============================================================================

const (
	DefaultBaseURL = "https://api.corvid.im"
	DefaultTimeout = 30 * time.Second
)

// Client is the low-level HTTP client for the Corvid message API.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// NewClient creates a new Corvid API client.
// token is optional; pass "" and call SetToken after login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// WSURL returns the realtime WebSocket URL for the configured base.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if c.token != "" {
		return base + "/ws?token=" + url.QueryEscape(c.token)
	}
	return base + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

// apiEnvelope is the uniform response wrapper of the message API.
type apiEnvelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

// do performs a request and unwraps the API envelope, classifying
// failures by kind so callers can decide whether to retry.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (json.RawMessage, error) {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Errf(KindTimeout, "%s %s: %v", method, path, err)
		}
		return nil, Errf(KindOffline, "%s %s: %v", method, path, err)
	}

	var env apiEnvelope
	if uerr := json.Unmarshal(data, &env); uerr != nil {
		return nil, Errf(KindInternal, "%s %s: malformed response: %v", method, path, uerr)
	}
	if env.OK {
		return env.Data, nil
	}

	msg := "request rejected"
	if env.Error != nil {
		msg = env.Error.Message
	}
	return nil, Errf(kindForStatus(status), "%s %s: %s", method, path, msg)
}

// kindForStatus maps an HTTP status to an ErrorKind.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindPermission
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		return KindTransient
	case status >= 400:
		return KindValidation
	default:
		return KindInternal
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversation endpoints
// ============================================================================

type conversationPayload struct {
	ID             string   `json:"id"`
	ParticipantIDs []string `json:"participantIds"`
}

// CreateDirectConversation resolves the conversation between two users,
// creating it when it does not yet exist.
func (c *Client) CreateDirectConversation(ctx context.Context, selfID, peerID string) (string, error) {
	data, err := c.do(ctx, "POST", "/api/conversations/direct", map[string]string{
		"userId": selfID,
		"peerId": peerID,
	}, nil)
	if err != nil {
		return "", err
	}
	conv, err := decodeJSON[conversationPayload](data)
	if err != nil {
		return "", Errf(KindInternal, "decode conversation: %v", err)
	}
	return conv.ID, nil
}

// ============================================================================
// Message endpoints
// ============================================================================

// PostMessage sends a message into a conversation.
func (c *Client) PostMessage(ctx context.Context, req SendRequest) error {
	_, err := c.do(ctx, "POST", "/api/conversations/"+req.ConversationID+"/messages", req, nil)
	return err
}

// ListMessages fetches the current message history of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := c.do(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, Errf(KindInternal, "decode messages: %v", err)
	}
	return *msgs, nil
}

// PatchMessage edits the text of an existing message.
func (c *Client) PatchMessage(ctx context.Context, conversationID, messageID, text string) error {
	_, err := c.do(ctx, "PATCH", "/api/conversations/"+conversationID+"/messages/"+messageID,
		map[string]string{"text": text}, nil)
	return err
}

// DeleteMessage removes a message for everyone (mode "all") or for a
// single participant (mode "self").
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID, mode, participantID string) error {
	body := map[string]string{"mode": mode}
	if participantID != "" {
		body["participantId"] = participantID
	}
	_, err := c.do(ctx, "DELETE", "/api/conversations/"+conversationID+"/messages/"+messageID, body, nil)
	return err
}

// DeletePolicy asks the server which deletion modes are allowed.
func (c *Client) DeletePolicy(ctx context.Context, conversationID, messageID, requesterID string) (CanDelete, error) {
	data, err := c.do(ctx, "GET", "/api/conversations/"+conversationID+"/messages/"+messageID+"/delete-policy",
		nil, map[string]string{"requesterId": requesterID})
	if err != nil {
		return CanDelete{}, err
	}
	policy, err := decodeJSON[CanDelete](data)
	if err != nil {
		return CanDelete{}, Errf(KindInternal, "decode delete policy: %v", err)
	}
	return *policy, nil
}

// ============================================================================
// Receipt endpoints
// ============================================================================

// PostDelivered records a delivery receipt for one message.
func (c *Client) PostDelivered(ctx context.Context, conversationID, messageID, participantID string) error {
	_, err := c.do(ctx, "POST", "/api/conversations/"+conversationID+"/messages/"+messageID+"/delivered",
		map[string]string{"participantId": participantID}, nil)
	return err
}

// PostRead records read receipts for a batch of messages.
func (c *Client) PostRead(ctx context.Context, conversationID string, messageIDs []string, participantID string) error {
	_, err := c.do(ctx, "POST", "/api/conversations/"+conversationID+"/read",
		map[string]interface{}{"messageIds": messageIDs, "participantId": participantID}, nil)
	return err
}

// PostTyping publishes a typing indicator.
func (c *Client) PostTyping(ctx context.Context, conversationID, participantID string) error {
	_, err := c.do(ctx, "POST", "/api/conversations/"+conversationID+"/typing",
		map[string]string{"participantId": participantID}, nil)
	return err
}
