package corvid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestPayload() map[string]any {
	return map[string]any{
		"source":    "corvid_im",
		"event":     "message.new",
		"timestamp": 1700000000,
		"message": map[string]any{
			"id":             "msg-001",
			"type":           "text",
			"text":           "Hello from test",
			"senderId":       "user-001",
			"conversationId": "conv-001",
			"replyTo":        nil,
			"metadata":       map[string]any{},
			"createdAt":      "2026-01-01T00:00:00Z",
		},
		"sender": map[string]any{
			"id":          "user-001",
			"username":    "testuser",
			"displayName": "Test User",
		},
		"conversation": map[string]any{
			"id":             "conv-001",
			"participantIds": []string{"user-001", "user-002"},
		},
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

// ============================================================================
// Signature Verification
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := makeTestPayloadString()
	sig := makeTestSignature(body, testSecret)

	assert.True(t, VerifyWebhookSignature(body, sig, testSecret))
	assert.True(t, VerifyWebhookSignature(body, strings.TrimPrefix(sig, "sha256="), testSecret),
		"prefix is optional")

	assert.False(t, VerifyWebhookSignature(body, sig, "wrong-secret"))
	assert.False(t, VerifyWebhookSignature(body+"tampered", sig, testSecret))
	assert.False(t, VerifyWebhookSignature("", sig, testSecret))
	assert.False(t, VerifyWebhookSignature(body, "", testSecret))
	assert.False(t, VerifyWebhookSignature(body, sig, ""))
	assert.False(t, VerifyWebhookSignature(body, "sha256=", testSecret))
	assert.False(t, VerifyWebhookSignature(body, "sha256=deadbeef", testSecret),
		"truncated signature must not verify")
}

// ============================================================================
// Payload Parsing
// ============================================================================

func TestParseWebhookPayload(t *testing.T) {
	payload, err := ParseWebhookPayload(makeTestPayloadString())
	require.NoError(t, err)
	assert.Equal(t, "corvid_im", payload.Source)
	assert.Equal(t, "message.new", payload.Event)
	assert.Equal(t, "Hello from test", payload.Message.Text)
	assert.Equal(t, "user-001", payload.Sender.ID)
	assert.Equal(t, "conv-001", payload.Conversation.ID)
}

func TestParseWebhookPayloadErrors(t *testing.T) {
	_, err := ParseWebhookPayload("{not json")
	assert.Error(t, err)

	bad := makeTestPayload()
	bad["source"] = "somewhere_else"
	b, _ := json.Marshal(bad)
	_, err = ParseWebhookPayload(string(b))
	assert.ErrorContains(t, err, "unknown webhook source")

	bad = makeTestPayload()
	bad["event"] = ""
	b, _ = json.Marshal(bad)
	_, err = ParseWebhookPayload(string(b))
	assert.ErrorContains(t, err, "missing event")

	bad = makeTestPayload()
	bad["message"].(map[string]any)["id"] = ""
	b, _ = json.Marshal(bad)
	_, err = ParseWebhookPayload(string(b))
	assert.ErrorContains(t, err, "missing required fields")
}

// ============================================================================
// Handler
// ============================================================================

func TestWebhookRequiresSecret(t *testing.T) {
	_, err := NewWebhook("", nil)
	assert.Error(t, err)
}

func TestWebhookHandle(t *testing.T) {
	wh, err := NewWebhook(testSecret, func(p *WebhookPayload) (*WebhookReply, error) {
		return &WebhookReply{Text: "got: " + p.Message.Text}, nil
	})
	require.NoError(t, err)

	body := makeTestPayloadString()

	status, data := wh.Handle(body, makeTestSignature(body, testSecret))
	assert.Equal(t, http.StatusOK, status)
	reply, ok := data.(*WebhookReply)
	require.True(t, ok)
	assert.Equal(t, "got: Hello from test", reply.Text)

	status, _ = wh.Handle(body, "sha256=bad")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = wh.Handle("{}", makeTestSignature("{}", testSecret))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWebhookHandleHandlerError(t *testing.T) {
	wh, _ := NewWebhook(testSecret, func(p *WebhookPayload) (*WebhookReply, error) {
		return nil, fmt.Errorf("boom")
	})
	body := makeTestPayloadString()
	status, _ := wh.Handle(body, makeTestSignature(body, testSecret))
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestWebhookHTTPHandler(t *testing.T) {
	wh, _ := NewWebhook(testSecret, func(p *WebhookPayload) (*WebhookReply, error) {
		return nil, nil
	})
	srv := httptest.NewServer(wh.HTTPHandler())
	defer srv.Close()

	body := makeTestPayloadString()
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
	req.Header.Set("X-Corvid-Signature", makeTestSignature(body, testSecret))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out["ok"])

	// Method check.
	getResp, err := http.Get(srv.URL)
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}
