package corvid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelopeServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv
}

func writeEnvelope(w http.ResponseWriter, status int, env apiEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func TestClientPostMessage(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq SendRequest
	srv := envelopeServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		writeEnvelope(w, http.StatusOK, apiEnvelope{OK: true})
	})

	c := NewClient("tok-123", WithBaseURL(srv.URL))
	err := c.PostMessage(context.Background(), SendRequest{
		ConversationID: "c1", SenderID: "alice", Text: "hello", Type: MessageText,
		Metadata: map[string]any{"_optimisticId": "opt-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/conversations/c1/messages", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "hello", gotReq.Text)
	assert.Equal(t, "opt-1", gotReq.Metadata["_optimisticId"])
}

func TestClientErrorKindMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, KindPermission},
		{"forbidden", http.StatusForbidden, KindPermission},
		{"server error", http.StatusInternalServerError, KindTransient},
		{"rate limited", http.StatusTooManyRequests, KindTransient},
		{"bad request", http.StatusBadRequest, KindValidation},
		{"gateway timeout", http.StatusGatewayTimeout, KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := envelopeServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tt.status, apiEnvelope{
					OK:    false,
					Error: &apiError{Code: "X", Message: "nope"},
				})
			})
			c := NewClient("", WithBaseURL(srv.URL))
			err := c.PostMessage(context.Background(), SendRequest{ConversationID: "c1"})
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestClientUnreachableIsOffline(t *testing.T) {
	c := NewClient("", WithBaseURL("http://127.0.0.1:1"))
	err := c.PostMessage(context.Background(), SendRequest{ConversationID: "c1"})
	require.Error(t, err)
	assert.Equal(t, KindOffline, KindOf(err))
	assert.True(t, Retryable(err))
}

func TestClientCreateDirectConversation(t *testing.T) {
	srv := envelopeServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		data, _ := json.Marshal(conversationPayload{
			ID:             "conv-42",
			ParticipantIDs: []string{body["userId"], body["peerId"]},
		})
		writeEnvelope(w, http.StatusOK, apiEnvelope{OK: true, Data: data})
	})

	c := NewClient("", WithBaseURL(srv.URL))
	id, err := c.CreateDirectConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "conv-42", id)
}

func TestClientListMessages(t *testing.T) {
	srv := envelopeServer(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := json.Marshal([]Message{
			{ID: "m1", Text: "one", Timestamp: float64(1700000000000)},
			{ID: "m2", Text: "two", Timestamp: float64(1700000000001)},
		})
		writeEnvelope(w, http.StatusOK, apiEnvelope{OK: true, Data: data})
	})

	c := NewClient("", WithBaseURL(srv.URL))
	msgs, err := c.ListMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	// JSON numbers decode as float64 and still normalize.
	assert.Equal(t, int64(1700000000000), ToEpochMillis(msgs[0].Timestamp))
}

func TestClientMalformedEnvelope(t *testing.T) {
	srv := envelopeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	})
	c := NewClient("", WithBaseURL(srv.URL))
	err := c.PostMessage(context.Background(), SendRequest{ConversationID: "c1"})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.False(t, Retryable(err))
}

func TestClientWSURL(t *testing.T) {
	c := NewClient("tok", WithBaseURL("https://chat.example.com"))
	assert.Equal(t, "wss://chat.example.com/ws?token=tok", c.WSURL())

	c = NewClient("", WithBaseURL("http://localhost:8080"))
	assert.Equal(t, "ws://localhost:8080/ws", c.WSURL())
}
