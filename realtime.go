package corvid

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent when a realtime connection is authenticated.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ConversationSnapshotPayload carries the full message list of a
// conversation after any change. The server pushes snapshots, not
// deltas, so clients never have to patch local state.
type ConversationSnapshotPayload struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

// ReceiptUpdatedPayload is sent when delivery or read state changes.
type ReceiptUpdatedPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	ParticipantID  string   `json:"participantId"`
	Kind           string   `json:"kind"` // "delivered" or "read"
}

// TypingIndicatorPayload is sent when a user starts or stops typing.
type TypingIndicatorPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	URL                  string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]RealtimeEventHandler
	onAuthenticated []func(AuthenticatedPayload)
	onSnapshot      []func(ConversationSnapshotPayload)
	onReceipt       []func(ReceiptUpdatedPayload)
	onTyping        []func(TypingIndicatorPayload)
	onError         []func(RealtimeErrorPayload)
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// Typed handlers
	switch env.Type {
	case "authenticated":
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case "conversation.snapshot":
		var p ConversationSnapshotPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onSnapshot {
				go h(p)
			}
		}
	case "receipt.updated":
		var p ReceiptUpdatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onReceipt {
				go h(p)
			}
		}
	case "typing.indicator":
		var p TypingIndicatorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onTyping {
				go h(p)
			}
		}
	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

	// Generic handlers
	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket realtime client with auto-reconnect and
// heartbeat.
type RealtimeClient struct {
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// NewRealtimeClient creates a realtime client. Call Connect to establish
// the connection.
func NewRealtimeClient(config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		config:       &cfg,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnAuthenticated registers a handler for the authenticated event.
func (ws *RealtimeClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onAuthenticated = append(ws.dispatcher.onAuthenticated, h)
	ws.dispatcher.mu.Unlock()
}

// OnSnapshot registers a handler for conversation snapshots.
func (ws *RealtimeClient) OnSnapshot(h func(ConversationSnapshotPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onSnapshot = append(ws.dispatcher.onSnapshot, h)
	ws.dispatcher.mu.Unlock()
}

// OnReceiptUpdated registers a handler for receipt changes.
func (ws *RealtimeClient) OnReceiptUpdated(h func(ReceiptUpdatedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReceipt = append(ws.dispatcher.onReceipt, h)
	ws.dispatcher.mu.Unlock()
}

// OnTypingIndicator registers a handler for typing indicators.
func (ws *RealtimeClient) OnTypingIndicator(h func(TypingIndicatorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onTyping = append(ws.dispatcher.onTyping, h)
	ws.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (ws *RealtimeClient) OnError(h func(RealtimeErrorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onError = append(ws.dispatcher.onError, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.generic[eventType] = append(ws.dispatcher.generic[eventType], h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.config.URL, nil)
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Read first message (should be "authenticated")
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.dispatcher.dispatch(env)
	ws.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// JoinConversation subscribes this connection to a conversation's
// snapshot stream.
func (ws *RealtimeClient) JoinConversation(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// LeaveConversation unsubscribes from a conversation's snapshot stream.
func (ws *RealtimeClient) LeaveConversation(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "conversation.leave",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StartTyping sends a typing start indicator.
func (ws *RealtimeClient) StartTyping(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "typing.start",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StopTyping sends a typing stop indicator.
func (ws *RealtimeClient) StopTyping(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "typing.stop",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return Errf(KindOffline, "not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return nil, err
	}

	select {
	case pong := <-ch:
		return &pong, nil
	case <-time.After(10 * time.Second):
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return nil, Errf(KindTimeout, "ping timeout")
	case <-ctx.Done():
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeClient) readLoop(ctx context.Context) {
	for {
		_, data, err := ws.conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.dispatcher.emitDisconnected(0, err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(ctx)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		// Resolve pending pings
		if env.Type == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			s := ws.state
			ws.mu.Unlock()
			if s != StateConnected {
				return
			}

			_, err := ws.Ping(ctx)
			if err != nil {
				// Heartbeat failed, force close
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := ws.recon.nextDelay()
	ws.mu.Lock()
	ws.state = StateReconnecting
	ws.mu.Unlock()

	ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

	time.Sleep(delay)

	if err := ws.Connect(ctx); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect(ctx)
		} else {
			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.mu.Unlock()
		}
	}
}

func (ws *RealtimeClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
