package corvid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Message Types
// ============================================================================

// MessageType classifies the payload of a message.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageVoice      MessageType = "voice"
	MessageAttachment MessageType = "attachment"
)

// MessageStatus is the delivery state of a message from the sender's view.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// metaOptimisticID is the metadata key that carries the client-generated
// correlation id on a send request, so a confirmed server message can be
// matched back to its optimistic copy.
const metaOptimisticID = "_optimisticId"

// Attachment describes a file attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// VoiceData describes a voice message payload.
type VoiceData struct {
	URL        string `json:"url"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// Message is the central entity of the engine. Timestamp is kept raw
// (any supported representation) and normalized only for ordering; see
// ToEpochMillis.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName,omitempty"`
	SenderAvatar   string         `json:"senderAvatar,omitempty"`
	Text           string         `json:"text"`
	Type           MessageType    `json:"type"`
	Timestamp      any            `json:"timestamp"`
	Status         MessageStatus  `json:"status,omitempty"`
	DeliveredTo    []string       `json:"deliveredTo,omitempty"`
	ReadBy         []string       `json:"readBy,omitempty"`
	IsDeleted      bool           `json:"isDeleted,omitempty"`
	DeletedFor     []string       `json:"deletedFor,omitempty"`
	Edited         bool           `json:"edited,omitempty"`
	EditedAt       any            `json:"editedAt,omitempty"`
	IsOptimistic   bool           `json:"isOptimistic,omitempty"`
	ReplyTo        string         `json:"replyTo,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Voice          *VoiceData     `json:"voice,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// OptimisticID returns the correlation id carried in the message metadata,
// or "" when the message did not originate from an optimistic send.
func (m *Message) OptimisticID() string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata[metaOptimisticID].(string); ok {
		return v
	}
	return ""
}

// DeliveredToContains reports whether participantID is in the delivered set.
func (m *Message) DeliveredToContains(participantID string) bool {
	return containsID(m.DeliveredTo, participantID)
}

// ReadByContains reports whether participantID is in the read set.
func (m *Message) ReadByContains(participantID string) bool {
	return containsID(m.ReadBy, participantID)
}

// HiddenFor reports whether the message must be excluded from rendering
// for the given viewer. Deleted-for-everyone and delete-for-me are
// independent conditions and both are checked.
func (m *Message) HiddenFor(viewerID string) bool {
	if m.IsDeleted {
		return true
	}
	return containsID(m.DeletedFor, viewerID)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// NewOptimisticID generates a client-side correlation id. The prefix keeps
// it out of the server-assigned id space.
func NewOptimisticID() string {
	return fmt.Sprintf("optimistic_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// ============================================================================
// Queued Outgoing Message
// ============================================================================

// QueueState is the lifecycle state of an outbox entry.
type QueueState string

const (
	QueuePending QueueState = "pending"
	QueueSending QueueState = "sending"
	QueueFailed  QueueState = "failed"
)

// QueuedMessage wraps a send request persisted by the offline send queue
// until the underlying send succeeds.
type QueuedMessage struct {
	ID           string      `json:"id"`
	OptimisticID string      `json:"optimisticId"`
	Request      SendRequest `json:"request"`
	EnqueuedAt   time.Time   `json:"enqueuedAt"`
	AttemptCount int         `json:"attemptCount"`
	LastError    string      `json:"lastError,omitempty"`
	State        QueueState  `json:"state"`
}

// QueueStats is the aggregate outbox view exposed for UI consumption.
type QueueStats struct {
	IsOnline     bool `json:"isOnline"`
	TotalPending int  `json:"totalPending"`
	TotalFailed  int  `json:"totalFailed"`
	IsSyncing    bool `json:"isSyncing"`
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation holds the small slice of conversation state the engine
// needs: participants and the typing map. Conversation lifecycle is owned
// elsewhere.
type Conversation struct {
	ID             string         `json:"id"`
	ParticipantIDs []string       `json:"participantIds"`
	TypingUsers    map[string]any `json:"typingUsers,omitempty"`
}

// AnyoneTyping reports whether a participant other than selfID typed
// within the given window before now.
func (c *Conversation) AnyoneTyping(selfID string, now time.Time, window time.Duration) bool {
	for userID, raw := range c.TypingUsers {
		if userID == selfID {
			continue
		}
		ts := ToEpochMillis(raw)
		if ts == 0 {
			continue
		}
		if now.UnixMilli()-ts <= window.Milliseconds() {
			return true
		}
	}
	return false
}
