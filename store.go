package corvid

import (
	"context"
	"errors"
	"fmt"
)

// ============================================================================
// Error Kinds
// ============================================================================

// ErrorKind classifies an expected failure so callers can branch on it
// instead of matching error strings.
type ErrorKind string

const (
	KindOffline    ErrorKind = "offline"
	KindTimeout    ErrorKind = "timeout"
	KindTransient  ErrorKind = "transient"
	KindValidation ErrorKind = "validation"
	KindPermission ErrorKind = "permission"
	KindInternal   ErrorKind = "internal"
)

// StoreError is an expected failure from the message store or the engine.
type StoreError struct {
	Kind    ErrorKind
	Message string
}

func (e *StoreError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Temporary reports whether a retry may succeed.
func (e *StoreError) Temporary() bool {
	switch e.Kind {
	case KindOffline, KindTimeout, KindTransient:
		return true
	}
	return false
}

// Errf builds a StoreError with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *StoreError {
	return &StoreError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err. Unknown errors map to
// KindInternal; nil maps to "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether err is worth retrying with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindOffline, KindTimeout, KindTransient:
		return true
	}
	return false
}

// ============================================================================
// Message Store Interface
// ============================================================================

// SendRequest carries everything the remote store needs to create a
// message. Metadata includes the optimistic correlation id so the
// confirmed message can be matched back to its local copy.
type SendRequest struct {
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName"`
	RecipientID    string         `json:"recipientId,omitempty"`
	Text           string         `json:"text"`
	Type           MessageType    `json:"type"`
	SenderAvatar   string         `json:"senderAvatar,omitempty"`
	ReplyTo        string         `json:"replyTo,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Voice          *VoiceData     `json:"voice,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CanDelete is the permission result for a delete request. Reason is a
// user-facing explanation when an option is unavailable.
type CanDelete struct {
	ForEveryone bool   `json:"canDeleteForEveryone"`
	ForMe       bool   `json:"canDeleteForMe"`
	Reason      string `json:"reason,omitempty"`
}

// UnsubscribeFunc tears down a subscription. It is safe to call more than
// once.
type UnsubscribeFunc func()

// MessageStore is the abstract remote collaborator the engine drives. The
// wire protocol behind it is opaque to the engine; RemoteStore is one
// implementation.
type MessageStore interface {
	// CreateOrGetConversation returns the id of the direct conversation
	// between the two participants, creating it if needed.
	CreateOrGetConversation(ctx context.Context, selfID, peerID string) (string, error)

	// SendMessage creates a message in the conversation.
	SendMessage(ctx context.Context, req SendRequest) error

	// Subscribe registers a callback invoked with the full authoritative
	// message list of the conversation whenever it changes.
	Subscribe(ctx context.Context, conversationID string, onMessages func([]Message)) (UnsubscribeFunc, error)

	// MarkDelivered adds participantID to the message's delivered set.
	MarkDelivered(ctx context.Context, conversationID, messageID, participantID string) error

	// MarkRead adds participantID to the read set of each message.
	MarkRead(ctx context.Context, conversationID string, messageIDs []string, participantID string) error

	// EditMessage replaces the text of a message and sets its edit marker.
	EditMessage(ctx context.Context, conversationID, messageID, text string) error

	// DeleteForEveryone hides the message from all participants.
	DeleteForEveryone(ctx context.Context, conversationID, messageID string) error

	// DeleteForMe hides the message from participantID only.
	DeleteForMe(ctx context.Context, conversationID, messageID, participantID string) error

	// CanDeleteMessage reports which deletion modes participantID may use.
	CanDeleteMessage(ctx context.Context, conversationID, messageID, participantID string) (CanDelete, error)
}
