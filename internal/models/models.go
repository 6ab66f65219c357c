// Package models defines the core data structures for LeadPipe.
//
// It includes types for buffered inbound events, merged conversation turns,
// lead follow-up state, and delivery receipts, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// MediaKind identifies the kind of media attached to an inbound event.
type MediaKind string

const (
	// MediaKindImage marks an image attachment.
	MediaKindImage MediaKind = "image"
	// MediaKindVideo marks a video attachment.
	MediaKindVideo MediaKind = "video"
	// MediaKindAudio marks an audio attachment.
	MediaKindAudio MediaKind = "audio"
	// MediaKindDocument marks a document attachment.
	MediaKindDocument MediaKind = "document"
)

// Validation constants for input validation
const (
	// MaxEventContentLength defines the maximum allowed length for a single buffered event's text content
	MaxEventContentLength = 4096
	// MinConversationKeyDigits defines the minimum number of digits in a canonical conversation key
	MinConversationKeyDigits = 6
)

// Error variables for better error handling and testability
var (
	ErrEmptyConversationKey = errors.New("conversation key cannot be empty")
	ErrEmptyEvent           = errors.New("event must carry text content or a media reference")
	ErrEventContentTooLong  = errors.New("event content exceeds maximum length")
	ErrInvalidMediaKind     = errors.New("invalid media kind")
)

// IsValidMediaKind checks if the given media kind is supported.
func IsValidMediaKind(mk MediaKind) bool {
	switch mk {
	case MediaKindImage, MediaKindVideo, MediaKindAudio, MediaKindDocument:
		return true
	default:
		return false
	}
}

// BufferedEvent is one inbound unit of conversation input. It is immutable
// once created and lives only inside the debounce buffer until drained.
type BufferedEvent struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	MediaRef  string    `json:"media_ref,omitempty"`
	MediaKind MediaKind `json:"media_kind,omitempty"`
}

// Validate performs validation on a BufferedEvent.
func (e *BufferedEvent) Validate() error {
	if e.Content == "" && e.MediaRef == "" {
		return ErrEmptyEvent
	}
	if len(e.Content) > MaxEventContentLength {
		return ErrEventContentTooLong
	}
	if e.MediaKind != "" && !IsValidMediaKind(e.MediaKind) {
		return ErrInvalidMediaKind
	}
	return nil
}

// HasMedia reports whether the event carries a media attachment.
func (e *BufferedEvent) HasMedia() bool {
	return e.MediaRef != ""
}

// MergedTurn is the result of draining a conversation's debounce buffer:
// one opaque payload string plus the ordered originating events for
// downstream audit and metadata.
type MergedTurn struct {
	Key     string          `json:"key"`
	Content string          `json:"content"`
	Events  []BufferedEvent `json:"events"`
}

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records the delivery status of an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming message from a lead. MediaRef and
// MediaKind are set when the channel delivered an attachment.
type Response struct {
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Time      int64     `json:"time"`
	MediaRef  string    `json:"media_ref,omitempty"`
	MediaKind MediaKind `json:"media_kind,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
