package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message flowing through the broker.
// The values are the canonical lowercase wire strings and double as
// rate-limit dimension keys.
type MessageType string

const (
	MessageTypeDirect       MessageType = "direct"
	MessageTypeBroadcast    MessageType = "broadcast"
	MessageTypeTaskRequest  MessageType = "task_request"
	MessageTypeTaskResponse MessageType = "task_response"
	MessageTypeStatusUpdate MessageType = "status_update"
	MessageTypeError        MessageType = "error"
	MessageTypeSystem       MessageType = "system"
)

// ValidMessageType reports whether t is one of the known message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeDirect, MessageTypeBroadcast, MessageTypeTaskRequest,
		MessageTypeTaskResponse, MessageTypeStatusUpdate, MessageTypeError,
		MessageTypeSystem:
		return true
	}
	return false
}

// Priority orders messages within a recipient queue and doubles as a
// rate-limit dimension key.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the queue sort key: high drains before medium, medium before
// low. Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Message is the value object produced on send and consumed on receive. It
// round-trips through JSON without loss, delivery flags included.
type Message struct {
	ID            string                 `json:"id"`
	Type          MessageType            `json:"type"`
	SenderID      string                 `json:"sender_id"`
	RecipientID   string                 `json:"recipient_id,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	Priority      Priority               `json:"priority"`
	Content       interface{}            `json:"content"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	TTLSeconds    *float64               `json:"ttl_seconds,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	Delivered     bool                   `json:"delivered"`
	DeliveredAt   *time.Time             `json:"delivered_at,omitempty"`
}

// MessageOption customizes a message at construction time.
type MessageOption func(*Message)

// WithRecipient addresses the message to one agent. Required for every type
// except broadcast.
func WithRecipient(agentID string) MessageOption {
	return func(m *Message) { m.RecipientID = agentID }
}

// WithPriority overrides the default medium priority.
func WithPriority(p Priority) MessageOption {
	return func(m *Message) { m.Priority = p }
}

// WithCorrelationID links this message to a request. Defaults to the
// message's own id.
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) {
		if id != "" {
			m.CorrelationID = id
		}
	}
}

// WithTTL expires the message ttlSeconds after creation. A TTL of zero means
// the message is already expired on arrival.
func WithTTL(ttlSeconds float64) MessageOption {
	return func(m *Message) {
		ttl := ttlSeconds
		m.TTLSeconds = &ttl
		exp := m.CreatedAt.Add(time.Duration(ttl * float64(time.Second)))
		m.ExpiresAt = &exp
	}
}

// WithMetadata attaches free-form metadata.
func WithMetadata(md map[string]interface{}) MessageOption {
	return func(m *Message) { m.Metadata = md }
}

// WithMessageID overrides the generated id. Correlation id follows unless
// set explicitly.
func WithMessageID(id string) MessageOption {
	return func(m *Message) {
		if id == "" {
			return
		}
		if m.CorrelationID == m.ID {
			m.CorrelationID = id
		}
		m.ID = id
	}
}

// NewMessage builds a message with a generated id, UTC creation time and
// medium priority. Correlation id defaults to the message id.
func NewMessage(msgType MessageType, senderID string, content interface{}, opts ...MessageOption) *Message {
	id := uuid.New().String()
	m := &Message{
		ID:            id,
		Type:          msgType,
		SenderID:      senderID,
		CorrelationID: id,
		Priority:      PriorityMedium,
		Content:       content,
		CreatedAt:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate checks the message shape before it enters the broker.
func (m *Message) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("%w: sender_id is required", ErrInvalidMessage)
	}
	if !ValidMessageType(m.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.Type != MessageTypeBroadcast && m.RecipientID == "" {
		return ErrRecipientMissing
	}
	return nil
}

// Expired reports whether the message's TTL has passed at the given instant.
// Messages without a TTL never expire.
func (m *Message) Expired(now time.Time) bool {
	if m.ExpiresAt == nil {
		return false
	}
	return !now.Before(*m.ExpiresAt)
}

// MarkDelivered sets the delivery flags exactly once.
func (m *Message) MarkDelivered(now time.Time) {
	if m.Delivered {
		return
	}
	m.Delivered = true
	at := now.UTC()
	m.DeliveredAt = &at
}

// CopyFor produces the fan-out copy of a broadcast for one recipient. The
// copy's id is the original id suffixed with the recipient; recipient-scoped
// ids are opaque and never reparsed. Metadata is copied so recipients cannot
// observe each other's mutations; content is shared opaque data.
func (m *Message) CopyFor(recipientID string) *Message {
	cp := *m
	cp.ID = m.ID + ":" + recipientID
	cp.RecipientID = recipientID
	if m.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
