package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTerminalStatus is returned when a mutation is requested against a
	// message that already reached a terminal disposition.
	ErrTerminalStatus = errors.New("outbox message is in a terminal status")

	// ErrEmptyContent is returned when a message is created or corrected
	// with no payload.
	ErrEmptyContent = errors.New("outbox message content is empty")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Message is one unit of guaranteed-delivery work. It is written in the same
// transaction as the business state change that produced it, and later picked
// up by the dispatcher.
type Message struct {
	Id          uuid.UUID       `db:"id"`
	MessageType string          `db:"message_type"`
	Topic       string          `db:"topic"`
	Content     json.RawMessage `db:"content"`
	Status      Status          `db:"status"`
	OccurredOn  time.Time       `db:"occurred_on"`
	ProcessedOn *time.Time      `db:"processed_on"`
	RetryCount  int64           `db:"retry_count"`
	LastError   *string         `db:"last_error"`
}

func NewMessage(messageType, topic string, content json.RawMessage) (*Message, error) {
	if len(content) == 0 {
		return nil, ErrEmptyContent
	}

	return &Message{
		Id:          uuid.New(),
		MessageType: messageType,
		Topic:       topic,
		Content:     content,
		Status:      StatusPending,
		OccurredOn:  time.Now().UTC(),
	}, nil
}

// MarkProcessed records a successful delivery. Repeated calls against an
// already processed message are no-ops so duplicate dispatcher reports stay
// harmless, and a late success report never resurrects a failed message.
func (m *Message) MarkProcessed(now time.Time) {
	if m.Status.Terminal() {
		return
	}

	processedOn := now.UTC()
	m.Status = StatusProcessed
	m.ProcessedOn = &processedOn
	m.LastError = nil
}

// MarkFailed records one failed delivery attempt. The message stays
// retryable; giving up is a separate, explicit decision (Discard).
func (m *Message) MarkFailed(cause string) {
	if m.Status.Terminal() {
		return
	}

	m.Status = StatusRetrying
	m.RetryCount++
	m.LastError = &cause
}

// Discard moves the message to the terminal failed status. The retry budget
// lives in the dispatcher, not here; this only records its decision.
func (m *Message) Discard(cause string) {
	if m.Status.Terminal() {
		return
	}

	m.Status = StatusFailed
	if cause != "" {
		m.LastError = &cause
	}
}

// UpdateContent replaces the payload for correction scenarios. Only allowed
// while the message has not reached a terminal disposition.
func (m *Message) UpdateContent(content json.RawMessage) error {
	if m.Status.Terminal() {
		return ErrTerminalStatus
	}
	if len(content) == 0 {
		return ErrEmptyContent
	}

	m.Content = content

	return nil
}

// Unprocessed reports whether the message is still eligible for a delivery
// attempt.
func (m *Message) Unprocessed() bool {
	return m.Status == StatusPending || m.Status == StatusRetrying
}

// Clone returns a deep copy so read paths can hand out snapshots without
// exposing store-owned state to mutation.
func (m *Message) Clone() *Message {
	clone := *m

	if m.ProcessedOn != nil {
		processedOn := *m.ProcessedOn
		clone.ProcessedOn = &processedOn
	}
	if m.LastError != nil {
		lastError := *m.LastError
		clone.LastError = &lastError
	}
	if m.Content != nil {
		clone.Content = append(json.RawMessage(nil), m.Content...)
	}

	return &clone
}
