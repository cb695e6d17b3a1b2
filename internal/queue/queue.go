// Package queue abstracts the message sources the router consumes from.
// A source hands the router opaque messages with ack/nack finalization;
// the router never sees broker wire details beyond these interfaces.
package queue

import (
	"context"
	"time"
)

// Message is one received, not-yet-finalized message. Exactly one of Ack or
// Nak (or NakWithDelay) finalizes it; the broker retains ownership until
// then and will redeliver after its visibility window if nothing is called.
type Message interface {
	// ID is the broker-assigned message identifier. It stays the same when
	// the broker redelivers the message.
	ID() string

	// Data is the raw message payload.
	Data() []byte

	// Subject is the topic or subject the message arrived on.
	Subject() string

	// MessageGroup is the ordering group the broker assigned, or "" when
	// the source has no grouping concept.
	MessageGroup() string

	// Ack removes the message from the broker.
	Ack() error

	// Nak returns the message for redelivery.
	Nak() error

	// NakWithDelay returns the message for redelivery no sooner than delay
	// from now.
	NakWithDelay(delay time.Duration) error

	// InProgress extends the broker's processing deadline for this message.
	InProgress() error

	// Metadata exposes broker headers/attributes as a flat string map.
	Metadata() map[string]string
}

// ReceiptHandleUpdatable is implemented by messages whose finalization token
// can expire and be reissued on redelivery (SQS receipt handles). When the
// router detects a redelivery of a message it still owns, it refreshes the
// handle so the eventual ack/nack targets the live delivery.
type ReceiptHandleUpdatable interface {
	UpdateReceiptHandle(newReceiptHandle string)
	GetReceiptHandle() string
}

// Consumer pulls messages from a source and hands each to a handler. Consume
// blocks until ctx is cancelled or the source fails irrecoverably.
type Consumer interface {
	Consume(ctx context.Context, handler func(Message) error) error
	Close() error
}

// Publisher sends messages to a source. Group and deduplication variants
// exist for FIFO-capable sources; sources without the concept return an
// error from the variant they cannot honor.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error
	PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error
	Close() error
}

// Queue is a source that supports both directions.
type Queue interface {
	Publisher
	Consumer
}

// MessageBuilder accumulates the optional attributes of an outgoing message
// so batch publishers can carry subject, group, and dedup id together.
type MessageBuilder struct {
	subject         string
	data            []byte
	messageGroup    string
	deduplicationID string
	metadata        map[string]string
}

// NewMessageBuilder starts a builder for the given subject.
func NewMessageBuilder(subject string) *MessageBuilder {
	return &MessageBuilder{
		subject:  subject,
		metadata: make(map[string]string),
	}
}

// WithData sets the message payload.
func (b *MessageBuilder) WithData(data []byte) *MessageBuilder {
	b.data = data
	return b
}

// WithMessageGroup sets the ordering group.
func (b *MessageBuilder) WithMessageGroup(group string) *MessageBuilder {
	b.messageGroup = group
	return b
}

// WithDeduplicationID sets the dedup id for FIFO sources.
func (b *MessageBuilder) WithDeduplicationID(id string) *MessageBuilder {
	b.deduplicationID = id
	return b
}

// WithMetadata adds one metadata key.
func (b *MessageBuilder) WithMetadata(key, value string) *MessageBuilder {
	b.metadata[key] = value
	return b
}

func (b *MessageBuilder) Subject() string             { return b.subject }
func (b *MessageBuilder) Data() []byte                { return b.data }
func (b *MessageBuilder) MessageGroup() string        { return b.messageGroup }
func (b *MessageBuilder) DeduplicationID() string     { return b.deduplicationID }
func (b *MessageBuilder) Metadata() map[string]string { return b.metadata }
