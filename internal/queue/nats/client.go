// Package nats implements the queue interfaces on NATS JetStream. Unlike
// SQS, acks and nacks are explicit protocol operations; message groups ride
// in a header since JetStream has no native grouping.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/queue"
)

const (
	// queueTypeLabel tags this source's Prometheus series.
	queueTypeLabel = "nats"

	// headerMessageGroup carries the ordering group, since JetStream has no
	// first-class message group concept.
	headerMessageGroup = "Nats-Msg-Group"

	// headerMessageID is JetStream's native dedup header.
	headerMessageID = "Nats-Msg-Id"

	defaultStreamName = "DISPATCH"
)

// Publisher publishes to one JetStream stream.
type Publisher struct {
	js     jetstream.JetStream
	stream string
}

// NewPublisher creates a Publisher for the given stream.
func NewPublisher(js jetstream.JetStream, streamName string) *Publisher {
	return &Publisher{
		js:     js,
		stream: streamName,
	}
}

// Publish sends one message.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(queueTypeLabel).Inc()
		return fmt.Errorf("failed to publish message: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(queueTypeLabel).Inc()
	return nil
}

// PublishWithGroup sends one message with an ordering group header.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  make(nats.Header),
	}
	msg.Header.Set(headerMessageGroup, messageGroup)

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(queueTypeLabel).Inc()
		return fmt.Errorf("failed to publish message with group: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(queueTypeLabel).Inc()
	return nil
}

// PublishWithDeduplication sends one message with a JetStream dedup id.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  make(nats.Header),
	}
	msg.Header.Set(headerMessageID, deduplicationID)

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(queueTypeLabel).Inc()
		return fmt.Errorf("failed to publish message with deduplication: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(queueTypeLabel).Inc()
	return nil
}

// PublishMessage sends a built message, carrying its group, dedup id, and
// metadata as headers.
func (p *Publisher) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	msg := &nats.Msg{
		Subject: builder.Subject(),
		Data:    builder.Data(),
		Header:  make(nats.Header),
	}

	if builder.MessageGroup() != "" {
		msg.Header.Set(headerMessageGroup, builder.MessageGroup())
	}
	if builder.DeduplicationID() != "" {
		msg.Header.Set(headerMessageID, builder.DeduplicationID())
	}
	for k, v := range builder.Metadata() {
		msg.Header.Set("X-Meta-"+k, v)
	}

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(queueTypeLabel).Inc()
		return fmt.Errorf("failed to publish message: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(queueTypeLabel).Inc()
	return nil
}

// Close is a no-op; the connection belongs to the Client.
func (p *Publisher) Close() error {
	return nil
}

// Consumer pulls from one JetStream consumer.
type Consumer struct {
	consumer jetstream.Consumer
	name     string
}

// NewConsumer wraps a JetStream consumer.
func NewConsumer(consumer jetstream.Consumer, name string) *Consumer {
	return &Consumer{
		consumer: consumer,
		name:     name,
	}
}

// Consume iterates messages until ctx is cancelled, handing each to handler.
// Ack/nack are the handler's responsibility via the message itself.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting NATS consumer", "consumer", c.name)

	msgIter, err := c.consumer.Messages()
	if err != nil {
		return fmt.Errorf("failed to create message iterator: %w", err)
	}
	defer msgIter.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Consumer context cancelled, stopping", "consumer", c.name)
			return ctx.Err()
		default:
		}

		msg, err := msgIter.Next()
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				return nil
			}
			slog.Error("Error getting next message", "error", err, "consumer", c.name)
			continue
		}

		wrapped := &NATSMessage{
			msg:     msg,
			subject: msg.Subject(),
		}

		metrics.QueueMessagesConsumed.WithLabelValues(queueTypeLabel).Inc()
		if err := handler(wrapped); err != nil {
			slog.Error("Message handler error", "error", err, "consumer", c.name, "subject", msg.Subject())
		}
	}
}

// Close stops the consumer.
func (c *Consumer) Close() error {
	slog.Info("Consumer closed", "consumer", c.name)
	return nil
}

// NATSMessage implements queue.Message over one JetStream delivery.
type NATSMessage struct {
	msg     jetstream.Msg
	subject string
}

// ID returns the dedup header when set, otherwise a stream:sequence
// identifier from delivery metadata.
func (m *NATSMessage) ID() string {
	if id := m.msg.Headers().Get(headerMessageID); id != "" {
		return id
	}
	meta, err := m.msg.Metadata()
	if err == nil {
		return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}
	return ""
}

// Data returns the message payload.
func (m *NATSMessage) Data() []byte {
	return m.msg.Data()
}

// Subject returns the message subject.
func (m *NATSMessage) Subject() string {
	return m.subject
}

// MessageGroup returns the ordering group header, if any.
func (m *NATSMessage) MessageGroup() string {
	return m.msg.Headers().Get(headerMessageGroup)
}

// Ack acknowledges the delivery.
func (m *NATSMessage) Ack() error {
	return m.msg.Ack()
}

// Nak requests immediate redelivery.
func (m *NATSMessage) Nak() error {
	return m.msg.Nak()
}

// NakWithDelay requests redelivery no sooner than delay from now.
func (m *NATSMessage) NakWithDelay(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}

// InProgress resets the ack-wait timer.
func (m *NATSMessage) InProgress() error {
	return m.msg.InProgress()
}

// Metadata flattens the message headers into a string map.
func (m *NATSMessage) Metadata() map[string]string {
	result := make(map[string]string)
	for k, v := range m.msg.Headers() {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}

// Client owns a NATS connection, its JetStream context, and the consumers
// created from it.
type Client struct {
	conn      *nats.Conn
	js        jetstream.JetStream
	publisher *Publisher
	consumers map[string]*Consumer
	config    *queue.NATSConfig
}

// NewClient connects to the configured NATS server with unlimited
// reconnects.
func NewClient(cfg *queue.NATSConfig) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamName := cfg.StreamName
	if streamName == "" {
		streamName = defaultStreamName
	}

	return &Client{
		conn:      conn,
		js:        js,
		publisher: NewPublisher(js, streamName),
		consumers: make(map[string]*Consumer),
		config:    cfg,
	}, nil
}

// Publisher returns the client's publisher.
func (c *Client) Publisher() queue.Publisher {
	return c.publisher
}

// CreateConsumer creates or updates a durable consumer filtered to
// filterSubject.
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	ackWait := 2 * time.Minute
	if c.config.AckWait > 0 {
		ackWait = c.config.AckWait
	}

	maxDeliver := 5
	if c.config.MaxDeliver > 0 {
		maxDeliver = c.config.MaxDeliver
	}

	streamName := c.config.StreamName
	if streamName == "" {
		streamName = defaultStreamName
	}

	consumerCfg := jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 1000,
	}

	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	wrapped := NewConsumer(consumer, name)
	c.consumers[name] = wrapped
	return wrapped, nil
}

// Close closes every consumer and the connection.
func (c *Client) Close() error {
	for _, consumer := range c.consumers {
		consumer.Close()
	}
	c.conn.Close()
	return nil
}
