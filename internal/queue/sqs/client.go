// Package sqs implements the queue interfaces on AWS SQS. Ack deletes the
// message; nack is a no-op that lets the visibility timeout expire, and
// delayed nacks translate to ChangeMessageVisibility.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/queue"
)

// queueTypeLabel tags this source's Prometheus series.
const queueTypeLabel = "sqs"

// SQSClientAPI is the subset of the SQS SDK the client uses, split out so
// tests can substitute a mock.
type SQSClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

const (
	// FastFailVisibilitySeconds requeues quickly after rate-limit or
	// pool-full rejections, where the condition clears on its own.
	FastFailVisibilitySeconds = 10

	// DefaultVisibilitySeconds is the requeue delay after a real
	// processing failure.
	DefaultVisibilitySeconds = 30

	// MaxVisibilitySeconds is the SQS ceiling (12 hours).
	MaxVisibilitySeconds = 43200
)

// Client owns one SQS queue URL and the consumers receiving from it.
type Client struct {
	sqs       SQSClientAPI
	config    *queue.SQSConfig
	consumers map[string]*Consumer
	mu        sync.RWMutex
}

func applyDefaults(cfg *queue.SQSConfig) {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20 // SQS long-poll maximum
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 120
	}
	if cfg.MaxNumberOfMessages == 0 {
		cfg.MaxNumberOfMessages = 10 // SQS per-receive maximum
	}
}

// NewClient creates a Client using the ambient AWS credential chain.
func NewClient(ctx context.Context, cfg *queue.SQSConfig) (*Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	applyDefaults(cfg)

	return &Client{
		sqs:       sqs.NewFromConfig(awsCfg),
		config:    cfg,
		consumers: make(map[string]*Consumer),
	}, nil
}

// ClientConfig extends SQSConfig with a custom endpoint and static
// credentials, for pointing the client at LocalStack in integration tests.
type ClientConfig struct {
	QueueConfig     *queue.SQSConfig
	CustomEndpoint  string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClientWithConfig creates a Client against a custom endpoint when one is
// configured, otherwise behaves like NewClient.
func NewClientWithConfig(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	applyDefaults(cfg.QueueConfig)

	if cfg.CustomEndpoint == "" {
		return NewClient(ctx, cfg.QueueConfig)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.QueueConfig.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
	})

	return &Client{
		sqs:       sqsClient,
		config:    cfg.QueueConfig,
		consumers: make(map[string]*Consumer),
	}, nil
}

// Publisher returns a publisher bound to the configured queue URL.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{
		client:   c.sqs,
		queueURL: c.config.QueueURL,
	}
}

// CreateConsumer registers a named consumer for the queue. SQS has no
// server-side subject filtering, so filterSubject is ignored; it exists for
// interface parity with the NATS client.
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	consumer := &Consumer{
		client:              c.sqs,
		queueURL:            c.config.QueueURL,
		name:                name,
		waitTimeSeconds:     c.config.WaitTimeSeconds,
		visibilityTimeout:   c.config.VisibilityTimeout,
		maxNumberOfMessages: c.config.MaxNumberOfMessages,
		pendingDeletes:      make(map[string]struct{}),
	}

	c.mu.Lock()
	c.consumers[name] = consumer
	c.mu.Unlock()

	slog.Info("SQS consumer created", "name", name, "queueURL", c.config.QueueURL,
		"maxMessages", c.config.MaxNumberOfMessages, "waitTime", c.config.WaitTimeSeconds)

	return consumer, nil
}

// GetConsumer returns a previously created consumer, or nil.
func (c *Client) GetConsumer(name string) *Consumer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consumers[name]
}

// Connection exposes the underlying SQS API for health checks.
func (c *Client) Connection() SQSClientAPI {
	return c.sqs
}

// QueueURL returns the configured queue URL.
func (c *Client) QueueURL() string {
	return c.config.QueueURL
}

// HealthCheck probes the queue with a GetQueueAttributes call.
func (c *Client) HealthCheck(ctx context.Context) error {
	input := &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	}

	_, err := c.sqs.GetQueueAttributes(ctx, input)
	return err
}

// Close stops every consumer.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, consumer := range c.consumers {
		if err := consumer.Close(); err != nil {
			slog.Error("Error closing consumer", "error", err, "consumer", name)
		}
	}
	c.consumers = make(map[string]*Consumer)

	return nil
}

// Publisher sends messages to one SQS queue.
type Publisher struct {
	client   SQSClientAPI
	queueURL string
}

func subjectAttribute(subject string) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"Subject": {
			DataType:    aws.String("String"),
			StringValue: aws.String(subject),
		},
	}
}

// Publish sends one message.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(data)),
		MessageAttributes: subjectAttribute(subject),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(queueTypeLabel).Inc()
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(queueTypeLabel).Inc()
	return nil
}

// PublishWithGroup sends one message with a FIFO message group.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(data)),
		MessageGroupId:    aws.String(messageGroup),
		MessageAttributes: subjectAttribute(subject),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(queueTypeLabel).Inc()
		return fmt.Errorf("failed to send SQS message with group: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(queueTypeLabel).Inc()
	return nil
}

// PublishWithDeduplication sends one message with a FIFO deduplication id.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:               aws.String(p.queueURL),
		MessageBody:            aws.String(string(data)),
		MessageDeduplicationId: aws.String(deduplicationID),
		MessageAttributes:      subjectAttribute(subject),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(queueTypeLabel).Inc()
		return fmt.Errorf("failed to send SQS message with deduplication: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(queueTypeLabel).Inc()
	return nil
}

// PublishBatch sends messages in SendMessageBatch chunks of 10.
func (p *Publisher) PublishBatch(ctx context.Context, messages []*queue.MessageBuilder) error {
	const batchSize = 10
	for i := 0; i < len(messages); i += batchSize {
		end := min(i+batchSize, len(messages))

		entries := make([]types.SendMessageBatchRequestEntry, 0, end-i)
		for j := i; j < end; j++ {
			msg := messages[j]
			entry := types.SendMessageBatchRequestEntry{
				Id:                aws.String(fmt.Sprintf("%d", j)),
				MessageBody:       aws.String(string(msg.Data())),
				MessageAttributes: subjectAttribute(msg.Subject()),
			}

			if msg.MessageGroup() != "" {
				entry.MessageGroupId = aws.String(msg.MessageGroup())
			}
			if msg.DeduplicationID() != "" {
				entry.MessageDeduplicationId = aws.String(msg.DeduplicationID())
			}

			entries = append(entries, entry)
		}

		input := &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		}

		result, err := p.client.SendMessageBatch(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to send SQS batch: %w", err)
		}

		if len(result.Failed) > 0 {
			slog.Error("Some messages failed to send", "failed", len(result.Failed), "successful", len(result.Successful))
			return fmt.Errorf("failed to send %d messages", len(result.Failed))
		}
	}

	return nil
}

// Close is a no-op; the publisher holds no connection state of its own.
func (p *Publisher) Close() error {
	return nil
}

// Consumer long-polls one SQS queue.
type Consumer struct {
	client              SQSClientAPI
	queueURL            string
	name                string
	waitTimeSeconds     int32
	visibilityTimeout   int32
	maxNumberOfMessages int32

	// pendingDeletes holds broker message IDs whose processing finished but
	// whose DeleteMessage failed on an expired receipt handle. When the
	// broker redelivers one, it is deleted immediately instead of
	// reprocessed.
	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.RWMutex

	running bool
	mu      sync.Mutex
}

// Consume long-polls until ctx is cancelled or Stop is called, handing every
// received message to handler.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	slog.Info("Starting SQS consumer", "consumer", c.name, "queueURL", c.queueURL)

	for {
		select {
		case <-ctx.Done():
			slog.Info("SQS consumer context cancelled, stopping", "consumer", c.name)
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return ctx.Err()
		default:
		}

		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			slog.Info("SQS consumer stopped", "consumer", c.name)
			return nil
		}

		batchSize, err := c.pollOnce(ctx, handler)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Error polling SQS messages", "error", err, "consumer", c.name)
			time.Sleep(time.Second)
			continue
		}

		// Pace the next receive on how full this batch was: an empty batch
		// means the queue is likely drained, a partial batch lets a little
		// accumulate, a full batch polls again immediately.
		if batchSize == 0 {
			time.Sleep(time.Second)
		} else if batchSize < int(c.maxNumberOfMessages) {
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func (c *Consumer) pollOnce(ctx context.Context, handler func(queue.Message) error) (int, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   c.maxNumberOfMessages,
		WaitTimeSeconds:       c.waitTimeSeconds,
		VisibilityTimeout:     c.visibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to receive messages: %w", err)
	}

	received := 0
	for _, msg := range result.Messages {
		brokerID := aws.ToString(msg.MessageId)

		c.pendingDeletesMu.RLock()
		_, isPendingDelete := c.pendingDeletes[brokerID]
		c.pendingDeletesMu.RUnlock()

		if isPendingDelete {
			slog.Info("Redelivery of an already-processed message, deleting", "sqsMessageId", brokerID)
			if err := c.deleteMessage(ctx, msg.ReceiptHandle); err != nil {
				slog.Warn("Failed to delete previously processed message", "error", err, "sqsMessageId", brokerID)
			} else {
				c.pendingDeletesMu.Lock()
				delete(c.pendingDeletes, brokerID)
				c.pendingDeletesMu.Unlock()
			}
			continue
		}

		wrapped := &SQSMessage{
			msg:               &msg,
			client:            c.client,
			queueURL:          c.queueURL,
			sqsMessageID:      brokerID,
			receiptHandle:     aws.ToString(msg.ReceiptHandle),
			visibilityTimeout: c.visibilityTimeout,
			consumer:          c,
		}

		metrics.QueueMessagesConsumed.WithLabelValues(queueTypeLabel).Inc()
		if err := handler(wrapped); err != nil {
			slog.Error("Message handler error", "error", err, "messageId", brokerID, "consumer", c.name)
		}

		received++
	}

	return received, nil
}

func (c *Consumer) deleteMessage(ctx context.Context, receiptHandle *string) error {
	if receiptHandle == nil {
		return nil
	}

	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	}

	_, err := c.client.DeleteMessage(ctx, input)
	return err
}

func (c *Consumer) markForDeletion(sqsMessageID string) {
	c.pendingDeletesMu.Lock()
	c.pendingDeletes[sqsMessageID] = struct{}{}
	c.pendingDeletesMu.Unlock()
	slog.Info("SQS message marked for deletion on next poll", "sqsMessageId", sqsMessageID)
}

// Stop makes the consume loop exit after its current poll.
func (c *Consumer) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Close stops the consumer.
func (c *Consumer) Close() error {
	c.Stop()
	slog.Info("SQS consumer closed", "consumer", c.name)
	return nil
}

// SQSMessage implements queue.Message over one received SQS delivery.
type SQSMessage struct {
	msg               *types.Message
	client            SQSClientAPI
	queueURL          string
	sqsMessageID      string
	receiptHandle     string
	visibilityTimeout int32
	consumer          *Consumer
}

// ID returns the broker-assigned message id.
func (m *SQSMessage) ID() string {
	return m.sqsMessageID
}

// Data returns the message body.
func (m *SQSMessage) Data() []byte {
	if m.msg.Body != nil {
		return []byte(*m.msg.Body)
	}
	return nil
}

// Subject returns the Subject message attribute, if present.
func (m *SQSMessage) Subject() string {
	if attr, ok := m.msg.MessageAttributes["Subject"]; ok {
		if attr.StringValue != nil {
			return *attr.StringValue
		}
	}
	return ""
}

// MessageGroup returns the FIFO message group id, if any.
func (m *SQSMessage) MessageGroup() string {
	if m.msg.Attributes != nil {
		if group, ok := m.msg.Attributes["MessageGroupId"]; ok {
			return group
		}
	}
	return ""
}

// Ack deletes the message. If the receipt handle has expired (processing
// outlived the visibility window), the message is marked so its redelivery
// gets deleted on arrival instead of reprocessed.
func (m *SQSMessage) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.queueURL),
		ReceiptHandle: aws.String(m.receiptHandle),
	}

	if _, err := m.client.DeleteMessage(ctx, input); err != nil {
		if isReceiptHandleExpiredError(err) {
			m.consumer.markForDeletion(m.sqsMessageID)
			slog.Info("Receipt handle expired, marked for deletion on next poll", "sqsMessageId", m.sqsMessageID)
			return nil
		}
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}

	slog.Debug("SQS message deleted", "sqsMessageId", m.sqsMessageID)
	return nil
}

// Nak is a no-op: the message reappears when its visibility timeout expires.
func (m *SQSMessage) Nak() error {
	slog.Debug("SQS nack, message redelivers after visibility timeout", "sqsMessageId", m.sqsMessageID)
	return nil
}

// NakWithDelay makes the message reappear after delay via
// ChangeMessageVisibility.
func (m *SQSMessage) NakWithDelay(delay time.Duration) error {
	return m.changeVisibility(clampVisibility(int32(delay.Seconds())))
}

// InProgress restarts the visibility window to keep ownership of a
// still-processing message.
func (m *SQSMessage) InProgress() error {
	return m.changeVisibility(m.visibilityTimeout)
}

// SetFastFailVisibility requeues the message quickly, for rejections that
// clear on their own (rate limit, pool full).
func (m *SQSMessage) SetFastFailVisibility() error {
	return m.changeVisibility(FastFailVisibilitySeconds)
}

// ResetVisibilityToDefault applies the standard failure requeue delay.
func (m *SQSMessage) ResetVisibilityToDefault() error {
	return m.changeVisibility(DefaultVisibilitySeconds)
}

// SetVisibilityDelay requeues the message after an arbitrary delay.
func (m *SQSMessage) SetVisibilityDelay(seconds int32) error {
	return m.changeVisibility(clampVisibility(seconds))
}

// ExtendVisibility lengthens the current visibility window.
func (m *SQSMessage) ExtendVisibility(seconds int32) error {
	return m.changeVisibility(seconds)
}

func clampVisibility(seconds int32) int32 {
	if seconds < 0 {
		return 0
	}
	if seconds > MaxVisibilitySeconds {
		return MaxVisibilitySeconds
	}
	return seconds
}

func (m *SQSMessage) changeVisibility(timeout int32) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.queueURL),
		ReceiptHandle:     aws.String(m.receiptHandle),
		VisibilityTimeout: timeout,
	}

	if _, err := m.client.ChangeMessageVisibility(ctx, input); err != nil {
		if isReceiptHandleExpiredError(err) {
			slog.Debug("Receipt handle expired, cannot change visibility", "sqsMessageId", m.sqsMessageID)
			return nil
		}
		return fmt.Errorf("failed to change message visibility: %w", err)
	}

	slog.Debug("Changed message visibility", "sqsMessageId", m.sqsMessageID, "timeout", timeout)
	return nil
}

// UpdateReceiptHandle swaps in the handle from a newer delivery of the same
// message, so the eventual ack/nack targets the live delivery.
func (m *SQSMessage) UpdateReceiptHandle(newReceiptHandle string) {
	slog.Info("Updating receipt handle due to redelivery", "sqsMessageId", m.sqsMessageID)
	m.receiptHandle = newReceiptHandle
}

// GetReceiptHandle returns the current receipt handle.
func (m *SQSMessage) GetReceiptHandle() string {
	return m.receiptHandle
}

// Metadata flattens the message attributes into a string map.
func (m *SQSMessage) Metadata() map[string]string {
	result := make(map[string]string)
	for k, v := range m.msg.MessageAttributes {
		if v.StringValue != nil {
			result[k] = *v.StringValue
		}
	}
	return result
}

func isReceiptHandleExpiredError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "receipt handle has expired") ||
		strings.Contains(s, "ReceiptHandleIsInvalid")
}
