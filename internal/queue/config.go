package queue

import "time"

// QueueType names a message source implementation.
type QueueType string

const (
	// QueueTypeEmbedded is the in-process NATS server used for development.
	QueueTypeEmbedded QueueType = "embedded"
	// QueueTypeNATS is an external NATS JetStream deployment.
	QueueTypeNATS QueueType = "nats"
	// QueueTypeSQS is AWS SQS (standard or FIFO).
	QueueTypeSQS QueueType = "sqs"
)

// Config selects and configures a message source.
type Config struct {
	// Type is one of the QueueType values; empty means embedded.
	Type string

	// DataDir holds the embedded NATS server's JetStream storage.
	DataDir string

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig configures a JetStream source.
type NATSConfig struct {
	// URL of the NATS server, e.g. "nats://localhost:4222".
	URL string

	// StreamName is the JetStream stream consumed from.
	StreamName string

	// ConsumerName is the durable consumer name.
	ConsumerName string

	// Subjects filter which stream subjects are consumed.
	Subjects []string

	// MaxPending bounds unacknowledged deliveries.
	MaxPending int

	// AckWait is how long JetStream waits for an ack before redelivering.
	AckWait time.Duration

	// MaxDeliver caps delivery attempts per message.
	MaxDeliver int

	// MaxAge expires stream messages older than this.
	MaxAge time.Duration
}

// SQSConfig configures an SQS source.
type SQSConfig struct {
	QueueURL string
	Region   string

	// WaitTimeSeconds is the long-poll receive wait, at most 20.
	WaitTimeSeconds int32

	// VisibilityTimeout is how long a received message stays invisible,
	// in seconds.
	VisibilityTimeout int32

	// MaxNumberOfMessages per receive call, 1-10.
	MaxNumberOfMessages int32

	// MetricsPollIntervalSeconds is how often queue-depth attributes are
	// polled for metrics.
	MetricsPollIntervalSeconds int32
}
