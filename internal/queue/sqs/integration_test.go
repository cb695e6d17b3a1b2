//go:build integration

// Integration tests against a LocalStack SQS, exercising the real receive/
// delete/visibility wire behavior the unit tests mock out. Requires Docker.
package sqs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/queue/sqs/testutil"
)

// integrationSetup starts LocalStack, creates a queue via createQueue, and
// returns a client wired to it. Cleanup is registered on t.
func integrationSetup(t *testing.T, visibilityTimeout int32, createQueue func(ctx context.Context, ls *testutil.LocalStackContainer) (string, error)) (*Client, *testutil.LocalStackContainer) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	ls, err := testutil.StartLocalStack(ctx, t)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}
	t.Cleanup(func() { ls.Terminate(context.Background()) })

	queueURL, err := createQueue(ctx, ls)
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	client, err := NewClientWithConfig(ctx, &ClientConfig{
		QueueConfig: &queue.SQSConfig{
			QueueURL:            queueURL,
			Region:              "us-east-1",
			WaitTimeSeconds:     1, // keep test polls short
			VisibilityTimeout:   visibilityTimeout,
			MaxNumberOfMessages: 10,
		},
		CustomEndpoint:  ls.Endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client, ls
}

func standardQueue(name string) func(ctx context.Context, ls *testutil.LocalStackContainer) (string, error) {
	return func(ctx context.Context, ls *testutil.LocalStackContainer) (string, error) {
		return ls.CreateQueue(ctx, name)
	}
}

// waitForCount polls get until it reaches want or the deadline passes.
func waitForCount(t *testing.T, want int, timeout time.Duration, get func() int) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if get() >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("Timeout: reached only %d/%d", get(), want)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func TestSQSIntegration_PublishAndConsume(t *testing.T) {
	client, _ := integrationSetup(t, 30, standardQueue("test-queue"))
	ctx := context.Background()

	testData := `{"id": "msg-1", "poolCode": "POOL-A"}`
	if err := client.Publisher().Publish(ctx, "test.subject", []byte(testData)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "test-consumer", "")
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}

	received := make(chan queue.Message, 1)
	consumeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	go consumer.Consume(consumeCtx, func(msg queue.Message) error {
		received <- msg
		return msg.Ack()
	})

	select {
	case msg := <-received:
		if string(msg.Data()) != testData {
			t.Errorf("Unexpected message data: got %s, want %s", msg.Data(), testData)
		}
		if msg.Subject() != "test.subject" {
			t.Errorf("Unexpected subject: got %s, want test.subject", msg.Subject())
		}
	case <-consumeCtx.Done():
		t.Fatal("Timeout waiting for message")
	}
}

func TestSQSIntegration_FIFOOrdering(t *testing.T) {
	client, _ := integrationSetup(t, 30, func(ctx context.Context, ls *testutil.LocalStackContainer) (string, error) {
		return ls.CreateFIFOQueue(ctx, "test-fifo-queue")
	})
	ctx := context.Background()

	publisher := client.Publisher().(*Publisher)
	messages := []string{"first", "second", "third", "fourth", "fifth"}
	for _, msg := range messages {
		if err := publisher.PublishWithGroup(ctx, "order.test", []byte(msg), "order-group-1"); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	consumer, err := client.CreateConsumer(ctx, "fifo-consumer", "")
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}

	var mu sync.Mutex
	var received []string

	consumeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	go consumer.Consume(consumeCtx, func(msg queue.Message) error {
		mu.Lock()
		received = append(received, string(msg.Data()))
		mu.Unlock()
		return msg.Ack()
	})

	waitForCount(t, len(messages), 10*time.Second, func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(received)
	})

	mu.Lock()
	defer mu.Unlock()
	for i, expected := range messages {
		if received[i] != expected {
			t.Errorf("Message %d: got %s, want %s", i, received[i], expected)
		}
	}
}

func TestSQSIntegration_RedeliveryAfterVisibilityTimeout(t *testing.T) {
	client, _ := integrationSetup(t, 2, standardQueue("visibility-test-queue"))
	ctx := context.Background()

	if err := client.Publisher().Publish(ctx, "visibility.test", []byte("test-message")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "visibility-consumer", "")
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}

	var mu sync.Mutex
	deliveries := 0

	consumeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	go consumer.Consume(consumeCtx, func(msg queue.Message) error {
		mu.Lock()
		deliveries++
		count := deliveries
		mu.Unlock()

		if count == 1 {
			// First delivery nacks; the 2s visibility window should bring
			// the message back.
			return msg.Nak()
		}
		return msg.Ack()
	})

	waitForCount(t, 2, 10*time.Second, func() int {
		mu.Lock()
		defer mu.Unlock()
		return deliveries
	})
}

func TestSQSIntegration_BatchPublish(t *testing.T) {
	client, _ := integrationSetup(t, 30, standardQueue("batch-test-queue"))
	ctx := context.Background()

	// 25 messages exercise chunking across three SendMessageBatch calls.
	publisher := client.Publisher().(*Publisher)
	var messages []*queue.MessageBuilder
	for i := 0; i < 25; i++ {
		messages = append(messages, queue.NewMessageBuilder("batch.test").
			WithData([]byte(fmt.Sprintf(`{"index": %d}`, i))))
	}

	if err := publisher.PublishBatch(ctx, messages); err != nil {
		t.Fatalf("Failed to publish batch: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "batch-consumer", "")
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}

	var mu sync.Mutex
	received := 0

	consumeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	go consumer.Consume(consumeCtx, func(msg queue.Message) error {
		mu.Lock()
		received++
		mu.Unlock()
		return msg.Ack()
	})

	waitForCount(t, 25, 15*time.Second, func() int {
		mu.Lock()
		defer mu.Unlock()
		return received
	})
}

func TestSQSIntegration_MessageAttributes(t *testing.T) {
	client, _ := integrationSetup(t, 30, standardQueue("attributes-test-queue"))
	ctx := context.Background()

	testSubject := "custom.subject.test"
	if err := client.Publisher().Publish(ctx, testSubject, []byte("attribute-test")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "attributes-consumer", "")
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}

	received := make(chan queue.Message, 1)
	consumeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	go consumer.Consume(consumeCtx, func(msg queue.Message) error {
		received <- msg
		return msg.Ack()
	})

	select {
	case msg := <-received:
		if msg.Subject() != testSubject {
			t.Errorf("Subject mismatch: got %s, want %s", msg.Subject(), testSubject)
		}
		if msg.Metadata()["Subject"] != testSubject {
			t.Errorf("Metadata Subject mismatch: got %s, want %s", msg.Metadata()["Subject"], testSubject)
		}
		if msg.ID() == "" {
			t.Error("Message ID should not be empty")
		}
	case <-consumeCtx.Done():
		t.Fatal("Timeout waiting for message")
	}
}

func TestSQSIntegration_Deduplication(t *testing.T) {
	client, _ := integrationSetup(t, 30, func(ctx context.Context, ls *testutil.LocalStackContainer) (string, error) {
		return ls.CreateFIFOQueueWithDeduplication(ctx, "dedup-test-queue")
	})
	ctx := context.Background()

	publisher := client.Publisher().(*Publisher)

	// Three sends with one dedup id should surface as one message.
	for i := 0; i < 3; i++ {
		if err := publisher.PublishWithDeduplication(ctx, "dedup.test", []byte("duplicate-message"), "unique-dedup-id-123"); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}
	if err := publisher.PublishWithDeduplication(ctx, "dedup.test", []byte("unique-message"), "different-dedup-id"); err != nil {
		t.Fatalf("Failed to publish unique message: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "dedup-consumer", "")
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}

	var mu sync.Mutex
	var receivedMessages []string

	consumeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	go consumer.Consume(consumeCtx, func(msg queue.Message) error {
		mu.Lock()
		receivedMessages = append(receivedMessages, string(msg.Data()))
		mu.Unlock()
		return msg.Ack()
	})

	// Give the suppressed duplicates time to (not) arrive.
	time.Sleep(5 * time.Second)

	mu.Lock()
	count := len(receivedMessages)
	mu.Unlock()

	if count != 2 {
		t.Errorf("Expected 2 messages (1 deduplicated + 1 unique), got %d", count)
	}
}

func TestSQSIntegration_HealthCheck(t *testing.T) {
	client, _ := integrationSetup(t, 30, standardQueue("health-test-queue"))

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("Health check failed: %v", err)
	}
}

func TestSQSIntegration_MultipleConsumers(t *testing.T) {
	client, _ := integrationSetup(t, 30, standardQueue("multi-consumer-queue"))
	ctx := context.Background()

	publisher := client.Publisher()
	for i := 0; i < 20; i++ {
		if err := publisher.Publish(ctx, "multi.test", []byte(fmt.Sprintf(`{"index": %d}`, i))); err != nil {
			t.Fatalf("Failed to publish message %d: %v", i, err)
		}
	}

	var consumers []*Consumer
	for i := 0; i < 3; i++ {
		consumer, err := client.CreateConsumer(ctx, fmt.Sprintf("consumer-%d", i), "")
		if err != nil {
			t.Fatalf("Failed to create consumer %d: %v", i, err)
		}
		consumers = append(consumers, consumer)
	}

	var mu sync.Mutex
	received := 0

	consumeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	for _, consumer := range consumers {
		go consumer.Consume(consumeCtx, func(msg queue.Message) error {
			mu.Lock()
			received++
			mu.Unlock()
			return msg.Ack()
		})
	}

	waitForCount(t, 20, 15*time.Second, func() int {
		mu.Lock()
		defer mu.Unlock()
		return received
	})
}
