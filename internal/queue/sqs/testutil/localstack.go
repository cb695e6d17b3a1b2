// Package testutil spins up a LocalStack container so SQS integration tests
// can run against a real SQS API without AWS credentials.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

// LocalStackContainer is a running LocalStack instance plus an SQS client
// pointed at it.
type LocalStackContainer struct {
	Container *localstack.LocalStackContainer
	Endpoint  string
	SQSClient *sqs.Client
	QueueURL  string
}

// StartLocalStack runs a LocalStack container with only the SQS service
// enabled.
func StartLocalStack(ctx context.Context, t *testing.T) (*LocalStackContainer, error) {
	t.Helper()

	container, err := localstack.Run(ctx,
		"localstack/localstack:3.0",
		testcontainers.WithEnv(map[string]string{
			"SERVICES": "sqs",
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start localstack: %w", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}

	sqsClient, err := newLocalStackSQSClient(ctx, "http://"+endpoint)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	return &LocalStackContainer{
		Container: container,
		Endpoint:  "http://" + endpoint,
		SQSClient: sqsClient,
	}, nil
}

func newLocalStackSQSClient(ctx context.Context, endpoint string) (*sqs.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"test", "test", "test",
		)),
	)
	if err != nil {
		return nil, err
	}

	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// CreateQueue creates a standard queue and remembers its URL.
func (l *LocalStackContainer) CreateQueue(ctx context.Context, name string) (string, error) {
	result, err := l.SQSClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create queue: %w", err)
	}
	l.QueueURL = *result.QueueUrl
	return l.QueueURL, nil
}

// CreateFIFOQueue creates a FIFO queue with content-based deduplication.
func (l *LocalStackContainer) CreateFIFOQueue(ctx context.Context, name string) (string, error) {
	result, err := l.SQSClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name + ".fifo"),
		Attributes: map[string]string{
			"FifoQueue":                 "true",
			"ContentBasedDeduplication": "true",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create FIFO queue: %w", err)
	}
	l.QueueURL = *result.QueueUrl
	return l.QueueURL, nil
}

// CreateFIFOQueueWithDeduplication creates a FIFO queue that requires
// explicit deduplication ids.
func (l *LocalStackContainer) CreateFIFOQueueWithDeduplication(ctx context.Context, name string) (string, error) {
	result, err := l.SQSClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name + ".fifo"),
		Attributes: map[string]string{
			"FifoQueue":                 "true",
			"ContentBasedDeduplication": "false",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create FIFO queue with deduplication: %w", err)
	}
	l.QueueURL = *result.QueueUrl
	return l.QueueURL, nil
}

// PurgeQueue removes every message from the current queue.
func (l *LocalStackContainer) PurgeQueue(ctx context.Context) error {
	if l.QueueURL == "" {
		return fmt.Errorf("no queue URL set")
	}
	_, err := l.SQSClient.PurgeQueue(ctx, &sqs.PurgeQueueInput{
		QueueUrl: aws.String(l.QueueURL),
	})
	return err
}

// GetQueueAttributes returns all attributes of the current queue.
func (l *LocalStackContainer) GetQueueAttributes(ctx context.Context) (map[string]string, error) {
	if l.QueueURL == "" {
		return nil, fmt.Errorf("no queue URL set")
	}
	result, err := l.SQSClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(l.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameAll},
	})
	if err != nil {
		return nil, err
	}
	return result.Attributes, nil
}

// Terminate stops and removes the container.
func (l *LocalStackContainer) Terminate(ctx context.Context) error {
	if l.Container != nil {
		return l.Container.Terminate(ctx)
	}
	return nil
}
