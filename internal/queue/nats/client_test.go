package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/internal/queue"
)

// fakeJetStreamMsg implements jetstream.Msg for exercising NATSMessage
// without a server.
type fakeJetStreamMsg struct {
	data    []byte
	subject string
	headers nats.Header
	meta    *jetstream.MsgMetadata

	acked      bool
	naked      bool
	nakDelay   time.Duration
	inProgress int
}

func (f *fakeJetStreamMsg) Metadata() (*jetstream.MsgMetadata, error) {
	if f.meta == nil {
		return nil, errors.New("no metadata")
	}
	return f.meta, nil
}
func (f *fakeJetStreamMsg) Data() []byte         { return f.data }
func (f *fakeJetStreamMsg) Headers() nats.Header { return f.headers }
func (f *fakeJetStreamMsg) Subject() string      { return f.subject }
func (f *fakeJetStreamMsg) Reply() string        { return "" }
func (f *fakeJetStreamMsg) Ack() error {
	f.acked = true
	return nil
}
func (f *fakeJetStreamMsg) DoubleAck(ctx context.Context) error { return f.Ack() }
func (f *fakeJetStreamMsg) Nak() error {
	f.naked = true
	return nil
}
func (f *fakeJetStreamMsg) NakWithDelay(delay time.Duration) error {
	f.naked = true
	f.nakDelay = delay
	return nil
}
func (f *fakeJetStreamMsg) InProgress() error {
	f.inProgress++
	return nil
}
func (f *fakeJetStreamMsg) Term() error                        { return nil }
func (f *fakeJetStreamMsg) TermWithReason(reason string) error { return nil }

var _ jetstream.Msg = (*fakeJetStreamMsg)(nil)

func TestNATSMessageIDFromHeader(t *testing.T) {
	headers := make(nats.Header)
	headers.Set(headerMessageID, "msg-42")

	msg := &NATSMessage{msg: &fakeJetStreamMsg{headers: headers}}

	if msg.ID() != "msg-42" {
		t.Errorf("Expected ID from dedup header, got %q", msg.ID())
	}
}

func TestNATSMessageIDFallsBackToSequence(t *testing.T) {
	fake := &fakeJetStreamMsg{
		headers: make(nats.Header),
		meta: &jetstream.MsgMetadata{
			Stream:   "DISPATCH",
			Sequence: jetstream.SequencePair{Stream: 17},
		},
	}

	msg := &NATSMessage{msg: fake}

	if msg.ID() != "DISPATCH:17" {
		t.Errorf("Expected stream:sequence fallback, got %q", msg.ID())
	}
}

func TestNATSMessageGroupHeader(t *testing.T) {
	headers := make(nats.Header)
	headers.Set(headerMessageGroup, "group-9")

	msg := &NATSMessage{msg: &fakeJetStreamMsg{headers: headers}}

	if msg.MessageGroup() != "group-9" {
		t.Errorf("Expected group from header, got %q", msg.MessageGroup())
	}
}

func TestNATSMessageAckNak(t *testing.T) {
	fake := &fakeJetStreamMsg{headers: make(nats.Header)}
	msg := &NATSMessage{msg: fake}

	if err := msg.Ack(); err != nil {
		t.Fatalf("Ack returned error: %v", err)
	}
	if !fake.acked {
		t.Error("Ack did not reach the underlying message")
	}

	if err := msg.NakWithDelay(30 * time.Second); err != nil {
		t.Fatalf("NakWithDelay returned error: %v", err)
	}
	if !fake.naked || fake.nakDelay != 30*time.Second {
		t.Errorf("NakWithDelay not forwarded, naked=%v delay=%v", fake.naked, fake.nakDelay)
	}
}

func TestNATSMessageMetadataFlattensHeaders(t *testing.T) {
	headers := make(nats.Header)
	headers.Set("X-Meta-priority", "high")
	headers.Set(headerMessageGroup, "g1")

	msg := &NATSMessage{msg: &fakeJetStreamMsg{headers: headers}}

	meta := msg.Metadata()
	if meta["X-Meta-priority"] != "high" {
		t.Errorf("Expected flattened header, got %v", meta)
	}
}

func TestNewPublisher(t *testing.T) {
	publisher := NewPublisher(nil, "TEST")

	if publisher == nil {
		t.Fatal("NewPublisher returned nil")
	}
	if publisher.stream != "TEST" {
		t.Errorf("Expected stream 'TEST', got %q", publisher.stream)
	}
	if err := publisher.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}

func TestNewConsumer(t *testing.T) {
	consumer := NewConsumer(nil, "test-consumer")

	if consumer == nil {
		t.Fatal("NewConsumer returned nil")
	}
	if consumer.name != "test-consumer" {
		t.Errorf("Expected name 'test-consumer', got %q", consumer.name)
	}
	if err := consumer.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}

func TestMessageBuilderCarriesAttributes(t *testing.T) {
	builder := queue.NewMessageBuilder("dispatch.jobs").
		WithData([]byte(`{"event": "test"}`)).
		WithMessageGroup("group-1").
		WithDeduplicationID("dedup-123").
		WithMetadata("priority", "high")

	if builder.Subject() != "dispatch.jobs" {
		t.Errorf("Expected subject 'dispatch.jobs', got %q", builder.Subject())
	}
	if builder.MessageGroup() != "group-1" {
		t.Errorf("Expected message group 'group-1', got %q", builder.MessageGroup())
	}
	if builder.DeduplicationID() != "dedup-123" {
		t.Errorf("Expected deduplication ID 'dedup-123', got %q", builder.DeduplicationID())
	}
	if builder.Metadata()["priority"] != "high" {
		t.Errorf("Expected priority 'high', got %q", builder.Metadata()["priority"])
	}
}
