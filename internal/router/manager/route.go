package manager

import (
	"encoding/json"
	"log/slog"
	"time"

	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
)

// inFlight pairs a parsed message pointer with the queue message it came
// from, so the pool's ack/nack callback can act on the original message.
type inFlight struct {
	qmsg    queue.Message
	pointer *model.MessagePointer
}

// RouteMessage admits msg into the pipeline index and submits it to the
// appropriate pool. It returns false when the message should be nacked for
// redelivery: the pool rejected it (at capacity) or the manager is stopped.
//
// Three dedup outcomes are possible on admission:
//   - New message: admitted and submitted.
//   - Same broker ID already in-pipeline (visibility timeout redelivery):
//     rejected, caller should nack to let the broker retry later.
//   - Same application ID under a new broker ID (external requeue): the
//     duplicate is acked immediately to remove it from the queue.
func (m *QueueManager) RouteMessage(qmsg queue.Message) bool {
	if !m.isRunning() {
		return false
	}

	var pointer model.MessagePointer
	if err := json.Unmarshal(qmsg.Data(), &pointer); err != nil {
		slog.Error("Failed to unmarshal message pointer", "error", err)
		qmsg.Ack() // malformed payloads can never succeed; ack to stop redelivery
		return true
	}

	brokerID := qmsg.ID()
	admitted, existing := m.pipelineIdx.Admit(brokerID, pointer.ID, &inFlight{qmsg: qmsg, pointer: &pointer})
	if !admitted {
		if existing != nil {
			slog.Info("Requeued duplicate detected, acking to remove", "appMessageId", pointer.ID)
			qmsg.Ack()
			return true
		}
		slog.Debug("Duplicate message detected (in-flight redelivery), nacking for later retry", "appMessageId", pointer.ID)
		return false
	}

	poolCode := pointer.PoolCode
	if poolCode == "" {
		poolCode = DefaultPoolCode
	}

	p := m.GetOrCreatePool(&PoolConfig{
		Code:          poolCode,
		Concurrency:   DefaultPoolConcurrency,
		QueueCapacity: max(DefaultPoolConcurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity),
	})

	if !p.Submit(&pointer) {
		m.pipelineIdx.Release(brokerID, pointer.ID)
		slog.Warn("Pool rejected message", "pool", poolCode, "messageId", pointer.ID)
		return false
	}

	return true
}

// MessageCallbackImpl implements pool.MessageCallback, translating pool
// dispositions back into broker acks/nacks and releasing the pipeline entry.
type MessageCallbackImpl struct {
	manager *QueueManager
}

func (c *MessageCallbackImpl) lookup(msg *model.MessagePointer) (*inFlight, bool) {
	v, ok := c.manager.pipelineIdx.Lookup(msg.ID)
	if !ok {
		return nil, false
	}
	in, ok := v.(*inFlight)
	return in, ok
}

func (c *MessageCallbackImpl) release(msg *model.MessagePointer, in *inFlight) {
	brokerID := ""
	if in != nil {
		brokerID = in.qmsg.ID()
	}
	c.manager.pipelineIdx.Release(brokerID, msg.ID)
}

func (c *MessageCallbackImpl) Ack(msg *model.MessagePointer) {
	in, ok := c.lookup(msg)
	defer c.release(msg, in)
	if !ok {
		return
	}
	if err := in.qmsg.Ack(); err != nil {
		slog.Error("Failed to ack message", "error", err, "messageId", msg.ID)
	}
}

func (c *MessageCallbackImpl) Nack(msg *model.MessagePointer) {
	in, ok := c.lookup(msg)
	defer c.release(msg, in)
	if !ok {
		return
	}
	if err := in.qmsg.Nak(); err != nil {
		slog.Error("Failed to nack message", "error", err, "messageId", msg.ID)
	}
}

func (c *MessageCallbackImpl) SetVisibilityDelay(msg *model.MessagePointer, seconds int) {
	in, ok := c.lookup(msg)
	if !ok {
		return
	}
	if err := in.qmsg.NakWithDelay(time.Duration(seconds) * time.Second); err != nil {
		slog.Error("Failed to set visibility delay", "error", err, "messageId", msg.ID, "seconds", seconds)
	}
	c.release(msg, in)
}

func (c *MessageCallbackImpl) SetFastFailVisibility(msg *model.MessagePointer) {
	c.SetVisibilityDelay(msg, 1)
}

func (c *MessageCallbackImpl) ResetVisibilityToDefault(msg *model.MessagePointer) {
	in, ok := c.lookup(msg)
	defer c.release(msg, in)
	if !ok {
		return
	}
	if err := in.qmsg.Nak(); err != nil {
		slog.Error("Failed to reset visibility", "error", err, "messageId", msg.ID)
	}
}

var _ pool.MessageCallback = (*MessageCallbackImpl)(nil)
