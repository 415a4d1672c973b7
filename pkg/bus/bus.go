// Package bus implements CountBot's priority inbound queue with
// deduplication, retry-with-demotion, a dead-letter queue, and a single
// FIFO outbound queue. Grounded on picoclaw's MessageBus (channel-based
// publish/consume, non-blocking producers, closeOnce shutdown) and
// enriched with the priority/dedup/DLQ/persistence semantics of the
// original Python EnterpriseMessageQueue.
package bus

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/picoclaw/pkg/logger"
)

const dlqCapacityWarn = 10000

type deadLetter struct {
	Message *QueuedMessage
	Err     string
}

// MessageBus is the priority inbound queue plus the outbound FIFO.
type MessageBus struct {
	mu        sync.Mutex
	queues    [4][]*QueuedMessage // indexed by Priority
	outbound  []OutboundMessage
	dlq       []deadLetter
	notify    chan struct{}
	outNotify chan struct{}

	dedupEnabled bool
	dedupWindow  time.Duration
	fingerprints map[string]time.Time

	persistDir  string
	persistence bool

	handlers map[string]MessageHandler

	metrics Metrics

	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a MessageBus at construction.
type Option func(*MessageBus)

// WithDedupWindow overrides the default 60s dedup window.
func WithDedupWindow(d time.Duration) Option {
	return func(mb *MessageBus) { mb.dedupWindow = d }
}

// WithPersistence enables on-disk JSON persistence of queued messages
// under dir, one file per message named "{uuid}.json".
func WithPersistence(dir string) Option {
	return func(mb *MessageBus) {
		mb.persistence = true
		mb.persistDir = dir
	}
}

// DisableDedup turns off fingerprint-based deduplication (tests only).
func DisableDedup() Option {
	return func(mb *MessageBus) { mb.dedupEnabled = false }
}

func NewMessageBus(opts ...Option) *MessageBus {
	mb := &MessageBus{
		notify:       make(chan struct{}, 1),
		outNotify:    make(chan struct{}, 1),
		dedupEnabled: true,
		dedupWindow:  60 * time.Second,
		fingerprints: make(map[string]time.Time),
		handlers:     make(map[string]MessageHandler),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(mb)
	}
	if mb.persistence && mb.persistDir != "" {
		if err := os.MkdirAll(mb.persistDir, 0o755); err != nil {
			logger.ErrorCF("bus", "failed to create persistence dir", map[string]interface{}{"error": err.Error()})
			mb.persistence = false
		}
	}
	return mb
}

func fingerprint(msg InboundMessage) string {
	raw := fmt.Sprintf("%s:%s:%s:%s", msg.Channel, msg.ChatID, msg.SenderID, msg.Content)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// isDuplicate checks and lazily evicts an expired fingerprint. Caller
// holds mb.mu.
func (mb *MessageBus) isDuplicate(fp string) bool {
	ts, ok := mb.fingerprints[fp]
	if !ok {
		return false
	}
	if time.Since(ts) > mb.dedupWindow {
		delete(mb.fingerprints, fp)
		return false
	}
	return true
}

func (mb *MessageBus) signalInbound() {
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

func (mb *MessageBus) signalOutbound() {
	select {
	case mb.outNotify <- struct{}{}:
	default:
	}
}

// Enqueue applies dedup and pushes msg onto its priority sub-queue,
// optionally persisting it to disk. Returns false when dropped as a
// duplicate.
func (mb *MessageBus) Enqueue(msg InboundMessage, priority Priority) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}

	if mb.dedupEnabled {
		fp := fingerprint(msg)
		if mb.isDuplicate(fp) {
			mb.metrics.TotalDuplicates++
			mb.mu.Unlock()
			logger.WarnCF("bus", "duplicate message dropped", map[string]interface{}{
				"channel": msg.Channel, "sender": msg.SenderID,
			})
			return false
		}
		mb.fingerprints[fp] = time.Now()
	}

	qm := &QueuedMessage{
		ID:         uuid.NewString(),
		Message:    msg,
		Priority:   priority,
		Timestamp:  time.Now().UnixMilli(),
		MaxRetries: 3,
	}

	mb.queues[priority] = append(mb.queues[priority], qm)
	mb.metrics.TotalReceived++
	mb.mu.Unlock()

	if mb.persistence {
		mb.persist(qm)
	}

	mb.signalInbound()
	return true
}

// PublishInbound enqueues msg at NORMAL priority, preserving the
// reference bus's simple publish API; never blocks the caller.
func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.Enqueue(msg, PriorityNormal)
}

// popHighest returns and removes the head of the highest-priority
// non-empty sub-queue. Caller holds mb.mu.
func (mb *MessageBus) popHighest() *QueuedMessage {
	for p := PriorityUrgent; p >= PriorityLow; p-- {
		q := mb.queues[p]
		if len(q) > 0 {
			qm := q[0]
			mb.queues[p] = q[1:]
			return qm
		}
	}
	return nil
}

// Dequeue blocks until a message is available, ctx is cancelled, or the
// bus is closed, returning messages in strict priority order.
func (mb *MessageBus) Dequeue(ctx context.Context) (*QueuedMessage, bool) {
	for {
		mb.mu.Lock()
		if mb.closed {
			mb.mu.Unlock()
			return nil, false
		}
		if qm := mb.popHighest(); qm != nil {
			mb.mu.Unlock()
			return qm, true
		}
		mb.mu.Unlock()

		select {
		case <-mb.notify:
			continue
		case <-mb.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// ConsumeInbound is the simple-message convenience wrapper over Dequeue
// used by callers that don't need retry/DLQ bookkeeping (tests, the CLI).
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	qm, ok := mb.Dequeue(ctx)
	if !ok {
		return InboundMessage{}, false
	}
	return qm.Message, true
}

// MarkSuccess deletes qm's persisted file (if any) and bumps the
// processed counter.
func (mb *MessageBus) MarkSuccess(qm *QueuedMessage) {
	mb.mu.Lock()
	mb.metrics.TotalProcessed++
	mb.mu.Unlock()
	if mb.persistence {
		mb.deletePersisted(qm.ID)
	}
}

// MarkFailed increments qm's retry count; if under the ceiling it is
// re-enqueued one priority level down (never below LOW), else it is
// pushed to the DLQ.
func (mb *MessageBus) MarkFailed(qm *QueuedMessage, cause error) {
	qm.RetryCount++

	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	if qm.RetryCount < qm.MaxRetries {
		lower := qm.Priority - 1
		if lower < PriorityLow {
			lower = PriorityLow
		}
		qm.Priority = lower
		mb.queues[lower] = append(mb.queues[lower], qm)
		mb.mu.Unlock()
		mb.signalInbound()
		logger.WarnCF("bus", "message retry", map[string]interface{}{
			"id": qm.ID, "retry": qm.RetryCount, "max": qm.MaxRetries,
		})
		return
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	mb.dlq = append(mb.dlq, deadLetter{Message: qm, Err: errMsg})
	mb.metrics.TotalFailed++
	dlqLen := len(mb.dlq)
	mb.mu.Unlock()

	logger.ErrorCF("bus", "message moved to DLQ", map[string]interface{}{"id": qm.ID, "error": errMsg})
	if dlqLen > dlqCapacityWarn {
		logger.WarnCF("bus", "dead letter queue growing large", map[string]interface{}{"size": dlqLen})
	}
}

// DeadLetters returns a snapshot of the dead-letter queue for inspection.
func (mb *MessageBus) DeadLetters() []*QueuedMessage {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]*QueuedMessage, 0, len(mb.dlq))
	for _, dl := range mb.dlq {
		out = append(out, dl.Message)
	}
	return out
}

// PublishOutbound enqueues msg on the outbound FIFO; never blocks.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.outbound = append(mb.outbound, msg)
	mb.mu.Unlock()
	mb.signalOutbound()
}

// SubscribeOutbound blocks until an outbound message is available, ctx
// is cancelled, or the bus is closed.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	for {
		mb.mu.Lock()
		if mb.closed {
			mb.mu.Unlock()
			return OutboundMessage{}, false
		}
		if len(mb.outbound) > 0 {
			msg := mb.outbound[0]
			mb.outbound = mb.outbound[1:]
			mb.mu.Unlock()
			return msg, true
		}
		mb.mu.Unlock()

		select {
		case <-mb.outNotify:
			continue
		case <-mb.done:
			return OutboundMessage{}, false
		case <-ctx.Done():
			return OutboundMessage{}, false
		}
	}
}

func (mb *MessageBus) RegisterHandler(channel string, handler MessageHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[channel] = handler
}

func (mb *MessageBus) GetHandler(channel string) (MessageHandler, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	handler, ok := mb.handlers[channel]
	return handler, ok
}

// Metrics returns a point-in-time snapshot of the bus's counters.
func (mb *MessageBus) Metrics() Metrics {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sizes := make(map[string]int, 4)
	for p := PriorityLow; p <= PriorityUrgent; p++ {
		sizes[p.String()] = len(mb.queues[p])
	}
	m := mb.metrics
	m.QueueSizes = sizes
	m.DeadLetterSize = len(mb.dlq)
	return m
}

// InboundSize returns the total depth across all inbound sub-queues.
func (mb *MessageBus) InboundSize() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	total := 0
	for _, q := range mb.queues {
		total += len(q)
	}
	return total
}

// OutboundSize returns the outbound FIFO depth.
func (mb *MessageBus) OutboundSize() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.outbound)
}

func (mb *MessageBus) persist(qm *QueuedMessage) {
	path := filepath.Join(mb.persistDir, qm.ID+".json")
	data, err := json.MarshalIndent(qm, "", "  ")
	if err != nil {
		logger.ErrorCF("bus", "failed to marshal persisted message", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.ErrorCF("bus", "failed to persist message", map[string]interface{}{"error": err.Error()})
	}
}

func (mb *MessageBus) deletePersisted(id string) {
	path := filepath.Join(mb.persistDir, id+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.ErrorCF("bus", "failed to delete persisted message", map[string]interface{}{"error": err.Error()})
	}
}

// Close shuts the bus down idempotently; further publishes are no-ops
// and pending consumers unblock with ok=false.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		mb.closed = true
		close(mb.done)
		mb.mu.Unlock()
	})
}
