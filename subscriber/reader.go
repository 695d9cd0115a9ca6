package subscriber

import (
	"context"
	"sync"
	"time"

	"github.com/jabolina/mybus/headers"
	"github.com/jabolina/mybus/internal/wire"
	"github.com/jabolina/mybus/intervals"
	"github.com/jabolina/mybus/serializer"
)

// intermediaryInterval is the client-side progress-report timer: once a
// batch has been "in flight" this long, a partial progress snapshot is
// sent even though the batch isn't finished yet.
const intermediaryInterval = 5 * time.Second

// DeliveredMessage is one message handed to a subscription handler,
// carrying a back-reference to the per-batch MessagesReader so its
// MarkDelivered/MarkNotDelivered convenience methods can forward to the
// reader's mark_current_* calls directly on the message, not only on the
// reader.
type DeliveredMessage[T any] struct {
	ID         int64
	AttemptNo  int32
	Headers    *headers.Headers
	RawContent []byte
	Decoded    T

	reader *MessagesReader[T]
}

// Telemetry extracts the process-id header round-tripped from publish,
// if the producer attached one.
func (m *DeliveredMessage[T]) Telemetry() (string, bool) {
	return Telemetry(m.Headers)
}

// MarkDelivered is a forwarder to the owning reader's
// MarkCurrentDelivered, valid only while m is still the reader's
// "current" message (i.e. it hasn't been superseded by a later next()).
func (m *DeliveredMessage[T]) MarkDelivered() {
	if m.reader != nil {
		m.reader.MarkCurrentDelivered()
	}
}

// MarkNotDelivered is a forwarder to the owning reader's
// MarkCurrentNotDelivered.
func (m *DeliveredMessage[T]) MarkNotDelivered() {
	if m.reader != nil {
		m.reader.MarkCurrentNotDelivered()
	}
}

// typedRegistration binds one (topic, queue) subscription to its
// application type T: the Deserializer used to build DeliveredMessage[T]
// values and the handler that processes a batch via a MessagesReader[T].
type typedRegistration[T any] struct {
	topicID      string
	queueID      string
	qt           wire.QueueType
	deserializer serializer.Deserializer[T]
	handler      func(ctx context.Context, reader *MessagesReader[T]) error
}

func (r *typedRegistration[T]) topic() string          { return r.topicID }
func (r *typedRegistration[T]) queue() string          { return r.queueID }
func (r *typedRegistration[T]) queueType() wire.QueueType { return r.qt }

func (r *typedRegistration[T]) dispatch(ctx context.Context, eng *Engine, nm wire.NewMessages) {
	messages := make([]*DeliveredMessage[T], 0, len(nm.Messages))
	dropped := 0

	for _, raw := range nm.Messages {
		if eng.ignore.matches(r.topicID, r.queueID, raw.ID) {
			eng.log.Warnf("dropping poison-pill message %d on %s/%s", raw.ID, r.topicID, r.queueID)
			dropped++
			continue
		}
		value, err := r.deserializer.Deserialize(raw.Content, raw.Headers)
		if err != nil {
			eng.log.Warnf("dropping undeserializable message %d on %s/%s: %v", raw.ID, r.topicID, r.queueID, err)
			dropped++
			continue
		}
		messages = append(messages, &DeliveredMessage[T]{
			ID:         raw.ID,
			AttemptNo:  raw.AttemptNo,
			Headers:    raw.Headers,
			RawContent: raw.Content,
			Decoded:    value,
		})
	}

	if len(messages) == 0 {
		if len(nm.Messages) > 0 {
			eng.log.Errorf("every message in batch confirmation_id=%d on %s/%s failed to deserialize or was filtered; acking batch to avoid redelivery", nm.ConfirmationID, r.topicID, r.queueID)
			if err := eng.sendFrame(ctx, wire.AllMessagesDelivered{TopicID: r.topicID, QueueID: r.queueID, ConfirmationID: nm.ConfirmationID}); err != nil {
				eng.log.Warnf("failed to ack unprocessable batch confirmation_id=%d: %v", nm.ConfirmationID, err)
			}
			eng.metrics.ConfirmOutcomes.WithLabelValues("ok_all_unprocessable").Inc()
		}
		return
	}

	reader := newMessagesReader(eng, r.topicID, r.queueID, nm.ConfirmationID, messages, dropped)
	dispatchToHandler(eng, ctx, reader, r.handler)
}

// dispatchToHandler runs handler in its own goroutine, one per delivered
// batch, guaranteeing reader.Close()'s drop-time finalization runs even
// if the handler panics, then re-panics so the failure is still
// observable by whatever drives this Engine. A package-level generic
// function, since Engine methods can't themselves carry type parameters
// in Go.
func dispatchToHandler[T any](eng *Engine, ctx context.Context, reader *MessagesReader[T], handler func(context.Context, *MessagesReader[T]) error) {
	go func() {
		defer func() {
			reader.Close()
			if rec := recover(); rec != nil {
				eng.log.Errorf("subscriber handler panicked: %v", rec)
				panic(rec)
			}
		}()
		if err := handler(ctx, reader); err != nil {
			eng.log.Warnf("subscriber handler returned error: %v", err)
		}
	}()
}

// MessagesReader is the per-batch delivery state machine: it tracks
// which of a delivered batch's messages have been processed successfully,
// partially, or not at all, emits intermediary progress, and issues the
// final confirmation decision exactly once when Close runs.
type MessagesReader[T any] struct {
	mu sync.Mutex

	eng            *Engine
	topicID        string
	queueID        string
	confirmationID int64
	total          int64

	pending []*DeliveredMessage[T]
	current *DeliveredMessage[T]

	delivered    *intervals.IntervalSet
	notDelivered *intervals.IntervalSet

	lastIntermediarySnapshot []intervals.IndexRange
	lastIntermediaryAt       time.Time

	debug bool

	closeOnce sync.Once
}

func newMessagesReader[T any](eng *Engine, topicID, queueID string, confirmationID int64, messages []*DeliveredMessage[T], dropped int) *MessagesReader[T] {
	r := &MessagesReader[T]{
		eng:                eng,
		topicID:            topicID,
		queueID:            queueID,
		confirmationID:     confirmationID,
		total:              int64(len(messages)),
		pending:            messages,
		delivered:          intervals.New(),
		notDelivered:       intervals.New(),
		lastIntermediaryAt: time.Now(),
		debug:              eng.debugTopic != "" && eng.debugTopic == topicID,
	}
	for _, m := range messages {
		m.reader = r
	}
	if r.debug {
		eng.log.Debugf("batch debug %s/%s confirmation_id=%d total=%d dropped=%d", topicID, queueID, confirmationID, r.total, dropped)
	}
	return r
}

// Next returns the next undelivered message, or (nil, false) once the
// batch is drained. The previously-current message is implicitly
// promoted to delivered unless the handler already called
// MarkCurrentNotDelivered on it.
func (r *MessagesReader[T]) Next(ctx context.Context) (*DeliveredMessage[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.promoteCurrentLocked()
	r.maybeSendIntermediaryLocked(ctx)

	if len(r.pending) == 0 {
		return nil, false
	}
	m := r.pending[0]
	r.pending = r.pending[1:]
	r.current = m
	r.eng.metrics.MessagesDelivered.Inc()
	return m, true
}

// All transfers ownership of every remaining pending message to the
// caller as a slice, recording each of them as delivered. The
// previously-current message is implicitly promoted first, same as Next.
func (r *MessagesReader[T]) All() []*DeliveredMessage[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.promoteCurrentLocked()
	rest := r.pending
	r.pending = nil
	for _, m := range rest {
		r.delivered.Enqueue(m.ID)
	}
	if n := len(rest); n > 0 {
		r.eng.metrics.MessagesDelivered.Add(float64(n))
	}
	return rest
}

func (r *MessagesReader[T]) promoteCurrentLocked() {
	if r.current == nil {
		return
	}
	if !r.notDelivered.HasMessage(r.current.ID) {
		r.delivered.Enqueue(r.current.ID)
	}
	r.current = nil
}

// MarkCurrentDelivered explicitly records the current message as
// delivered. Idempotent; a subsequent Next() will not implicitly promote
// it a second time since current is cleared here.
func (r *MessagesReader[T]) MarkCurrentDelivered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	r.delivered.Enqueue(r.current.ID)
	r.current = nil
}

// MarkCurrentNotDelivered explicitly records the current message as not
// delivered, removing it from delivered if it was already there.
func (r *MessagesReader[T]) MarkCurrentNotDelivered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	id := r.current.ID
	r.notDelivered.Enqueue(id)
	if r.delivered.HasMessage(id) {
		_ = r.delivered.Remove(id)
	}
	r.current = nil
}

func (r *MessagesReader[T]) maybeSendIntermediaryLocked(ctx context.Context) {
	if time.Since(r.lastIntermediaryAt) < intermediaryInterval {
		return
	}
	ranges, _ := r.delivered.Snapshot()
	if rangesEqual(ranges, r.lastIntermediarySnapshot) {
		return
	}
	r.lastIntermediarySnapshot = ranges
	r.lastIntermediaryAt = time.Now()

	frame := wire.IntermediaryConfirm{
		PacketVersion:  r.eng.state.PacketVersion(wire.PacketIntermediaryConfirm),
		TopicID:        r.topicID,
		QueueID:        r.queueID,
		ConfirmationID: r.confirmationID,
		Delivered:      intervals.FromSnapshot(ranges),
	}
	if err := r.eng.sendFrame(ctx, frame); err != nil {
		r.eng.log.Warnf("failed to send intermediary confirm for %s/%s confirmation_id=%d: %v", r.topicID, r.queueID, r.confirmationID, err)
	}
}

// Close runs the drop-time final decision exactly once (Go has no
// destructors, so Close stands in for a scoped/using-pattern finalizer).
// Safe to call multiple times and from a deferred recover() after a
// handler panic.
func (r *MessagesReader[T]) Close() error {
	r.closeOnce.Do(r.finalize)
	return nil
}

func (r *MessagesReader[T]) finalize() {
	r.mu.Lock()
	r.promoteCurrentLocked()
	deliveredSize := r.delivered.QueueSize()
	var frame wire.Frame
	var outcome string
	switch {
	case deliveredSize == r.total:
		frame = wire.AllMessagesDelivered{TopicID: r.topicID, QueueID: r.queueID, ConfirmationID: r.confirmationID}
		outcome = "ok"
	case deliveredSize == 0:
		frame = wire.AllMessagesNotDelivered{TopicID: r.topicID, QueueID: r.queueID, ConfirmationID: r.confirmationID}
		outcome = "fail"
	default:
		ranges, _ := r.delivered.Snapshot()
		frame = wire.ConfirmSomeMessagesAsOk{
			PacketVersion:  r.eng.state.PacketVersion(wire.PacketConfirmSomeMessagesAsOk),
			TopicID:        r.topicID,
			QueueID:        r.queueID,
			ConfirmationID: r.confirmationID,
			Delivered:      intervals.FromSnapshot(ranges),
		}
		outcome = "partial"
	}
	r.mu.Unlock()

	r.eng.metrics.ConfirmOutcomes.WithLabelValues(outcome).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.eng.sendFrame(ctx, frame); err != nil {
		r.eng.log.Warnf("final confirmation for %s/%s confirmation_id=%d lost: %v (server will redeliver after its own timeout)", r.topicID, r.queueID, r.confirmationID, err)
	}
}

func rangesEqual(a, b []intervals.IndexRange) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
