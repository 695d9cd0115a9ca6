// Package publisher implements the publish-side engine: request-id
// allocation, one-shot completions awaiting a matching PublishResponse,
// and connection-loss failure propagation. Outstanding publish requests
// are tracked in a notify-channel map keyed by request id and guarded by
// a single mutex, resolved exactly once per request.
package publisher

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/jabolina/mybus/conn"
	"github.com/jabolina/mybus/headers"
	"github.com/jabolina/mybus/internal/log"
	"github.com/jabolina/mybus/internal/metrics"
	"github.com/jabolina/mybus/internal/wire"
	"github.com/jabolina/mybus/serializer"
)

type publishOutcome struct {
	err error
}

// queuedPublish is one publish call parked on the retry queue while no
// connection is attached (the retry=true branch of Publish/PublishMany).
type queuedPublish struct {
	topic    string
	messages []wire.MessageToPublish
	result   chan publishOutcome
}

// Engine is the publish-side engine for application values of type T,
// bound to a single Serializer[T]. One Engine is shared by every
// goroutine publishing through a given connection; SetConnection/
// HandleDisconnect are called by the code driving the connection's
// lifecycle, which lives outside this package.
type Engine[T any] struct {
	mu sync.Mutex

	serializer serializer.Serializer[T]
	state      *wire.ProtocolState
	conn       conn.Connection

	nextRequestID int64
	outstanding   map[int64]chan publishOutcome
	toPublish     []queuedPublish

	log     log.Logger
	metrics *metrics.Registry
}

// NewEngine builds an Engine with no attached connection. Pass
// metrics.Noop() when instrumentation isn't wired to a registerer.
func NewEngine[T any](s serializer.Serializer[T], state *wire.ProtocolState, logger log.Logger, reg *metrics.Registry) *Engine[T] {
	if logger == nil {
		logger = log.Noop()
	}
	if reg == nil {
		reg = metrics.Noop()
	}
	return &Engine[T]{
		serializer:  s,
		state:       state,
		outstanding: make(map[int64]chan publishOutcome),
		log:         logger,
		metrics:     reg,
	}
}

// State returns the ProtocolState this engine encodes Publish frames
// against, so callers driving the connection's inbound decode loop can
// share it with the subscriber side.
func (e *Engine[T]) State() *wire.ProtocolState { return e.state }

// SetConnection attaches c as the current connection and flushes any
// publish calls parked by a prior retry=true call made with no
// connection attached.
func (e *Engine[T]) SetConnection(c conn.Connection) {
	e.mu.Lock()
	e.conn = c
	queued := e.toPublish
	e.toPublish = nil
	e.mu.Unlock()

	for _, q := range queued {
		q := q
		go func() {
			err := e.sendFrame(context.Background(), q.topic, q.messages, true)
			select {
			case q.result <- publishOutcome{err: err}:
			default:
			}
		}()
	}
}

// HandleDisconnect detaches the current connection and fails every
// outstanding (already-sent) publish with ErrDisconnected.
func (e *Engine[T]) HandleDisconnect() {
	e.mu.Lock()
	e.conn = nil
	outstanding := e.outstanding
	e.outstanding = make(map[int64]chan publishOutcome)
	e.mu.Unlock()

	for _, notify := range outstanding {
		select {
		case notify <- publishOutcome{err: ErrDisconnected}:
		default:
		}
	}
}

// HandleFrame routes an inbound frame to whichever of this Engine's
// concerns it belongs to: a PublishResponse resolves an outstanding
// completion, while Greeting and PacketVersions update state, since those
// are the only two frame kinds allowed to mutate a ProtocolState once the
// connection is up. Every other frame kind is ignored here.
func (e *Engine[T]) HandleFrame(f wire.Frame) {
	switch fr := f.(type) {
	case wire.PublishResponse:
		e.HandlePublishResponse(fr)
	case wire.Greeting:
		e.state.ApplyGreeting(&fr)
	case wire.PacketVersions:
		e.state.ApplyPacketVersions(&fr)
	}
}

// HandlePublishResponse resolves the outstanding completion for resp, if
// any is still registered (a cancelled publish call may already have
// detached its completion).
func (e *Engine[T]) HandlePublishResponse(resp wire.PublishResponse) {
	e.mu.Lock()
	notify, ok := e.outstanding[resp.RequestID]
	if ok {
		delete(e.outstanding, resp.RequestID)
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	select {
	case notify <- publishOutcome{}:
	default:
	}
}

// Publish serializes value with h as its starting headers and sends it as
// a single-message Publish frame. retry=true parks the call on an
// internal queue instead of failing immediately when no connection is
// attached.
func (e *Engine[T]) Publish(ctx context.Context, topic string, value T, h *headers.Headers, retry bool) error {
	return e.PublishMany(ctx, topic, []T{value}, []*headers.Headers{h}, retry)
}

// PublishMany serializes every value (paired by index with hdrs, which
// may be shorter than values — missing entries default to empty headers)
// and sends them as one Publish frame with multiple messages.
func (e *Engine[T]) PublishMany(ctx context.Context, topic string, values []T, hdrs []*headers.Headers, retry bool) error {
	messages := make([]wire.MessageToPublish, len(values))
	for i, v := range values {
		var in *headers.Headers
		if i < len(hdrs) && hdrs[i] != nil {
			in = hdrs[i]
		} else {
			in = headers.New(0)
		}
		content, out, err := e.serializer.Serialize(v, in)
		if err != nil {
			e.metrics.PublishFailures.WithLabelValues("serialization").Inc()
			return &serializer.SerializationError{Message: err.Error()}
		}
		messages[i] = wire.MessageToPublish{Headers: out, Content: content}
	}
	return e.sendFrame(ctx, topic, messages, retry)
}

// PublishPrepared sends an already-serialized batch of messages as a
// single Publish frame, bypassing this Engine's own Serializer[T]. The
// internal-queue publisher variant uses this to send batches it has
// already serialized and sized itself.
func (e *Engine[T]) PublishPrepared(ctx context.Context, topic string, messages []wire.MessageToPublish, retry bool) error {
	return e.sendFrame(ctx, topic, messages, retry)
}

func (e *Engine[T]) sendFrame(ctx context.Context, topic string, messages []wire.MessageToPublish, retry bool) error {
	e.mu.Lock()
	c := e.conn
	if c == nil {
		if !retry {
			e.mu.Unlock()
			return ErrNoConnectionToPublish
		}
		result := make(chan publishOutcome, 1)
		e.toPublish = append(e.toPublish, queuedPublish{topic: topic, messages: messages, result: result})
		e.mu.Unlock()
		select {
		case outcome := <-result:
			return outcome.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	requestID := e.nextRequestID
	e.nextRequestID++
	notify := make(chan publishOutcome, 1)
	e.outstanding[requestID] = notify
	e.mu.Unlock()

	frame := wire.Publish{
		TopicID:            topic,
		RequestID:          requestID,
		Messages:           messages,
		PersistImmediately: true,
	}
	encoded, err := wire.Encode(frame, e.state)
	if err != nil {
		e.mu.Lock()
		delete(e.outstanding, requestID)
		e.mu.Unlock()
		return pkgerrors.Wrap(err, "publish: encode frame")
	}

	start := time.Now()
	if err := c.Send(ctx, encoded); err != nil {
		e.mu.Lock()
		delete(e.outstanding, requestID)
		e.mu.Unlock()
		e.metrics.PublishFailures.WithLabelValues("transport").Inc()
		return &PublishOtherError{Message: err.Error()}
	}

	select {
	case outcome := <-notify:
		if outcome.err == nil {
			e.metrics.PublishLatency.Observe(time.Since(start).Seconds())
		} else {
			e.metrics.PublishFailures.WithLabelValues("disconnected").Inc()
		}
		return outcome.err
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.outstanding, requestID)
		e.mu.Unlock()
		return ctx.Err()
	}
}
