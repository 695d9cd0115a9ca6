// Package internalqueue implements the internal-queue publisher variant:
// PublishAndForget appends to an in-process queue and a background
// worker drains it into greedy batches bounded by a configurable byte
// budget, pausing and retrying indefinitely on failure. The worker-loop
// shape is a goroutine draining a local queue rather than polling a
// transport.
package internalqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jabolina/mybus/headers"
	"github.com/jabolina/mybus/internal/log"
	"github.com/jabolina/mybus/internal/metrics"
	"github.com/jabolina/mybus/internal/wire"
	"github.com/jabolina/mybus/publisher"
	"github.com/jabolina/mybus/serializer"
)

// Config tunes the batching worker. MaxBatchBytes is a load-tuned knob,
// not a protocol constant.
type Config struct {
	MaxBatchBytes int
	RetryPause    time.Duration
}

// DefaultConfig returns the default batching knobs: 4 MB batches, 3
// second retry pause.
func DefaultConfig() Config {
	return Config{MaxBatchBytes: 4 << 20, RetryPause: 3 * time.Second}
}

type queuedMessage struct {
	correlationID string
	message       wire.MessageToPublish
	size          int
	done          chan error // nil for fire-and-forget
}

// Publisher is the internal-queue PublisherEngine variant for application
// values of type T.
type Publisher[T any] struct {
	cfg        Config
	serializer serializer.Serializer[T]
	engine     *publisher.Engine[T]
	log        log.Logger
	metrics    *metrics.Registry

	mu             sync.Mutex
	queue          []queuedTopicMessage
	beingPublished int

	wake   chan struct{}
	closed chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type queuedTopicMessage struct {
	topic string
	queuedMessage
}

// New starts the background draining worker over engine, batching with
// cfg (pass DefaultConfig() for reasonable defaults).
func New[T any](cfg Config, s serializer.Serializer[T], engine *publisher.Engine[T], logger log.Logger, reg *metrics.Registry) *Publisher[T] {
	if logger == nil {
		logger = log.Noop()
	}
	if reg == nil {
		reg = metrics.Noop()
	}
	p := &Publisher[T]{
		cfg:        cfg,
		serializer: s,
		engine:     engine,
		log:        logger,
		metrics:    reg,
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Close stops the background worker. Already-enqueued messages that
// haven't been sent are abandoned; callers awaiting PublishAndForgetSync
// receive ctx.Err() or block forever if ctx has no deadline.
func (p *Publisher[T]) Close() {
	p.stopOnce.Do(func() { close(p.closed) })
	p.wg.Wait()
}

// PublishAndForget serializes value synchronously (surfacing only
// SerializationError) then appends it to the queue and wakes the worker.
func (p *Publisher[T]) PublishAndForget(topic string, value T, h *headers.Headers) error {
	_, err := p.enqueue(topic, value, h, nil)
	return err
}

// PublishAndForgetSync serializes and enqueues value, then blocks until
// the batch containing it has actually been sent (not merely enqueued).
func (p *Publisher[T]) PublishAndForgetSync(ctx context.Context, topic string, value T, h *headers.Headers) error {
	done := make(chan error, 1)
	_, err := p.enqueue(topic, value, h, done)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher[T]) enqueue(topic string, value T, h *headers.Headers, done chan error) (string, error) {
	if h == nil {
		h = headers.New(0)
	}
	content, out, err := p.serializer.Serialize(value, h)
	if err != nil {
		return "", &serializer.SerializationError{Message: err.Error()}
	}
	correlationID := uuid.NewString()

	p.mu.Lock()
	p.queue = append(p.queue, queuedTopicMessage{
		topic: topic,
		queuedMessage: queuedMessage{
			correlationID: correlationID,
			message:       wire.MessageToPublish{Headers: out, Content: content},
			size:          len(content),
			done:          done,
		},
	})
	p.metrics.QueueDepth.Set(float64(len(p.queue)))
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return correlationID, nil
}

// QueueSize reports messages not yet fully sent: both those still
// waiting in the queue and those currently part of an in-flight batch.
func (p *Publisher[T]) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.beingPublished
}

func (p *Publisher[T]) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case <-p.wake:
		}
		for p.drainOneBatch() {
		}
	}
}

// drainOneBatch pops one greedy ≤MaxBatchBytes same-topic batch off the
// front of the queue (a first message larger than MaxBatchBytes forms a
// batch on its own) and sends it, retrying on failure every RetryPause
// until it succeeds or Close is called. Returns true if a batch was
// found (so the caller should immediately look for another).
func (p *Publisher[T]) drainOneBatch() bool {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return false
	}
	topic := p.queue[0].topic
	budget := p.cfg.MaxBatchBytes
	end := 1
	size := p.queue[0].size
	for end < len(p.queue) && p.queue[end].topic == topic {
		next := p.queue[end].size
		if size+next > budget && end > 0 {
			break
		}
		size += next
		end++
	}
	batch := make([]queuedTopicMessage, end)
	copy(batch, p.queue[:end])
	p.queue = p.queue[end:]
	p.beingPublished += len(batch)
	p.metrics.BeingPublished.Set(float64(p.beingPublished))
	p.metrics.QueueDepth.Set(float64(len(p.queue)))
	p.mu.Unlock()

	messages := make([]wire.MessageToPublish, len(batch))
	for i, m := range batch {
		messages[i] = m.message
	}

	err := p.sendWithRetry(topic, messages)

	p.mu.Lock()
	p.beingPublished -= len(batch)
	p.metrics.BeingPublished.Set(float64(p.beingPublished))
	p.mu.Unlock()

	for _, m := range batch {
		if m.done != nil {
			select {
			case m.done <- err:
			default:
			}
		}
	}
	return true
}

// sendWithRetry retries at this worker's own pace, so it always calls the
// engine with retry=false: delegating retry to the engine's own parking
// queue would block this worker goroutine indefinitely whenever no
// connection is attached, which would make Close unable to ever stop it.
func (p *Publisher[T]) sendWithRetry(topic string, messages []wire.MessageToPublish) error {
	for {
		err := p.engine.PublishPrepared(context.Background(), topic, messages, false)
		if err == nil {
			return nil
		}
		p.log.Warnf("internal queue batch to %s failed, retrying in %s: %v", topic, p.cfg.RetryPause, err)
		select {
		case <-time.After(p.cfg.RetryPause):
		case <-p.closed:
			return err
		}
	}
}
