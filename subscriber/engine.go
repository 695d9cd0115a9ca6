// Package subscriber implements the subscription engine and the
// MessagesReader delivery/confirmation state machine: a registration
// table driving CreateTopicIfNotExists/Subscribe on (re)connect, and
// per-(topic,queue) handler dispatch spawned one goroutine per inbound
// batch.
package subscriber

import (
	"context"
	"os"
	"sync"

	"github.com/jabolina/mybus/conn"
	"github.com/jabolina/mybus/internal/log"
	"github.com/jabolina/mybus/internal/metrics"
	"github.com/jabolina/mybus/internal/wire"
	"github.com/jabolina/mybus/serializer"
)

// registration is the type-erased interface every typedRegistration[T]
// satisfies, so Engine can hold registrations of different application
// types in one table.
type registration interface {
	topic() string
	queue() string
	queueType() wire.QueueType
	dispatch(ctx context.Context, eng *Engine, nm wire.NewMessages)
}

type registrationKey struct {
	topic, queue string
}

// Engine is the SubscriberEngine: it tracks every registration, drives
// the (re)connect registration sequence (CreateTopicIfNotExists +
// Subscribe), and routes inbound NewMessages to the matching handler.
type Engine struct {
	mu sync.Mutex

	state *wire.ProtocolState
	conn  conn.Connection

	registrations map[registrationKey]registration
	order         []registrationKey
	topicsSent    map[string]bool

	debugTopic string
	ignore     ignoreFilter

	log     log.Logger
	metrics *metrics.Registry
}

// NewEngine builds an Engine with no attached connection, reading
// DEBUG_TOPIC and SB_IGNORE_MESSAGE from the environment exactly once at
// construction.
func NewEngine(state *wire.ProtocolState, logger log.Logger, reg *metrics.Registry) *Engine {
	if logger == nil {
		logger = log.Noop()
	}
	if reg == nil {
		reg = metrics.Noop()
	}
	return &Engine{
		state:         state,
		registrations: make(map[registrationKey]registration),
		topicsSent:    make(map[string]bool),
		debugTopic:    os.Getenv("DEBUG_TOPIC"),
		ignore:        parseIgnoreFilter(os.Getenv("SB_IGNORE_MESSAGE")),
		log:           logger,
		metrics:       reg,
	}
}

// Subscribe registers a (topic, queue, queue_type) handler bound to
// application type T. If a connection is already attached, the
// CreateTopicIfNotExists/Subscribe pair is sent immediately; otherwise it
// is sent the next time SetConnection runs.
func Subscribe[T any](e *Engine, topicID, queueID string, qt wire.QueueType, d serializer.Deserializer[T], handler func(ctx context.Context, reader *MessagesReader[T]) error) {
	r := &typedRegistration[T]{
		topicID:      topicID,
		queueID:      queueID,
		qt:           qt,
		deserializer: d,
		handler:      handler,
	}

	e.mu.Lock()
	key := registrationKey{topic: topicID, queue: queueID}
	e.registrations[key] = r
	e.order = append(e.order, key)
	c := e.conn
	e.mu.Unlock()

	if c != nil {
		e.registerOne(context.Background(), r)
	}
}

// SetConnection attaches c and replays every registration onto it: one
// CreateTopicIfNotExists per distinct topic, then one Subscribe per
// registration.
func (e *Engine) SetConnection(ctx context.Context, c conn.Connection) {
	e.mu.Lock()
	e.conn = c
	e.topicsSent = make(map[string]bool)
	regs := make([]registration, 0, len(e.order))
	for _, key := range e.order {
		if r, ok := e.registrations[key]; ok {
			regs = append(regs, r)
		}
	}
	e.mu.Unlock()

	for _, r := range regs {
		e.registerOne(ctx, r)
	}
}

func (e *Engine) registerOne(ctx context.Context, r registration) {
	e.mu.Lock()
	needsTopic := !e.topicsSent[r.topic()]
	if needsTopic {
		e.topicsSent[r.topic()] = true
	}
	e.mu.Unlock()

	if needsTopic {
		if err := e.sendFrame(ctx, wire.CreateTopicIfNotExists{TopicID: r.topic()}); err != nil {
			e.log.Warnf("failed to send create_topic for %s: %v", r.topic(), err)
		}
	}
	if err := e.sendFrame(ctx, wire.Subscribe{TopicID: r.topic(), QueueID: r.queue(), QueueType: r.queueType()}); err != nil {
		e.log.Warnf("failed to send subscribe for %s/%s: %v", r.topic(), r.queue(), err)
	}
}

// HandleDisconnect detaches the current connection. Registrations are
// kept and replayed on the next SetConnection.
func (e *Engine) HandleDisconnect() {
	e.mu.Lock()
	e.conn = nil
	e.mu.Unlock()
}

// HandleFrame routes an inbound NewMessages frame to its registered
// handler. Inbound Greeting and PacketVersions frames update state
// instead, since those are the only two frame kinds allowed to mutate a
// ProtocolState once the connection is up; every other frame kind is the
// publisher's or the connection layer's concern and is ignored here.
func (e *Engine) HandleFrame(ctx context.Context, f wire.Frame) {
	switch fr := f.(type) {
	case wire.Greeting:
		e.state.ApplyGreeting(&fr)
		return
	case wire.PacketVersions:
		e.state.ApplyPacketVersions(&fr)
		return
	}

	nm, ok := f.(wire.NewMessages)
	if !ok {
		return
	}

	e.mu.Lock()
	r, found := e.registrations[registrationKey{topic: nm.TopicID, queue: nm.QueueID}]
	e.mu.Unlock()

	if !found {
		e.log.Warnf("received new_messages for unregistered %s/%s, dropping", nm.TopicID, nm.QueueID)
		return
	}

	r.dispatch(ctx, e, nm)
}

func (e *Engine) sendFrame(ctx context.Context, f wire.Frame) error {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()

	if c == nil {
		return ErrNoConnectionToDeliver
	}
	encoded, err := wire.Encode(f, e.state)
	if err != nil {
		return err
	}
	return c.Send(ctx, encoded)
}
