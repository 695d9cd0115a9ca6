package internalqueue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jabolina/mybus/headers"
	"github.com/jabolina/mybus/internal/wire"
	"github.com/jabolina/mybus/publisher"
	"github.com/jabolina/mybus/serializer"
)

type fakeConn struct {
	id   int32
	sent chan []byte
	done chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: 1, sent: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeConn) ID() int32 { return f.id }
func (f *fakeConn) Send(ctx context.Context, frame []byte) error {
	select {
	case f.sent <- frame:
		return nil
	case <-f.done:
		return context.Canceled
	}
}
func (f *fakeConn) Frames() <-chan []byte { return nil }
func (f *fakeConn) Done() <-chan struct{} { return f.done }

func newTestPublisher(t *testing.T) (*Publisher[[]byte], *publisher.Engine[[]byte], *fakeConn) {
	t.Helper()
	state := wire.NewProtocolState()
	state.ApplyGreeting(&wire.Greeting{Name: "t:1;1.0.0", ProtocolVersion: 3})
	engine := publisher.NewEngine[[]byte](serializer.Bytes{}, state, nil, nil)
	fc := newFakeConn()
	engine.SetConnection(fc)
	p := New[[]byte](Config{MaxBatchBytes: 4 << 20, RetryPause: 10 * time.Millisecond}, serializer.Bytes{}, engine, nil, nil)
	return p, engine, fc
}

func TestPublishAndForgetSendsBatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	p, engine, fc := newTestPublisher(t)
	defer p.Close()

	if err := p.PublishAndForget("orders", []byte("hello"), nil); err != nil {
		t.Fatalf("publish and forget: %v", err)
	}

	select {
	case frame := <-fc.sent:
		decoded, err := wire.Decode(frame, engine.State())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		pub := decoded.(wire.Publish)
		if pub.TopicID != "orders" || len(pub.Messages) != 1 {
			t.Fatalf("unexpected publish frame: %+v", pub)
		}
		engine.HandlePublishResponse(wire.PublishResponse{RequestID: pub.RequestID})
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch to be sent")
	}
}

func TestPublishAndForgetSyncBlocksUntilSent(t *testing.T) {
	defer goleak.VerifyNone(t)
	p, engine, fc := newTestPublisher(t)
	defer p.Close()

	done := make(chan error, 1)
	go func() {
		done <- p.PublishAndForgetSync(context.Background(), "orders", []byte("payload"), nil)
	}()

	frame := <-fc.sent
	decoded, _ := wire.Decode(frame, engine.State())
	pub := decoded.(wire.Publish)
	engine.HandlePublishResponse(wire.PublishResponse{RequestID: pub.RequestID})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync publish")
	}
}

func TestQueueSizeAccountsForBeingPublished(t *testing.T) {
	defer goleak.VerifyNone(t)
	state := wire.NewProtocolState()
	engine := publisher.NewEngine[[]byte](serializer.Bytes{}, state, nil, nil)
	p := New[[]byte](DefaultConfig(), serializer.Bytes{}, engine, nil, nil)
	defer p.Close()

	if err := p.PublishAndForget("orders", []byte("queued-without-connection"), nil); err != nil {
		t.Fatalf("publish and forget: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if p.QueueSize() < 1 {
		t.Fatalf("expected queue size to account for the unsent message, got %d", p.QueueSize())
	}
}

func TestSerializationErrorSurfacesSynchronously(t *testing.T) {
	defer goleak.VerifyNone(t)
	state := wire.NewProtocolState()
	engine := publisher.NewEngine[[]byte](serializer.Bytes{}, state, nil, nil)
	failing := serializer.SerializerFunc[[]byte](func(value []byte, in *headers.Headers) ([]byte, *headers.Headers, error) {
		return nil, nil, &serializer.SerializationError{Message: "boom"}
	})
	p := New[[]byte](DefaultConfig(), failing, engine, nil, nil)
	defer p.Close()

	err := p.PublishAndForget("orders", []byte("x"), nil)
	if _, ok := err.(*serializer.SerializationError); !ok {
		t.Fatalf("expected SerializationError, got %T: %v", err, err)
	}
}
