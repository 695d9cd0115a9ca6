package publisher

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jabolina/mybus/headers"
	"github.com/jabolina/mybus/internal/wire"
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
func (f *fakeConn) Frames() <-chan []byte  { return nil }
func (f *fakeConn) Done() <-chan struct{} { return f.done }

func newTestEngine() (*Engine[[]byte], *fakeConn) {
	state := wire.NewProtocolState()
	state.ApplyGreeting(&wire.Greeting{Name: "t:1;1.0.0", ProtocolVersion: 3})
	e := NewEngine[[]byte](serializer.Bytes{}, state, nil, nil)
	return e, newFakeConn()
}

func TestPublishNoConnectionNoRetryFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	e, _ := newTestEngine()
	ctx := context.Background()
	err := e.Publish(ctx, "orders", []byte("x"), nil, false)
	if err != ErrNoConnectionToPublish {
		t.Fatalf("expected ErrNoConnectionToPublish, got %v", err)
	}
}

func TestPublishResolvesOnResponse(t *testing.T) {
	defer goleak.VerifyNone(t)
	e, fc := newTestEngine()
	e.SetConnection(fc)

	done := make(chan error, 1)
	go func() {
		done <- e.Publish(context.Background(), "orders", []byte("payload"), nil, false)
	}()

	frame := <-fc.sent
	decoded, err := wire.Decode(frame, e.state)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	pub := decoded.(wire.Publish)

	e.HandlePublishResponse(wire.PublishResponse{RequestID: pub.RequestID})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish to resolve")
	}
}

func TestHandleDisconnectFailsOutstanding(t *testing.T) {
	defer goleak.VerifyNone(t)
	e, fc := newTestEngine()
	e.SetConnection(fc)

	done := make(chan error, 1)
	go func() {
		done <- e.Publish(context.Background(), "orders", []byte("payload"), nil, false)
	}()

	<-fc.sent
	e.HandleDisconnect()

	select {
	case err := <-done:
		if err != ErrDisconnected {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect propagation")
	}
}

func TestPublishRetryQueuesUntilConnectionAttached(t *testing.T) {
	defer goleak.VerifyNone(t)
	e, fc := newTestEngine()

	done := make(chan error, 1)
	go func() {
		done <- e.Publish(context.Background(), "orders", []byte("payload"), nil, true)
	}()

	time.Sleep(20 * time.Millisecond)
	e.SetConnection(fc)

	frame := <-fc.sent
	decoded, _ := wire.Decode(frame, e.state)
	pub := decoded.(wire.Publish)
	e.HandlePublishResponse(wire.PublishResponse{RequestID: pub.RequestID})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued publish to flush")
	}
}

func TestSerializationErrorSurfacesSynchronously(t *testing.T) {
	defer goleak.VerifyNone(t)
	state := wire.NewProtocolState()
	failing := serializer.SerializerFunc[[]byte](func(value []byte, in *headers.Headers) ([]byte, *headers.Headers, error) {
		return nil, nil, &serializer.SerializationError{Message: "boom"}
	})
	e := NewEngine[[]byte](failing, state, nil, nil)

	err := e.Publish(context.Background(), "orders", []byte("x"), nil, false)
	if _, ok := err.(*serializer.SerializationError); !ok {
		t.Fatalf("expected SerializationError, got %T: %v", err, err)
	}
}
