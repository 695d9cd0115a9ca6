package serializer

import (
	"testing"

	"github.com/jabolina/mybus/headers"
)

func TestBytesRoundTrip(t *testing.T) {
	var s Bytes
	content, out, err := s.Serialize([]byte("payload"), headers.New(0))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if string(content) != "payload" {
		t.Fatalf("unexpected content: %q", content)
	}
	if out == nil {
		t.Fatalf("expected non-nil headers")
	}

	got, err := s.Deserialize(content, out)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("unexpected round trip: %q", got)
	}
}

func TestSerializerFuncAdapter(t *testing.T) {
	var calls int
	fn := SerializerFunc[int](func(value int, in *headers.Headers) ([]byte, *headers.Headers, error) {
		calls++
		return []byte{byte(value)}, in, nil
	})
	_, _, err := fn.Serialize(5, headers.New(0))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestCanNotDeserializeMessageError(t *testing.T) {
	err := &CanNotDeserializeMessage{Message: "bad bytes"}
	if err.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
}
