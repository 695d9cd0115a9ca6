package wire

import (
	"reflect"
	"testing"

	"github.com/jabolina/mybus/headers"
	"github.com/jabolina/mybus/intervals"
)

func stateAtVersion(tcp int32, packetVersions map[uint8]uint8) *ProtocolState {
	s := NewProtocolState()
	s.ApplyGreeting(&Greeting{Name: "cli:1.0.0;1.0.0", ProtocolVersion: tcp})
	if len(packetVersions) > 0 {
		entries := make([]PacketVersionEntry, 0, len(packetVersions))
		for id, v := range packetVersions {
			entries = append(entries, PacketVersionEntry{PacketID: id, Version: int32(v)})
		}
		s.ApplyPacketVersions(&PacketVersions{Versions: entries})
	}
	return s
}

func roundTrip(t *testing.T, f Frame, state *ProtocolState) Frame {
	t.Helper()
	encoded, err := Encode(f, state)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded, state)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return decoded
}

func TestPublishRoundTripWithHeadersAtV3(t *testing.T) {
	state := stateAtVersion(3, map[uint8]uint8{PacketPublish: 3})
	h := headers.New(1)
	h.Set("trace-id", "abc")
	f := Publish{
		TopicID:   "orders",
		RequestID: 42,
		Messages: []MessageToPublish{
			{Headers: h, Content: []byte("hello")},
		},
		PersistImmediately: true,
	}

	got := roundTrip(t, f, state)
	pub, ok := got.(Publish)
	if !ok {
		t.Fatalf("expected Publish, got %T", got)
	}
	if pub.TopicID != "orders" || pub.RequestID != 42 || !pub.PersistImmediately {
		t.Fatalf("unexpected publish fields: %+v", pub)
	}
	if len(pub.Messages) != 1 || string(pub.Messages[0].Content) != "hello" {
		t.Fatalf("unexpected messages: %+v", pub.Messages)
	}
	v, ok := pub.Messages[0].Headers.Get("trace-id")
	if !ok || v != "abc" {
		t.Fatalf("expected trace-id header round trip, got %q ok=%v", v, ok)
	}
}

func TestPublishRoundTripWithoutHeadersPreV3(t *testing.T) {
	state := stateAtVersion(2, map[uint8]uint8{PacketPublish: 2})
	f := Publish{
		TopicID:   "orders",
		RequestID: 1,
		Messages: []MessageToPublish{
			{Content: []byte("x")},
		},
	}
	got := roundTrip(t, f, state)
	pub := got.(Publish)
	if len(pub.Messages) != 1 || string(pub.Messages[0].Content) != "x" {
		t.Fatalf("unexpected messages: %+v", pub.Messages)
	}
}

func TestNewMessagesRoundTripAtTCP3(t *testing.T) {
	state := stateAtVersion(3, nil)
	h := headers.New(0)
	h.Set("k", "v")
	f := NewMessages{
		TopicID:        "orders",
		QueueID:        "workers",
		ConfirmationID: 7,
		Messages: []DeliveredMessageWire{
			{ID: 100, AttemptNo: 2, Headers: h, Content: []byte("payload")},
		},
	}
	got := roundTrip(t, f, state)
	nm := got.(NewMessages)
	if nm.Messages[0].ID != 100 || nm.Messages[0].AttemptNo != 2 {
		t.Fatalf("unexpected record: %+v", nm.Messages[0])
	}
	v, _ := nm.Messages[0].Headers.Get("k")
	if v != "v" {
		t.Fatalf("expected header v, got %q", v)
	}
}

func TestConfirmVariantsRoundTrip(t *testing.T) {
	state := stateAtVersion(3, nil)

	ok := roundTrip(t, AllMessagesDelivered{TopicID: "t", QueueID: "q", ConfirmationID: 5}, state)
	if _, isOK := ok.(AllMessagesDelivered); !isOK {
		t.Fatalf("expected AllMessagesDelivered, got %T", ok)
	}

	fail := roundTrip(t, AllMessagesNotDelivered{TopicID: "t", QueueID: "q", ConfirmationID: 6}, state)
	if _, isFail := fail.(AllMessagesNotDelivered); !isFail {
		t.Fatalf("expected AllMessagesNotDelivered, got %T", fail)
	}
}

func TestPartialConfirmRoundTripsIntervalSet(t *testing.T) {
	state := stateAtVersion(3, nil)
	set := intervals.New()
	set.Enqueue(1)
	set.Enqueue(2)
	set.Enqueue(5)

	f := ConfirmSomeMessagesAsOk{
		PacketVersion:  1,
		TopicID:        "t",
		QueueID:        "q",
		ConfirmationID: 9,
		Delivered:      set,
	}
	got := roundTrip(t, f, state)
	pc := got.(ConfirmSomeMessagesAsOk)
	gotRanges, _ := pc.Delivered.Snapshot()
	wantRanges, _ := set.Snapshot()
	if !reflect.DeepEqual(gotRanges, wantRanges) {
		t.Fatalf("interval set mismatch: got %+v want %+v", gotRanges, wantRanges)
	}
}

func TestIntermediaryConfirmRoundTrip(t *testing.T) {
	state := stateAtVersion(3, nil)
	set := intervals.New()
	set.Enqueue(10)
	f := IntermediaryConfirm{PacketVersion: 1, TopicID: "t", QueueID: "q", ConfirmationID: 3, Delivered: set}
	got := roundTrip(t, f, state)
	if _, ok := got.(IntermediaryConfirm); !ok {
		t.Fatalf("expected IntermediaryConfirm, got %T", got)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	state := stateAtVersion(3, nil)
	f := Subscribe{TopicID: "orders", QueueID: "workers", QueueType: QueueTypeDeleteOnDisconnect}
	got := roundTrip(t, f, state).(Subscribe)
	if got.TopicID != "orders" || got.QueueID != "workers" || got.QueueType != QueueTypeDeleteOnDisconnect {
		t.Fatalf("unexpected subscribe: %+v", got)
	}
}

func TestGreetingRoundTrip(t *testing.T) {
	state := stateAtVersion(3, nil)
	name := BuildGreetingName("mybus-go", "1.0.0", "1.0.0", "env=prod")
	f := Greeting{Name: name, ProtocolVersion: 3}
	got := roundTrip(t, f, state).(Greeting)
	if got.Name != name || got.ProtocolVersion != 3 {
		t.Fatalf("unexpected greeting: %+v", got)
	}
}

func TestPacketVersionsRoundTrip(t *testing.T) {
	state := stateAtVersion(3, nil)
	f := PacketVersions{Versions: []PacketVersionEntry{
		{PacketID: PacketPublish, Version: 3},
		{PacketID: PacketNewMessages, Version: 1},
	}}
	got := roundTrip(t, f, state).(PacketVersions)
	if len(got.Versions) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got.Versions))
	}
}

func TestCreateTopicAndRejectRoundTrip(t *testing.T) {
	state := stateAtVersion(3, nil)
	ct := roundTrip(t, CreateTopicIfNotExists{TopicID: "orders"}, state).(CreateTopicIfNotExists)
	if ct.TopicID != "orders" {
		t.Fatalf("unexpected create topic: %+v", ct)
	}
	rj := roundTrip(t, Reject{Message: "topic not found"}, state).(Reject)
	if rj.Message != "topic not found" {
		t.Fatalf("unexpected reject: %+v", rj)
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	state := stateAtVersion(3, nil)
	if _, ok := roundTrip(t, Ping{}, state).(Ping); !ok {
		t.Fatalf("expected Ping")
	}
	if _, ok := roundTrip(t, Pong{}, state).(Pong); !ok {
		t.Fatalf("expected Pong")
	}
}

func TestDecodeUnknownPacketID(t *testing.T) {
	state := stateAtVersion(3, nil)
	_, err := Decode([]byte{99}, state)
	var invalid *InvalidPacketIDError
	if err == nil {
		t.Fatalf("expected error")
	}
	if !asInvalidPacketID(err, &invalid) {
		t.Fatalf("expected InvalidPacketIDError, got %v", err)
	}
	if invalid.PacketID != 99 {
		t.Fatalf("unexpected packet id: %d", invalid.PacketID)
	}
}

func asInvalidPacketID(err error, target **InvalidPacketIDError) bool {
	if e, ok := err.(*InvalidPacketIDError); ok {
		*target = e
		return true
	}
	return false
}

func TestDecodeTruncatedFrame(t *testing.T) {
	state := stateAtVersion(3, nil)
	_, err := Decode([]byte{PacketGreeting, 5, 'h', 'i'}, state)
	if err == nil {
		t.Fatalf("expected truncation error")
	}
}
