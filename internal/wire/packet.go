package wire

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/jabolina/mybus/headers"
	"github.com/jabolina/mybus/intervals"
)

// Packet id bytes, assigned as a contiguous block. The numeric values
// aren't load-bearing on their own; what matters is that both sides of a
// connection agree on them.
const (
	PacketPing uint8 = iota + 1
	PacketPong
	PacketGreeting
	PacketPublish
	PacketPublishResponse
	PacketSubscribe
	PacketSubscribeResponse
	PacketNewMessages
	PacketAllMessagesDelivered
	PacketAllMessagesNotDelivered
	PacketConfirmSomeMessagesAsOk
	PacketIntermediaryConfirm
	PacketCreateTopicIfNotExists
	PacketPacketVersions
	PacketReject
)

// publishMessagesV3 is the per-packet version at and above which Publish
// frames carry per-message headers.
const publishMessagesV3 = 3

// InvalidPacketIDError is returned by Decode for an unrecognized leading
// packet-id byte.
type InvalidPacketIDError struct {
	PacketID uint8
}

func (e *InvalidPacketIDError) Error() string {
	return fmt.Sprintf("wire: invalid packet id %d", e.PacketID)
}

// Frame is any decoded packet payload.
type Frame interface {
	PacketID() uint8
}

// QueueType identifies server-side retention semantics for a (topic,
// queue) subscription.
type QueueType uint8

const (
	QueueTypePermanent QueueType = iota
	QueueTypeDeleteOnDisconnect
	QueueTypePermanentWithSingleConnection
)

type Ping struct{}

func (Ping) PacketID() uint8 { return PacketPing }

type Pong struct{}

func (Pong) PacketID() uint8 { return PacketPong }

type Greeting struct {
	Name            string
	ProtocolVersion int32
}

func (Greeting) PacketID() uint8 { return PacketGreeting }

// MessageToPublish is one outbound message within a Publish frame.
type MessageToPublish struct {
	Headers *headers.Headers
	Content []byte
}

type Publish struct {
	TopicID            string
	RequestID          int64
	Messages           []MessageToPublish
	PersistImmediately bool
}

func (Publish) PacketID() uint8 { return PacketPublish }

type PublishResponse struct {
	RequestID int64
}

func (PublishResponse) PacketID() uint8 { return PacketPublishResponse }

type Subscribe struct {
	TopicID   string
	QueueID   string
	QueueType QueueType
}

func (Subscribe) PacketID() uint8 { return PacketSubscribe }

type SubscribeResponse struct {
	TopicID string
	QueueID string
}

func (SubscribeResponse) PacketID() uint8 { return PacketSubscribeResponse }

// DeliveredMessageWire is one message within a NewMessages frame, in its
// on-wire shape (before the subscriber engine deserializes Content into
// an application type).
type DeliveredMessageWire struct {
	ID        int64
	AttemptNo int32
	Headers   *headers.Headers
	Content   []byte
}

type NewMessages struct {
	TopicID        string
	QueueID        string
	ConfirmationID int64
	Messages       []DeliveredMessageWire
}

func (NewMessages) PacketID() uint8 { return PacketNewMessages }

// AllMessagesDelivered is the Confirm(ok) frame (ALL_MESSAGES_DELIVERED).
type AllMessagesDelivered struct {
	TopicID        string
	QueueID        string
	ConfirmationID int64
}

func (AllMessagesDelivered) PacketID() uint8 { return PacketAllMessagesDelivered }

// AllMessagesNotDelivered is the Confirm(fail) frame
// (ALL_MESSAGES_NOT_DELIVERED).
type AllMessagesNotDelivered struct {
	TopicID        string
	QueueID        string
	ConfirmationID int64
}

func (AllMessagesNotDelivered) PacketID() uint8 { return PacketAllMessagesNotDelivered }

// ConfirmSomeMessagesAsOk is the PartialConfirm(ok) frame.
type ConfirmSomeMessagesAsOk struct {
	PacketVersion  uint8
	TopicID        string
	QueueID        string
	ConfirmationID int64
	Delivered      *intervals.IntervalSet
}

func (ConfirmSomeMessagesAsOk) PacketID() uint8 { return PacketConfirmSomeMessagesAsOk }

// IntermediaryConfirm reports partial progress without closing the batch.
type IntermediaryConfirm struct {
	PacketVersion  uint8
	TopicID        string
	QueueID        string
	ConfirmationID int64
	Delivered      *intervals.IntervalSet
}

func (IntermediaryConfirm) PacketID() uint8 { return PacketIntermediaryConfirm }

type CreateTopicIfNotExists struct {
	TopicID string
}

func (CreateTopicIfNotExists) PacketID() uint8 { return PacketCreateTopicIfNotExists }

// PacketVersionEntry is one (packet_id, version) pair of a PacketVersions
// frame.
type PacketVersionEntry struct {
	PacketID uint8
	Version  int32
}

type PacketVersions struct {
	Versions []PacketVersionEntry
}

func (PacketVersions) PacketID() uint8 { return PacketPacketVersions }

type Reject struct {
	Message string
}

func (Reject) PacketID() uint8 { return PacketReject }

// Encode renders f into its framed byte representation (packet-id byte
// followed by its fields), consulting state for any version-dependent
// field layout.
func Encode(f Frame, state *ProtocolState) ([]byte, error) {
	w := newWriter()
	w.writeU8(f.PacketID())

	switch v := f.(type) {
	case Ping:
	case Pong:
	case Greeting:
		w.writePascalString(v.Name)
		w.writeI32(v.ProtocolVersion)
	case Publish:
		w.writePascalString(v.TopicID)
		w.writeI64(v.RequestID)
		w.writeI32(int32(len(v.Messages)))
		withHeaders := state.PacketVersion(PacketPublish) >= publishMessagesV3
		for _, m := range v.Messages {
			if withHeaders {
				w.writeHeaders(m.Headers)
			}
			w.writeByteArray(m.Content)
		}
		w.writeBool(v.PersistImmediately)
	case PublishResponse:
		w.writeI64(v.RequestID)
	case Subscribe:
		w.writePascalString(v.TopicID)
		w.writePascalString(v.QueueID)
		w.writeU8(uint8(v.QueueType))
	case SubscribeResponse:
		w.writePascalString(v.TopicID)
		w.writePascalString(v.QueueID)
	case NewMessages:
		w.writePascalString(v.TopicID)
		w.writePascalString(v.QueueID)
		w.writeI64(v.ConfirmationID)
		w.writeI32(int32(len(v.Messages)))
		headersPresent := state.HeadersPresent()
		attemptPresent := state.AttemptNoPresent()
		for _, m := range v.Messages {
			w.writeI64(m.ID)
			if attemptPresent {
				w.writeI32(m.AttemptNo)
			}
			if headersPresent {
				w.writeHeaders(m.Headers)
			}
			w.writeByteArray(m.Content)
		}
	case AllMessagesDelivered:
		w.writePascalString(v.TopicID)
		w.writePascalString(v.QueueID)
		w.writeI64(v.ConfirmationID)
	case AllMessagesNotDelivered:
		w.writePascalString(v.TopicID)
		w.writePascalString(v.QueueID)
		w.writeI64(v.ConfirmationID)
	case ConfirmSomeMessagesAsOk:
		w.writeU8(v.PacketVersion)
		w.writePascalString(v.TopicID)
		w.writePascalString(v.QueueID)
		w.writeI64(v.ConfirmationID)
		w.writeIntervalSet(v.Delivered)
	case IntermediaryConfirm:
		w.writeU8(v.PacketVersion)
		w.writePascalString(v.TopicID)
		w.writePascalString(v.QueueID)
		w.writeI64(v.ConfirmationID)
		w.writeIntervalSet(v.Delivered)
	case CreateTopicIfNotExists:
		w.writePascalString(v.TopicID)
	case PacketVersions:
		n := len(v.Versions)
		if n > 255 {
			n = 255
		}
		w.writeU8(uint8(n))
		for i := 0; i < n; i++ {
			w.writeU8(v.Versions[i].PacketID)
			w.writeI32(v.Versions[i].Version)
		}
	case Reject:
		w.writePascalString(v.Message)
	default:
		return nil, pkgerrors.Errorf("wire: unknown frame type %T", f)
	}

	return w.bytes(), nil
}

// Decode parses a single framed packet (leading packet-id byte plus its
// fields) out of data, consulting state for version-dependent field
// layout. InvalidPacketIDError/InvalidUTF8Error/ErrUnexpectedEOF are
// returned as-is (wrapped with a cause via github.com/pkg/errors where
// the failure crosses a sub-field boundary).
func Decode(data []byte, state *ProtocolState) (Frame, error) {
	r := newReader(data)
	packetID, err := r.readU8()
	if err != nil {
		return nil, err
	}

	switch packetID {
	case PacketPing:
		return Ping{}, nil
	case PacketPong:
		return Pong{}, nil
	case PacketGreeting:
		name, err := r.readPascalString("greeting.name")
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode greeting")
		}
		version, err := r.readI32()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode greeting")
		}
		return Greeting{Name: name, ProtocolVersion: version}, nil
	case PacketPublish:
		return decodePublish(r, state)
	case PacketPublishResponse:
		reqID, err := r.readI64()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode publish response")
		}
		return PublishResponse{RequestID: reqID}, nil
	case PacketSubscribe:
		return decodeSubscribe(r)
	case PacketSubscribeResponse:
		topic, err := r.readPascalString("subscribe_response.topic_id")
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode subscribe response")
		}
		queue, err := r.readPascalString("subscribe_response.queue_id")
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode subscribe response")
		}
		return SubscribeResponse{TopicID: topic, QueueID: queue}, nil
	case PacketNewMessages:
		return decodeNewMessages(r, state)
	case PacketAllMessagesDelivered:
		return decodeConfirm[AllMessagesDelivered](r)
	case PacketAllMessagesNotDelivered:
		return decodeConfirm[AllMessagesNotDelivered](r)
	case PacketConfirmSomeMessagesAsOk:
		return decodePartialConfirm(r, func(v uint8, t, q string, c int64, d *intervals.IntervalSet) Frame {
			return ConfirmSomeMessagesAsOk{PacketVersion: v, TopicID: t, QueueID: q, ConfirmationID: c, Delivered: d}
		})
	case PacketIntermediaryConfirm:
		return decodePartialConfirm(r, func(v uint8, t, q string, c int64, d *intervals.IntervalSet) Frame {
			return IntermediaryConfirm{PacketVersion: v, TopicID: t, QueueID: q, ConfirmationID: c, Delivered: d}
		})
	case PacketCreateTopicIfNotExists:
		topic, err := r.readPascalString("create_topic.topic_id")
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode create topic")
		}
		return CreateTopicIfNotExists{TopicID: topic}, nil
	case PacketPacketVersions:
		return decodePacketVersions(r)
	case PacketReject:
		msg, err := r.readPascalString("reject.message")
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode reject")
		}
		return Reject{Message: msg}, nil
	default:
		return nil, &InvalidPacketIDError{PacketID: packetID}
	}
}

func decodePublish(r *reader, state *ProtocolState) (Frame, error) {
	topic, err := r.readPascalString("publish.topic_id")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode publish")
	}
	reqID, err := r.readI64()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode publish")
	}
	count, err := r.readI32()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode publish")
	}

	withHeaders := state.PacketVersion(PacketPublish) >= publishMessagesV3
	messages := make([]MessageToPublish, 0, count)
	for i := int32(0); i < count; i++ {
		var h *headers.Headers
		if withHeaders {
			h, err = r.readHeaders()
			if err != nil {
				return nil, pkgerrors.Wrap(err, "decode publish message headers")
			}
		} else {
			h = headers.New(0)
		}
		content, err := r.readByteArray()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode publish message content")
		}
		messages = append(messages, MessageToPublish{Headers: h, Content: content})
	}

	persist, err := r.readBool()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode publish")
	}

	return Publish{TopicID: topic, RequestID: reqID, Messages: messages, PersistImmediately: persist}, nil
}

func decodeSubscribe(r *reader) (Frame, error) {
	topic, err := r.readPascalString("subscribe.topic_id")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode subscribe")
	}
	queue, err := r.readPascalString("subscribe.queue_id")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode subscribe")
	}
	qt, err := r.readU8()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode subscribe")
	}
	return Subscribe{TopicID: topic, QueueID: queue, QueueType: QueueType(qt)}, nil
}

func decodeNewMessages(r *reader, state *ProtocolState) (Frame, error) {
	topic, err := r.readPascalString("new_messages.topic_id")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode new_messages")
	}
	queue, err := r.readPascalString("new_messages.queue_id")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode new_messages")
	}
	confirmationID, err := r.readI64()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode new_messages")
	}
	count, err := r.readI32()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode new_messages")
	}

	headersPresent := state.HeadersPresent()
	attemptPresent := state.AttemptNoPresent()

	messages := make([]DeliveredMessageWire, 0, count)
	for i := int32(0); i < count; i++ {
		id, err := r.readI64()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode new_messages record")
		}
		var attemptNo int32
		if attemptPresent {
			attemptNo, err = r.readI32()
			if err != nil {
				return nil, pkgerrors.Wrap(err, "decode new_messages record")
			}
		}
		var h *headers.Headers
		if headersPresent {
			h, err = r.readHeaders()
			if err != nil {
				return nil, pkgerrors.Wrap(err, "decode new_messages record headers")
			}
		} else {
			h = headers.New(0)
		}
		content, err := r.readByteArray()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode new_messages record content")
		}
		messages = append(messages, DeliveredMessageWire{ID: id, AttemptNo: attemptNo, Headers: h, Content: content})
	}

	return NewMessages{TopicID: topic, QueueID: queue, ConfirmationID: confirmationID, Messages: messages}, nil
}

func decodeConfirm[T AllMessagesDelivered | AllMessagesNotDelivered](r *reader) (Frame, error) {
	topic, err := r.readPascalString("confirm.topic_id")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode confirm")
	}
	queue, err := r.readPascalString("confirm.queue_id")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode confirm")
	}
	confirmationID, err := r.readI64()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode confirm")
	}
	var zero T
	switch any(zero).(type) {
	case AllMessagesDelivered:
		return AllMessagesDelivered{TopicID: topic, QueueID: queue, ConfirmationID: confirmationID}, nil
	default:
		return AllMessagesNotDelivered{TopicID: topic, QueueID: queue, ConfirmationID: confirmationID}, nil
	}
}

func decodePartialConfirm(r *reader, build func(uint8, string, string, int64, *intervals.IntervalSet) Frame) (Frame, error) {
	packetVersion, err := r.readU8()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode partial confirm")
	}
	topic, err := r.readPascalString("partial_confirm.topic_id")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode partial confirm")
	}
	queue, err := r.readPascalString("partial_confirm.queue_id")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode partial confirm")
	}
	confirmationID, err := r.readI64()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode partial confirm")
	}
	delivered, err := r.readIntervalSet()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode partial confirm delivered set")
	}
	return build(packetVersion, topic, queue, confirmationID, delivered), nil
}

func decodePacketVersions(r *reader) (Frame, error) {
	n, err := r.readU8()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode packet versions")
	}
	entries := make([]PacketVersionEntry, 0, n)
	for i := 0; i < int(n); i++ {
		packetID, err := r.readU8()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode packet versions entry")
		}
		version, err := r.readI32()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode packet versions entry")
		}
		entries = append(entries, PacketVersionEntry{PacketID: packetID, Version: version})
	}
	return PacketVersions{Versions: entries}, nil
}
