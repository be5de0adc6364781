package messaging

import (
	"context"
	"encoding/json"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gompay/internal/config"
	"github.com/bardlex/gompay/internal/engine"
	"github.com/bardlex/gompay/pkg/errors"
	"github.com/bardlex/gompay/pkg/log"
)

// Publisher is the producing side of KafkaClient.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// EventPublisher publishes engine events. It implements engine.Observer.
type EventPublisher struct {
	pub      Publisher
	encoding config.EventEncoding
	logger   *log.Logger
}

var _ engine.Observer = (*EventPublisher)(nil)

// NewEventPublisher returns a publisher writing events in encoding.
func NewEventPublisher(pub Publisher, encoding config.EventEncoding, logger *log.Logger) *EventPublisher {
	if logger == nil {
		logger = log.Nop()
	}
	if encoding == "" {
		encoding = config.EncodingJSON
	}
	return &EventPublisher{pub: pub, encoding: encoding, logger: logger.WithComponent("event_publisher")}
}

// Observe publishes ev on the topic for its kind.
func (p *EventPublisher) Observe(ctx context.Context, ev engine.Event) error {
	msg := NewEventMessage(ev)
	topic := TopicFor(ev.Kind)

	if p.encoding == config.EncodingProto {
		s, err := EncodeProto(msg)
		if err != nil {
			return err
		}
		return p.pub.PublishProto(ctx, topic, msg.Key(), s)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal", "failed to encode event").
			WithContext("event", msg.Type)
	}
	return p.pub.PublishJSON(ctx, topic, msg.Key(), data)
}

// EncodeProto converts msg to a protobuf Struct with the same field names as
// the JSON form.
func EncodeProto(msg EventMessage) (*structpb.Struct, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "proto_encode", "failed to encode event")
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "proto_encode", "failed to encode event")
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "proto_encode", "failed to build protobuf struct").
			WithContext("event", msg.Type)
	}
	return s, nil
}

// DecodeProto reverses EncodeProto.
func DecodeProto(data []byte) (EventMessage, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return EventMessage{}, errors.Wrap(err, errors.ErrorTypeValidation, "proto_decode", "failed to unmarshal event")
	}
	raw, err := s.MarshalJSON()
	if err != nil {
		return EventMessage{}, errors.Wrap(err, errors.ErrorTypeValidation, "proto_decode", "failed to convert event")
	}
	var msg EventMessage
	if err := DecodeJSON(raw, &msg); err != nil {
		return EventMessage{}, err
	}
	return msg, nil
}
