package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/flotilla/internal/runtime/envelope"
)

// ErrUndecodablePayload wraps payloads a typed handler could not decode.
// Such messages are deleted, never redelivered.
var ErrUndecodablePayload = errors.New("flotilla: payload does not decode into the handler type")

// JSONHandler decodes the message payload into T before calling fn.
func JSONHandler[T any](fn func(ctx context.Context, call *Call, data T) error) HandlerFunc {
	return func(ctx context.Context, call *Call) error {
		var data T
		if err := call.Decode(&data); err != nil {
			return fmt.Errorf("%w: %T: %w", ErrUndecodablePayload, data, err)
		}
		return fn(ctx, call, data)
	}
}

// ProtoHandler decodes the message payload into a new T before calling fn.
// Proto envelopes carry wire bytes; JSON envelopes are read with protojson.
func ProtoHandler[T proto.Message](fn func(ctx context.Context, call *Call, msg T) error) HandlerFunc {
	return func(ctx context.Context, call *Call) error {
		if call.Message == nil {
			return ErrNoMessage
		}
		msg, err := NewProtoMessage[T]()
		if err != nil {
			return err
		}
		switch call.Message.Encoding {
		case envelope.EncodingProto, envelope.EncodingGzipProto:
			err = call.Message.DecodeProto(msg)
		default:
			err = protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(call.Message.Data, msg)
		}
		if err != nil {
			return fmt.Errorf("%w: %T: %w", ErrUndecodablePayload, msg, err)
		}
		return fn(ctx, call, msg)
	}
}

// NewProtoMessage instantiates an empty message of the pointer type T.
func NewProtoMessage[T proto.Message]() (T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return zero, fmt.Errorf("flotilla: proto handler type %v must be a message pointer", typ)
	}
	msg, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("flotilla: unexpected proto type %s", typ)
	}
	return msg, nil
}

// MustProtoMessage is NewProtoMessage that panics on error.
func MustProtoMessage[T proto.Message]() T {
	msg, err := NewProtoMessage[T]()
	if err != nil {
		panic(err)
	}
	return msg
}
