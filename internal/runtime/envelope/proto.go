package envelope

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/flotilla/internal/runtime/ids"
)

// ProtoProtocolVersion is stamped on every protobuf envelope.
const ProtoProtocolVersion = "flotilla-proto-base--1.0.0"

// Field numbers of the protobuf envelope message.
const (
	fieldServiceName     protowire.Number = 1
	fieldServiceUUID     protowire.Number = 2
	fieldMessageUUID     protowire.Number = 3
	fieldProtocolVersion protowire.Number = 4
	fieldTimestamp       protowire.Number = 5
	fieldTopic           protowire.Number = 6
	fieldDataEncoding    protowire.Number = 7
	fieldData            protowire.Number = 8
)

const (
	wireEncodingProto     = 0
	wireEncodingGzipProto = 1
)

// ProtoEnvelope is the compact binary envelope. The wire bytes are base64
// encoded so the payload survives text-only brokers.
type ProtoEnvelope struct {
	Now                func() time.Time
	CompatibleVersions []string
}

func NewProtoEnvelope() *ProtoEnvelope {
	return &ProtoEnvelope{}
}

func (e *ProtoEnvelope) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Build accepts a proto.Message or already serialized []byte.
func (e *ProtoEnvelope) Build(ctx context.Context, svc Service, topic string, data any) (string, error) {
	var raw []byte
	switch v := data.(type) {
	case proto.Message:
		b, err := proto.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedData, err)
		}
		raw = b
	case []byte:
		raw = v
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedData, data)
	}

	encoding := uint64(wireEncodingProto)
	if len(raw) >= CompressThreshold {
		compressed, err := gzipBytes(raw)
		if err != nil {
			return "", err
		}
		raw = compressed
		encoding = wireEncodingGzipProto
	}

	var b []byte
	b = appendString(b, fieldServiceName, svc.Name)
	b = appendString(b, fieldServiceUUID, svc.UUID)
	b = appendString(b, fieldMessageUUID, ids.MessageUUID(svc.UUID))
	b = appendString(b, fieldProtocolVersion, ProtoProtocolVersion)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(timestamp(e.now())))
	b = appendString(b, fieldTopic, topic)
	b = protowire.AppendTag(b, fieldDataEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, encoding)
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)

	return base64.StdEncoding.EncodeToString(b), nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func (e *ProtoEnvelope) Parse(ctx context.Context, payload string) (*Message, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, malformed("payload is not base64: %v", err)
	}

	msg := &Message{}
	var encoding uint64
	var data []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("bad tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldTimestamp && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, malformed("bad timestamp: %v", protowire.ParseError(n))
			}
			msg.Timestamp = math.Float64frombits(v)
			b = b[n:]
		case num == fieldDataEncoding && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("bad encoding: %v", protowire.ParseError(n))
			}
			encoding = v
			b = b[n:]
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("bad field %d: %v", num, protowire.ParseError(n))
			}
			switch num {
			case fieldServiceName:
				msg.Service.Name = string(v)
			case fieldServiceUUID:
				msg.Service.UUID = string(v)
			case fieldMessageUUID:
				msg.UUID = string(v)
			case fieldProtocolVersion:
				msg.ProtocolVersion = string(v)
			case fieldTopic:
				msg.Topic = string(v)
			case fieldData:
				data = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("bad field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if msg.UUID == "" {
		return nil, malformed("missing message uuid")
	}
	if !compatible(ProtoProtocolVersion, e.CompatibleVersions, msg.ProtocolVersion, nil) {
		return msg, ErrIncompatibleProtocol
	}

	switch encoding {
	case wireEncodingProto:
		msg.Encoding = EncodingProto
		msg.Data = data
	case wireEncodingGzipProto:
		msg.Encoding = EncodingGzipProto
		raw, err := gunzipBytes(data)
		if err != nil {
			return nil, malformed("compressed data is not gzip: %v", err)
		}
		msg.Data = raw
	default:
		return nil, malformed("unknown data encoding %d", encoding)
	}
	return msg, nil
}
