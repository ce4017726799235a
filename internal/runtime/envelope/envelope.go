// Package envelope wraps message payloads with the metadata flotilla services
// exchange: message id, timestamp, topic and payload encoding.
package envelope

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/flotilla/internal/runtime/jsoncodec"
)

// CompressThreshold is the serialized payload size from which data is
// compressed. Many brokers cap messages near 64KB or 256KB.
const CompressThreshold = 60000

// Data encodings recorded in the envelope metadata.
const (
	EncodingRaw            = "raw"
	EncodingBase64GzipJSON = "base64_gzip_json"
	EncodingProto          = "proto"
	EncodingGzipProto      = "gzip_proto"
)

var (
	// ErrIncompatibleProtocol is returned with a partially filled Message when
	// the payload was produced under a protocol version this envelope cannot
	// decode. UUID, Timestamp and Topic are still set.
	ErrIncompatibleProtocol = errors.New("envelope: incompatible protocol version")
	// ErrMalformedEnvelope means the payload could not be decoded at all.
	ErrMalformedEnvelope = errors.New("envelope: malformed payload")
	// ErrUnsupportedData is returned by Build for data it cannot serialize.
	ErrUnsupportedData = errors.New("envelope: unsupported data type")
)

// Service identifies the publishing service instance.
type Service struct {
	Name string
	UUID string
}

// Envelope builds and parses wire payloads. Implementations are swappable
// per subscription.
type Envelope interface {
	Build(ctx context.Context, svc Service, topic string, data any) (string, error)
	Parse(ctx context.Context, payload string) (*Message, error)
}

// Message is a parsed envelope.
type Message struct {
	UUID                       string
	ProtocolVersion            string
	CompatibleProtocolVersions []string
	Timestamp                  float64
	Topic                      string
	Encoding                   string
	Service                    Service
	// Data holds the decoded payload: JSON for the JSON envelope, protobuf
	// wire bytes for the proto envelope.
	Data []byte
}

// Time converts the float timestamp.
func (m *Message) Time() time.Time {
	sec, frac := math.Modf(m.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Decode unmarshals the payload into v. Proto payloads require a
// proto.Message target.
func (m *Message) Decode(v any) error {
	if pm, ok := v.(proto.Message); ok && m.isProto() {
		return m.DecodeProto(pm)
	}
	if m.isProto() {
		return fmt.Errorf("%w: proto payload needs a proto.Message target, got %T", ErrUnsupportedData, v)
	}
	return jsoncodec.Unmarshal(m.Data, v)
}

// DecodeProto unmarshals a protobuf payload.
func (m *Message) DecodeProto(pm proto.Message) error {
	return proto.Unmarshal(m.Data, pm)
}

func (m *Message) isProto() bool {
	return m.Encoding == EncodingProto || m.Encoding == EncodingGzipProto
}

func timestamp(now time.Time) float64 {
	return float64(now.UnixNano()) / 1e9
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEnvelope, fmt.Sprintf(format, args...))
}

func compatible(own string, ownCompatible []string, msgVersion string, msgCompatible []string) bool {
	if msgVersion == own {
		return true
	}
	for _, v := range ownCompatible {
		if v == msgVersion {
			return true
		}
	}
	for _, v := range msgCompatible {
		if v == own {
			return true
		}
	}
	return false
}

// ByName returns the built-in envelope configured by name: "json", "proto"
// or "cloudevents".
func ByName(name string) (Envelope, error) {
	switch name {
	case "", "json":
		return NewJSONEnvelope(), nil
	case "proto":
		return NewProtoEnvelope(), nil
	case "cloudevents":
		return NewCloudEventsEnvelope(), nil
	default:
		return nil, fmt.Errorf("envelope: unknown envelope %q", name)
	}
}
