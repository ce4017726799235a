package envelope

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/drblury/flotilla/internal/runtime/ids"
	"github.com/drblury/flotilla/internal/runtime/jsoncodec"
)

// JSONProtocolVersion is stamped on every JSON envelope.
const JSONProtocolVersion = "flotilla-json-base--1.0.0"

type jsonService struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

type jsonMetadata struct {
	MessageUUID                string   `json:"message_uuid"`
	ProtocolVersion            string   `json:"protocol_version"`
	CompatibleProtocolVersions []string `json:"compatible_protocol_versions"`
	Timestamp                  float64  `json:"timestamp"`
	Topic                      string   `json:"topic"`
	DataEncoding               string   `json:"data_encoding"`
}

type jsonEnvelope struct {
	Service  jsonService          `json:"service"`
	Metadata *jsonMetadata        `json:"metadata"`
	Data     jsoncodec.RawMessage `json:"data"`
}

// JSONEnvelope is the plain structured envelope.
type JSONEnvelope struct {
	// Now replaces time.Now, for tests.
	Now func() time.Time
	// CompatibleVersions lists foreign protocol versions this envelope
	// accepts in addition to its own.
	CompatibleVersions []string
}

func NewJSONEnvelope() *JSONEnvelope {
	return &JSONEnvelope{}
}

func (e *JSONEnvelope) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Build serializes data, which may be any JSON-marshalable value. []byte and
// RawMessage values holding valid JSON are embedded as-is.
func (e *JSONEnvelope) Build(ctx context.Context, svc Service, topic string, data any) (string, error) {
	raw, err := marshalJSONData(data)
	if err != nil {
		return "", err
	}

	encoding := EncodingRaw
	if len(raw) >= CompressThreshold {
		compressed, err := gzipBytes(raw)
		if err != nil {
			return "", err
		}
		raw, err = jsoncodec.Marshal(base64.StdEncoding.EncodeToString(compressed))
		if err != nil {
			return "", err
		}
		encoding = EncodingBase64GzipJSON
	}

	env := jsonEnvelope{
		Service: jsonService{Name: svc.Name, UUID: svc.UUID},
		Metadata: &jsonMetadata{
			MessageUUID:                ids.MessageUUID(svc.UUID),
			ProtocolVersion:            JSONProtocolVersion,
			CompatibleProtocolVersions: []string{JSONProtocolVersion},
			Timestamp:                  timestamp(e.now()),
			Topic:                      topic,
			DataEncoding:               encoding,
		},
		Data: raw,
	}
	return jsoncodec.MarshalString(env)
}

func marshalJSONData(data any) ([]byte, error) {
	switch v := data.(type) {
	case jsoncodec.RawMessage:
		if jsoncodec.Valid(v) {
			return v, nil
		}
	case []byte:
		if jsoncodec.Valid(v) {
			return v, nil
		}
	}
	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return nil, errors.Join(ErrUnsupportedData, err)
	}
	return raw, nil
}

func (e *JSONEnvelope) Parse(ctx context.Context, payload string) (*Message, error) {
	var env jsonEnvelope
	if err := jsoncodec.UnmarshalString(payload, &env); err != nil {
		return nil, malformed("%v", err)
	}
	if env.Metadata == nil || env.Metadata.MessageUUID == "" {
		return nil, malformed("missing metadata")
	}

	meta := env.Metadata
	msg := &Message{
		UUID:                       meta.MessageUUID,
		ProtocolVersion:            meta.ProtocolVersion,
		CompatibleProtocolVersions: meta.CompatibleProtocolVersions,
		Timestamp:                  meta.Timestamp,
		Topic:                      meta.Topic,
		Encoding:                   meta.DataEncoding,
		Service:                    Service{Name: env.Service.Name, UUID: env.Service.UUID},
	}
	if !compatible(JSONProtocolVersion, e.CompatibleVersions, meta.ProtocolVersion, meta.CompatibleProtocolVersions) {
		return msg, ErrIncompatibleProtocol
	}

	switch meta.DataEncoding {
	case EncodingRaw, "":
		msg.Encoding = EncodingRaw
		msg.Data = env.Data
	case EncodingBase64GzipJSON:
		var encoded string
		if err := jsoncodec.Unmarshal(env.Data, &encoded); err != nil {
			return nil, malformed("compressed data is not a string: %v", err)
		}
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, malformed("compressed data is not base64: %v", err)
		}
		data, err := gunzipBytes(compressed)
		if err != nil {
			return nil, malformed("compressed data is not gzip: %v", err)
		}
		msg.Data = data
	default:
		return nil, malformed("unknown data encoding %q", meta.DataEncoding)
	}
	return msg, nil
}
