package envelope

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/flotilla/internal/runtime/ids"
	"github.com/drblury/flotilla/internal/runtime/jsoncodec"
)

// CloudEventsProtocolVersion is stamped on every CloudEvents envelope in the
// flotillaprotocol extension attribute.
const CloudEventsProtocolVersion = "flotilla-cloudevents--1.0.0"

// CloudEventsSpecVersion is the CloudEvents version produced and accepted.
const CloudEventsSpecVersion = "1.0"

const (
	contentTypeJSON  = "application/json"
	contentTypeProto = "application/protobuf"
)

// cloudEvent is the structured-mode JSON form of a CloudEvents 1.0 event.
// Extension attribute names must be lower-case alphanumerics, and their
// values scalars, so compatible versions travel as a comma separated list.
type cloudEvent struct {
	SpecVersion     string               `json:"specversion"`
	ID              string               `json:"id"`
	Source          string               `json:"source"`
	Type            string               `json:"type"`
	Time            string               `json:"time,omitempty"`
	DataContentType string               `json:"datacontenttype,omitempty"`
	Data            jsoncodec.RawMessage `json:"data,omitempty"`
	DataBase64      string               `json:"data_base64,omitempty"`

	Protocol        string `json:"flotillaprotocol,omitempty"`
	Compatible      string `json:"flotillacompatible,omitempty"`
	Encoding        string `json:"flotillaencoding,omitempty"`
	ServiceName     string `json:"flotillaservice,omitempty"`
	ServiceInstance string `json:"flotillainstance,omitempty"`
}

// CloudEventsEnvelope writes CloudEvents 1.0 structured JSON. The topic is
// the event type and the publishing service the source. Events without
// flotilla extensions, as produced by other CloudEvents clients, are accepted
// and treated as JSON or binary by their datacontenttype.
type CloudEventsEnvelope struct {
	Now                func() time.Time
	CompatibleVersions []string
}

func NewCloudEventsEnvelope() *CloudEventsEnvelope {
	return &CloudEventsEnvelope{}
}

func (e *CloudEventsEnvelope) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Build accepts what the JSON envelope accepts plus proto.Message values,
// which are carried in data_base64. Large payloads are gzipped into
// data_base64 as well.
func (e *CloudEventsEnvelope) Build(ctx context.Context, svc Service, topic string, data any) (string, error) {
	evt := cloudEvent{
		SpecVersion:     CloudEventsSpecVersion,
		ID:              ids.MessageUUID(svc.UUID),
		Source:          "/" + svc.Name,
		Type:            topic,
		Time:            e.now().UTC().Format(time.RFC3339Nano),
		Protocol:        CloudEventsProtocolVersion,
		Compatible:      CloudEventsProtocolVersion,
		ServiceName:     svc.Name,
		ServiceInstance: svc.UUID,
	}

	if pm, ok := data.(proto.Message); ok {
		raw, err := proto.Marshal(pm)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedData, err)
		}
		evt.DataContentType = contentTypeProto
		if err := evt.setBinary(raw, EncodingProto, EncodingGzipProto); err != nil {
			return "", err
		}
		return jsoncodec.MarshalString(evt)
	}

	raw, err := marshalJSONData(data)
	if err != nil {
		return "", err
	}
	evt.DataContentType = contentTypeJSON
	if len(raw) >= CompressThreshold {
		if err := evt.setBinary(raw, EncodingRaw, EncodingBase64GzipJSON); err != nil {
			return "", err
		}
	} else {
		evt.Data = raw
		evt.Encoding = EncodingRaw
	}
	return jsoncodec.MarshalString(evt)
}

func (evt *cloudEvent) setBinary(raw []byte, plain, compressed string) error {
	evt.Encoding = plain
	if len(raw) >= CompressThreshold {
		gz, err := gzipBytes(raw)
		if err != nil {
			return err
		}
		raw = gz
		evt.Encoding = compressed
	}
	evt.DataBase64 = base64.StdEncoding.EncodeToString(raw)
	return nil
}

func (e *CloudEventsEnvelope) Parse(ctx context.Context, payload string) (*Message, error) {
	var evt cloudEvent
	if err := jsoncodec.UnmarshalString(payload, &evt); err != nil {
		return nil, malformed("%v", err)
	}
	switch {
	case evt.SpecVersion != CloudEventsSpecVersion:
		return nil, malformed("unsupported specversion %q", evt.SpecVersion)
	case evt.ID == "" || evt.Source == "" || evt.Type == "":
		return nil, malformed("id, source and type are required")
	}

	msg := &Message{
		UUID:            evt.ID,
		ProtocolVersion: evt.Protocol,
		Topic:           evt.Type,
		Service:         Service{Name: evt.ServiceName, UUID: evt.ServiceInstance},
	}
	if msg.Service.Name == "" {
		msg.Service.Name = strings.TrimPrefix(evt.Source, "/")
	}
	if evt.Compatible != "" {
		msg.CompatibleProtocolVersions = strings.Split(evt.Compatible, ",")
	}
	if evt.Time != "" {
		t, err := parseEventTime(evt.Time)
		if err != nil {
			return nil, malformed("time: %v", err)
		}
		msg.Timestamp = timestamp(t)
	}
	if evt.Protocol != "" && !compatible(CloudEventsProtocolVersion, e.CompatibleVersions, evt.Protocol, msg.CompatibleProtocolVersions) {
		return msg, ErrIncompatibleProtocol
	}

	if evt.DataBase64 == "" {
		msg.Encoding = EncodingRaw
		msg.Data = evt.Data
		return msg, nil
	}

	raw, err := base64.StdEncoding.DecodeString(evt.DataBase64)
	if err != nil {
		return nil, malformed("data_base64: %v", err)
	}
	msg.Encoding = evt.Encoding
	if msg.Encoding == "" {
		msg.Encoding = EncodingRaw
		if strings.HasPrefix(evt.DataContentType, contentTypeProto) {
			msg.Encoding = EncodingProto
		}
	}
	switch msg.Encoding {
	case EncodingRaw, EncodingProto:
		msg.Data = raw
	case EncodingBase64GzipJSON, EncodingGzipProto:
		if msg.Data, err = gunzipBytes(raw); err != nil {
			return nil, malformed("compressed data is not gzip: %v", err)
		}
	default:
		return nil, malformed("unknown data encoding %q", msg.Encoding)
	}
	return msg, nil
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// parseEventTime accepts RFC 3339 and the zone-less form some producers emit.
func parseEventTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range eventTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
