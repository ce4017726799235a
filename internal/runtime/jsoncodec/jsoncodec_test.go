package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "flotilla"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"id\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded != payload {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}

func TestStringHelpersAndRawMessage(t *testing.T) {
	type wrapper struct {
		Data RawMessage `json:"data"`
	}

	encoded, err := MarshalString(map[string]any{"data": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("marshal string failed: %v", err)
	}

	var w wrapper
	if err := UnmarshalString(encoded, &w); err != nil {
		t.Fatalf("unmarshal string failed: %v", err)
	}
	if string(w.Data) != `{"k":"v"}` {
		t.Fatalf("expected raw data to be preserved, got %s", string(w.Data))
	}
	if !Valid(w.Data) || Valid([]byte("{nope")) {
		t.Fatal("unexpected validity result")
	}
}
