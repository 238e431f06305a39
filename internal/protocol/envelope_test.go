package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	e, err := New(KindTranscript, "sess-1", map[string]any{"text": "hello", "isFinal": true}, 1700000000000)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	raw, err := Serialize(e)
	if err != nil {
		t.Fatalf("Serialize returned error: %v", err)
	}

	got, err := Deserialize(raw)
	if err != nil {
		t.Fatalf("Deserialize returned error: %v", err)
	}

	if got.Type != e.Type || got.SessionID != e.SessionID || got.Timestamp != e.Timestamp {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}

	var data map[string]any
	if err := got.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData returned error: %v", err)
	}
	if data["text"] != "hello" || data["isFinal"] != true {
		t.Fatalf("data mismatch after round trip: %v", data)
	}
}

func TestDeserializeRejectsMissingKind(t *testing.T) {
	raw := []byte(`{"sessionId":"s1","timestamp":1700000000000}`)
	if _, err := Deserialize(raw); err == nil {
		t.Fatalf("Deserialize(%s) = nil error, want error", raw)
	} else if !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("Deserialize error = %v, want wrapping ErrInvalidEnvelope", err)
	}
}

func TestDeserializeRejectsNonPositiveTimestamp(t *testing.T) {
	cases := []string{
		`{"type":"ping","timestamp":0}`,
		`{"type":"ping","timestamp":-1}`,
	}
	for _, raw := range cases {
		if _, err := Deserialize([]byte(raw)); err == nil {
			t.Fatalf("Deserialize(%s) = nil error, want error", raw)
		}
	}
}

func TestDeserializeRejectsMalformedJSON(t *testing.T) {
	if _, err := Deserialize([]byte(`{not json`)); err == nil {
		t.Fatalf("Deserialize(malformed) = nil error, want error")
	}
}

func TestSerializeOmitsEmptySessionID(t *testing.T) {
	e, err := New(KindPing, "", nil, 1700000000000)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	raw, err := Serialize(e)
	if err != nil {
		t.Fatalf("Serialize returned error: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal serialized envelope: %v", err)
	}
	if _, ok := m["sessionId"]; ok {
		t.Fatalf("serialized envelope contains sessionId, want it omitted")
	}
	if _, ok := m["data"]; ok {
		t.Fatalf("serialized envelope contains data, want it omitted")
	}
}

func TestValidateRejectsEmptyKind(t *testing.T) {
	e := Envelope{Timestamp: 1}
	if err := e.Validate(); err == nil {
		t.Fatalf("Validate() = nil, want error for empty kind")
	}
}
