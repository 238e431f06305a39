// Package protocol implements the wire format shared by every client and
// server message: a four-field envelope, serialized as JSON.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies an envelope's payload variant. Both directions of the wire
// share the same type, and nothing here restricts a kind to one direction;
// ping and pong travel both ways.
type Kind string

const (
	// Server -> client.
	KindSessionCreated         Kind = "session_created"
	KindAuthError              Kind = "auth_error"
	KindPing                   Kind = "ping"
	KindPong                   Kind = "pong"
	KindTranscript             Kind = "transcript"
	KindResponseStart          Kind = "response_start"
	KindResponseAudio          Kind = "response_audio"
	KindResponseVideo          Kind = "response_video"
	KindResponseEnd            Kind = "response_end"
	KindConversationInterrupt  Kind = "conversation:interrupted"
	KindError                  Kind = "error"
	KindStateChanged           Kind = "state:changed"
	KindStateError             Kind = "state:error"
	KindASRRetryAcknowledged   Kind = "asr_retry_acknowledged"

	// Client -> server.
	KindAudioChunk   Kind = "audio_chunk"
	KindInterruption Kind = "interruption"
	KindEndUtterance Kind = "end_utterance"
	KindRetryASR     Kind = "retry_asr"
)

// ErrInvalidEnvelope is wrapped by every validation failure returned from
// Deserialize, so callers can distinguish a malformed wire payload from an
// I/O error further up the stack.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the transient wire object shared by every message: a
// non-empty kind, an optional session id, a free-form data payload, and a
// strictly positive millisecond timestamp.
type Envelope struct {
	Type      Kind            `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// wireEnvelope mirrors Envelope but keeps Data as `any` on the encode path so
// callers can build an Envelope from an arbitrary Go value via New rather
// than having to pre-marshal it themselves.
type wireEnvelope struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// New builds a validated Envelope from a Go value for data. It fails the
// same way Deserialize would on an invalid kind or timestamp.
func New(kind Kind, sessionID string, data any, timestampMs int64) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: marshal data: %v", ErrInvalidEnvelope, err)
	}
	if data == nil {
		raw = nil
	}
	e := Envelope{Type: kind, SessionID: sessionID, Data: raw, Timestamp: timestampMs}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate checks the envelope's two wire invariants: kind non-empty,
// timestamp strictly positive. SessionID and Data are unconstrained
// beyond their Go types.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: kind must be non-empty", ErrInvalidEnvelope)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be a positive integer", ErrInvalidEnvelope)
	}
	return nil
}

// Serialize renders the envelope as the bit-exact textual (JSON) wire
// form: exactly the keys type/sessionId/data/timestamp.
func Serialize(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	w := wireEnvelope{
		Type:      e.Type,
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
	}
	if len(e.Data) > 0 {
		w.Data = e.Data
	}
	return json.Marshal(w)
}

// Deserialize is total: it never panics and never returns a zero Envelope
// without an error. Malformed JSON, a missing/empty kind, or a non-positive
// timestamp all produce a descriptive error wrapping ErrInvalidEnvelope.
func Deserialize(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// DecodeData unmarshals the envelope's data payload into out. It is a
// convenience for callers that know the expected shape for a given kind.
func (e Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return errors.New("envelope has no data payload")
	}
	return json.Unmarshal(e.Data, out)
}
