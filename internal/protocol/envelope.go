// ABOUTME: Envelope codec: decodes inbound frames into typed envelopes and encodes replies.
// ABOUTME: Keeps the raw frame so forwarded envelopes reach their target unmodified.

package protocol

import (
	"bytes"
	"encoding/json"
)

// Header carries the routing metadata of an envelope.
// Empty optional fields are encoded as JSON null.
type Header struct {
	MessageType   MessageType
	SenderID      string
	CorrelationID string
	TargetAgentID string
	TargetService string
}

type wireHeader struct {
	MessageType   MessageType `json:"message_type"`
	SenderID      string      `json:"sender_id"`
	CorrelationID *string     `json:"correlation_id"`
	TargetAgentID *string     `json:"target_agent_id"`
	TargetService *string     `json:"target_service,omitempty"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// MarshalJSON implements json.Marshaler.
func (h Header) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireHeader{
		MessageType:   h.MessageType,
		SenderID:      h.SenderID,
		CorrelationID: nullable(h.CorrelationID),
		TargetAgentID: nullable(h.TargetAgentID),
		TargetService: nullable(h.TargetService),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Header) UnmarshalJSON(data []byte) error {
	var w wireHeader
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*h = Header{
		MessageType:   w.MessageType,
		SenderID:      w.SenderID,
		CorrelationID: deref(w.CorrelationID),
		TargetAgentID: deref(w.TargetAgentID),
		TargetService: deref(w.TargetService),
	}
	return nil
}

// Envelope is the unit of communication between agents and the router.
type Envelope struct {
	Header  Header          `json:"mcp_header"`
	Payload json.RawMessage `json:"payload"`

	// Raw is the frame as it arrived. Nil for locally built envelopes.
	Raw []byte `json:"-"`
}

// NewEnvelope builds an envelope with payload marshalled to JSON.
func NewEnvelope(header Header, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Header: header, Payload: data}, nil
}

// DecodePayload unmarshals the payload into v. A missing payload decodes as {}.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 || bytes.Equal(e.Payload, []byte("null")) {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// Bytes returns the frame to put on the wire: the received bytes when present,
// otherwise a fresh encoding.
func (e *Envelope) Bytes() ([]byte, error) {
	if e.Raw != nil {
		return e.Raw, nil
	}
	return Encode(e)
}

// Decode parses a raw frame. It fails with *DecodeError when the frame is not
// a JSON object, lacks an mcp_header object, or the header lacks message_type.
func Decode(raw []byte) (*Envelope, error) {
	var frame struct {
		Header  json.RawMessage `json:"mcp_header"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON", Err: err}
	}

	hdr := bytes.TrimSpace(frame.Header)
	if len(hdr) == 0 || hdr[0] != '{' {
		return nil, &DecodeError{Reason: "missing mcp_header object"}
	}

	var header Header
	if err := json.Unmarshal(hdr, &header); err != nil {
		return nil, &DecodeError{Reason: "malformed mcp_header", Err: err}
	}
	if header.MessageType == "" {
		return nil, &DecodeError{Reason: "mcp_header lacks message_type"}
	}

	return &Envelope{
		Header:  header,
		Payload: frame.Payload,
		Raw:     raw,
	}, nil
}

// Encode serializes an envelope. A nil payload is written as {}.
func Encode(e *Envelope) ([]byte, error) {
	out := struct {
		Header  Header          `json:"mcp_header"`
		Payload json.RawMessage `json:"payload"`
	}{
		Header:  e.Header,
		Payload: e.Payload,
	}
	if len(out.Payload) == 0 {
		out.Payload = json.RawMessage("{}")
	}
	return json.Marshal(out)
}

// SalvageCorrelationID pulls correlation_id out of a frame that may be only
// partially valid. It returns "" when nothing usable is found.
func SalvageCorrelationID(raw []byte) string {
	var frame struct {
		Header struct {
			CorrelationID any `json:"correlation_id"`
		} `json:"mcp_header"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ""
	}
	if id, ok := frame.Header.CorrelationID.(string); ok {
		return id
	}
	return ""
}
