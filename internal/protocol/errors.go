// ABOUTME: Error codes and the single error envelope shape used by every rejection path.
// ABOUTME: Agents rely on {error_code, error_message} regardless of which check failed.

package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrorCode identifies why the router rejected or could not route a frame.
type ErrorCode string

const (
	ErrCodeSenderMismatch    ErrorCode = "E001"
	ErrCodeInvalidFormat     ErrorCode = "E002"
	ErrCodeUnhandledType     ErrorCode = "E003"
	ErrCodeMissingTarget     ErrorCode = "E004"
	ErrCodeTaskForwardFailed ErrorCode = "E005"
	ErrCodeNoCommander       ErrorCode = "E007"
	ErrCodeUserRequestFailed ErrorCode = "E008"
	ErrCodeDiscoveryPayload  ErrorCode = "E010"
	ErrCodeDiscoveryType     ErrorCode = "E011"
	ErrCodeDiscoveryBackend  ErrorCode = "E012"
	ErrCodeInternal          ErrorCode = "E999"
)

var defaultErrorMessages = map[ErrorCode]string{
	ErrCodeSenderMismatch:    "sender_id does not match connection identity",
	ErrCodeInvalidFormat:     "invalid message format",
	ErrCodeUnhandledType:     "unhandled message type",
	ErrCodeMissingTarget:     "TASK_ASSIGN requires target_agent_id",
	ErrCodeTaskForwardFailed: "failed to forward TASK_ASSIGN to target agent",
	ErrCodeNoCommander:       "no commander agent available",
	ErrCodeUserRequestFailed: "failed to forward PROCESS_USER_REQUEST to commander",
	ErrCodeDiscoveryPayload:  "invalid discovery payload",
	ErrCodeDiscoveryType:     "unsupported discovery message type",
	ErrCodeDiscoveryBackend:  "discovery registry unavailable",
	ErrCodeInternal:          "internal router error",
}

// DefaultMessage returns the human-readable text used when no message is given.
func (c ErrorCode) DefaultMessage() string {
	if msg, ok := defaultErrorMessages[c]; ok {
		return msg
	}
	return "error"
}

// ErrorPayload is the payload of every ERROR envelope.
type ErrorPayload struct {
	ErrorCode    ErrorCode `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
}

// BuildError encodes an ERROR envelope from ROUTER to targetAgentID.
// An empty message falls back to the code's default text.
func BuildError(targetAgentID, correlationID string, code ErrorCode, message string) []byte {
	if message == "" {
		message = code.DefaultMessage()
	}
	env := &Envelope{
		Header: Header{
			MessageType:   TypeError,
			SenderID:      RouterID,
			CorrelationID: correlationID,
			TargetAgentID: targetAgentID,
		},
	}
	payload, err := json.Marshal(ErrorPayload{ErrorCode: code, ErrorMessage: message})
	if err != nil {
		// Only strings are marshalled; this cannot fail.
		panic(fmt.Sprintf("marshalling error payload: %v", err))
	}
	env.Payload = payload

	data, err := Encode(env)
	if err != nil {
		panic(fmt.Sprintf("encoding error envelope: %v", err))
	}
	return data
}

// DecodeError reports a frame that is not a well-formed envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
