// ABOUTME: Echo handler that completes every task with its own payload
// ABOUTME: Used by the fake-agent binary and in tests

package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
)

// EchoHandler completes tasks by echoing their payload back under "echo".
// A payload containing "fail": "<reason>" fails the task instead.
type EchoHandler struct{}

func (EchoHandler) HandleTask(_ context.Context, task Task) (map[string]any, error) {
	var in map[string]any
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &in); err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
	}
	if reason, ok := in["fail"].(string); ok {
		return nil, fmt.Errorf("%s", reason)
	}
	return map[string]any{"echo": in}, nil
}

func (EchoHandler) HandleUserRequest(context.Context, UserRequest) error {
	return ErrUnsupported
}
