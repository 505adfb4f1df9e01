// ABOUTME: The interface agents implement to take part in the fleet
// ABOUTME: Tasks come from other agents; user requests only reach the commander

package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Task is a unit of work assigned by another agent.
type Task struct {
	CorrelationID string
	From          string
	Payload       json.RawMessage
}

// UserRequest is an end-user request routed to the commander.
type UserRequest struct {
	CorrelationID string
	From          string
	Payload       json.RawMessage
}

// Handler processes inbound work. Methods may be called concurrently.
type Handler interface {
	// HandleTask returns the TASK_COMPLETE payload, or an error reported as TASK_FAIL.
	HandleTask(ctx context.Context, task Task) (map[string]any, error)
	// HandleUserRequest is called only on agents acting as commander.
	HandleUserRequest(ctx context.Context, req UserRequest) error
}

// ErrUnsupported is returned by handlers for work they do not accept.
var ErrUnsupported = errors.New("not supported by this agent")

// RouterError is an ERROR envelope received in reply to a request.
type RouterError struct {
	Code    string
	Message string
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("router error %s: %s", e.Code, e.Message)
}

// TaskFailedError is a TASK_FAIL received in reply to AssignTask.
type TaskFailedError struct {
	From   string
	Reason string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task failed on %s: %s", e.From, e.Reason)
}
