// ABOUTME: Mock Transport implementation for testing
// ABOUTME: Records written frames in memory and can be told to fail writes

package agent

import (
	"context"
	"errors"
	"sync"
)

// ErrMockWriteFailed is returned by MockTransport when FailWrites is set.
var ErrMockWriteFailed = errors.New("mock transport: write failed")

// MockTransport is an in-memory Transport that records every frame.
type MockTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	failWrites bool
	closed     bool
}

// NewMockTransport creates a new MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// WriteMessage records data, or fails when FailWrites was called.
func (m *MockTransport) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return ErrMockWriteFailed
	}
	if m.closed {
		return ErrConnectionClosed
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	m.frames = append(m.frames, frame)
	return nil
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailWrites makes every subsequent write fail.
func (m *MockTransport) FailWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = true
}

// Frames returns a copy of every frame written so far.
func (m *MockTransport) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

// IsClosed reports whether Close was called.
func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
