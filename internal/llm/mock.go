package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockInvoker implements Invoker for testing. Responses are served from a
// scripted queue; a Script function, when set, takes precedence and can
// inspect the request.
type MockInvoker struct {
	mu        sync.Mutex
	responses []*CompletionResponse
	requests  []CompletionRequest

	// Script, when non-nil, computes the response for each call.
	Script func(req CompletionRequest) (*CompletionResponse, error)
}

// NewMockInvoker builds a mock that replays the given responses in order.
func NewMockInvoker(responses ...*CompletionResponse) *MockInvoker {
	return &MockInvoker{responses: responses}
}

// Complete pops the next scripted response.
func (m *MockInvoker) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if m.Script != nil {
		return m.Script(req)
	}
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock invoker: no scripted responses left")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

// Model returns a fixed mock identifier.
func (m *MockInvoker) Model() string {
	return "mock-model"
}

// Requests returns a copy of all captured requests.
func (m *MockInvoker) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.requests...)
}

// Text builds a plain terminal response.
func Text(content string) *CompletionResponse {
	return &CompletionResponse{Content: content, StopReason: "stop"}
}

// Call builds a single-tool-call response.
func Call(name string, args map[string]any) *CompletionResponse {
	return &CompletionResponse{
		ToolCalls:  []ToolCall{{ID: fmt.Sprintf("call-%s", name), Name: name, Arguments: args}},
		StopReason: "tool_use",
	}
}
