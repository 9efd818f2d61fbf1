package testutil

import (
	"context"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// MockModel provides deterministic model responses for testing. Each call
// returns the next scripted response in order; when the script runs out,
// the last response repeats.
//
// Thread-safe for concurrent use.
type MockModel struct {
	mu        sync.Mutex
	responses []string
	requests  []*ai.ModelRequest
}

// NewMockModel creates a mock model that plays back the given responses.
func NewMockModel(responses ...string) *MockModel {
	return &MockModel{responses: responses}
}

// Calls returns how many times the model was invoked.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Request returns the recorded request of call i (0-based).
func (m *MockModel) Request(i int) *ai.ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// Register registers the mock as a Genkit model under "mock/build-model".
func (m *MockModel) Register(g *genkit.Genkit) ai.Model {
	return genkit.DefineModel(g, "mock/build-model", &ai.ModelOptions{
		Label: "Mock Build Model",
		Supports: &ai.ModelSupports{
			Multiturn:  true,
			Tools:      true,
			SystemRole: true,
			Media:      true,
		},
	}, m.generate)
}

func (m *MockModel) generate(_ context.Context, req *ai.ModelRequest, _ ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	m.mu.Lock()
	call := len(m.requests)
	m.requests = append(m.requests, req)
	text := ""
	if len(m.responses) > 0 {
		if call >= len(m.responses) {
			call = len(m.responses) - 1
		}
		text = m.responses[call]
	}
	m.mu.Unlock()

	return &ai.ModelResponse{
		Request: req,
		Message: &ai.Message{
			Role:    ai.RoleModel,
			Content: []*ai.Part{ai.NewTextPart(text)},
		},
	}, nil
}
