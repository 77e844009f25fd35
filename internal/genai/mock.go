package genai

import (
	"context"
	"sync"
)

// MockClient returns canned replies and records prompts.
type MockClient struct {
	mu      sync.Mutex
	Reply   string
	Err     error
	Prompts []string
	// Block makes calls wait for ctx cancellation.
	Block bool
}

var _ ClientInterface = (*MockClient)(nil)

func (m *MockClient) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.generate(ctx, userPrompt)
}

func (m *MockClient) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.generate(ctx, userPrompt)
}

func (m *MockClient) generate(ctx context.Context, userPrompt string) (string, error) {
	m.mu.Lock()
	m.Prompts = append(m.Prompts, userPrompt)
	reply, err, block := m.Reply, m.Err, m.Block
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return reply, err
}

// Calls returns how many prompts were received.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Prompts)
}
