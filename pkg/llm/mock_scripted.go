package llm

import (
	"context"
	"errors"
	"sync"
)

// ScriptedMockProvider returns a pre-defined sequence of responses.
// Useful for pipelines that call the model more than once (prompt enhancement, then routing).
type ScriptedMockProvider struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	model     string
	// CallCount tracks how many times Chat has been called
	CallCount int
	// Prompts records the last message content of each request.
	Prompts []string
}

// NewScriptedMockProvider creates a new ScriptedMockProvider reporting model in its responses.
func NewScriptedMockProvider(model string, responses ...string) *ScriptedMockProvider {
	return &ScriptedMockProvider{
		Responses: responses,
		model:     model,
	}
}

// Chat pops the next scripted response or returns the configured error.
func (s *ScriptedMockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CallCount++
	if n := len(req.Messages); n > 0 {
		s.Prompts = append(s.Prompts, req.Messages[n-1].Content)
	}

	if s.Err != nil {
		return nil, s.Err
	}

	if len(s.Responses) == 0 {
		return nil, errors.New("scripted mock: no more responses available")
	}

	content := s.Responses[0]
	s.Responses = s.Responses[1:]

	return &ChatResponse{
		Content: content,
		Model:   s.model,
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: 10,
			TotalTokens:      20,
		},
	}, nil
}

// AddResponse appends a response to the queue.
func (s *ScriptedMockProvider) AddResponse(response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Responses = append(s.Responses, response)
}

// Calls returns the number of Chat calls made so far.
func (s *ScriptedMockProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCount
}
