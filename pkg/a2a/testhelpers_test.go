package a2a

import (
	"context"
	"errors"
	"testing"
)

type fakeAgent struct {
	reply    string
	err      error
	panicMsg string
	block    chan struct{}
	modes    []string
}

func (f *fakeAgent) Invoke(ctx context.Context, query, _ string) (*AgentResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &AgentResult{Text: f.reply + query}, nil
}

func (f *fakeAgent) ProcessingMessage() string { return "Processing..." }

func (f *fakeAgent) SupportedContentTypes() []string {
	if f.modes == nil {
		return []string{"text", "text/plain"}
	}
	return f.modes
}

var errAgentDown = errors.New("model unavailable")

func testCard() *AgentCard {
	return &AgentCard{
		Name:               "TestAgent",
		Description:        "A test agent",
		URL:                "http://localhost:10002",
		Version:            "1.0.0",
		Capabilities:       Capabilities{Streaming: true},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills:             []Skill{{ID: "echo", Name: "echo", Description: "Echoes input"}},
	}
}

func testManager(t *testing.T, agent Agent) *TaskManager {
	t.Helper()
	return NewTaskManager(TaskManagerConfig{Agent: agent, Card: testCard()})
}

func sendParams(id, text string) TaskSendParams {
	return TaskSendParams{
		ID:                  id,
		SessionID:           "sess-1",
		Message:             NewTextMessage(RoleUser, text),
		AcceptedOutputModes: []string{"text"},
	}
}
