package conversation

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/registry"
)

type dispatchFunc func(ctx context.Context, req *DispatchRequest) (*DispatchResult, error)

func (f dispatchFunc) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	return f(ctx, req)
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (s *sinkRecorder) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sinkRecorder) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type echoAgent struct{}

func (echoAgent) Invoke(_ context.Context, query, _ string) (*a2a.AgentResult, error) {
	return &a2a.AgentResult{Text: "echo: " + query}, nil
}
func (echoAgent) ProcessingMessage() string       { return "Echoing..." }
func (echoAgent) SupportedContentTypes() []string { return []string{"text"} }

// agentServer runs an echo task server and returns its base url.
func agentServer(t *testing.T, name string, streaming bool) string {
	t.Helper()
	card := &a2a.AgentCard{Name: name, Version: "1.0.0", Capabilities: a2a.Capabilities{Streaming: streaming}}
	tm := a2a.NewTaskManager(a2a.TaskManagerConfig{Agent: echoAgent{}, Card: card})
	srv := httptest.NewServer(a2a.NewHandler(a2a.HandlerConfig{Manager: tm}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newManager(t *testing.T, d Dispatcher) *InMemory {
	t.Helper()
	return NewInMemory(Config{Registry: registry.New(nil, nil), Dispatcher: d})
}

func responder(texts ...string) Dispatcher {
	msgs := make([]a2a.Message, 0, len(texts))
	for _, s := range texts {
		msgs = append(msgs, a2a.NewTextMessage(a2a.RoleAgent, s))
	}
	return ResponderDispatcher{Source: NewSequenceSource(msgs...), Name: "Responder"}
}

func userMessage(conversationID, text string) a2a.Message {
	msg := a2a.NewTextMessage(a2a.RoleUser, text)
	msg.Metadata = map[string]any{a2a.MetaConversationID: conversationID}
	return msg
}

func firstText(t *testing.T, m a2a.Message) string {
	t.Helper()
	text, _ := m.FirstText()
	return text
}
