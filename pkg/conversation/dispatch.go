package conversation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/registry"
	"github.com/igorsilveira/switchboard/pkg/remote"
)

// MetaAgentURL selects the agent a message is routed to.
const MetaAgentURL = "agent_url"

var ErrNoAgents = errors.New("conversation: no agents registered")

// DispatchRequest is handed to a Dispatcher once the task for a message has
// been created. OnUpdate folds agent updates into the orchestrator's copy of
// the task and returns the result.
type DispatchRequest struct {
	Task     *a2a.Task
	Message  a2a.Message
	OnUpdate remote.Callback
}

// DispatchResult carries the reply to a message. Task is the agent's final
// view of the task when the dispatcher talked to one.
type DispatchResult struct {
	Agent    string
	Response a2a.Message
	Task     *a2a.Task
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error)
}

type moder interface {
	Mode() string
}

func dispatchMode(d Dispatcher) string {
	if m, ok := d.(moder); ok {
		return m.Mode()
	}
	return "custom"
}

// ResponseSource produces replies for the local responder.
type ResponseSource interface {
	Next(ctx context.Context) (a2a.Message, error)
}

// SequenceSource cycles through a fixed list of replies.
type SequenceSource struct {
	mu   sync.Mutex
	msgs []a2a.Message
	next int
}

func NewSequenceSource(msgs ...a2a.Message) *SequenceSource {
	return &SequenceSource{msgs: msgs}
}

func (s *SequenceSource) Next(ctx context.Context) (a2a.Message, error) {
	if err := ctx.Err(); err != nil {
		return a2a.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return a2a.Message{}, errors.New("conversation: response sequence is empty")
	}
	msg := s.msgs[s.next].Clone()
	s.next = (s.next + 1) % len(s.msgs)
	return msg, nil
}

// pixel is a 1x1 transparent PNG.
var pixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// DefaultResponses is the demo reply rotation: plain text, a form request and
// an image.
func DefaultResponses() []a2a.Message {
	return []a2a.Message{
		a2a.NewTextMessage(a2a.RoleAgent, "Hello"),
		{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.DataPart(map[string]any{
			"type": "form",
			"form": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "Enter your name",
						"title":       "Name",
					},
					"date": map[string]any{
						"type":        "string",
						"format":      "date",
						"description": "Birthday",
						"title":       "Birthday",
					},
				},
				"required": []any{"date"},
			},
			"form_data":    map[string]any{"name": "John Smith"},
			"instructions": "Please provide your birthday and name",
		})}},
		a2a.NewTextMessage(a2a.RoleAgent, "I like cats"),
		{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.FilePart("pixel.png", "image/png", pixel)}},
		a2a.NewTextMessage(a2a.RoleAgent, "And I like dogs"),
	}
}

// ResponderDispatcher answers every message from a ResponseSource without
// contacting an agent.
type ResponderDispatcher struct {
	Source ResponseSource
	Name   string
}

func (d ResponderDispatcher) Mode() string { return "local" }

func (d ResponderDispatcher) Dispatch(ctx context.Context, _ *DispatchRequest) (*DispatchResult, error) {
	if d.Source == nil {
		return nil, errors.New("conversation: responder has no source")
	}
	msg, err := d.Source.Next(ctx)
	if err != nil {
		return nil, err
	}
	msg.Role = a2a.RoleAgent
	return &DispatchResult{Agent: d.Name, Response: msg}, nil
}

// DefaultOutputModes is what the orchestrator accepts back from agents.
var DefaultOutputModes = []string{"text", "text/plain", "image/png"}

// RemoteDispatcher routes each message to a registered agent over the task
// protocol. Connections are created lazily, one per agent url.
type RemoteDispatcher struct {
	registry *registry.Registry
	cfg      remote.Config

	mu    sync.Mutex
	conns map[string]*remote.Connection
}

func NewRemoteDispatcher(reg *registry.Registry, cfg remote.Config) *RemoteDispatcher {
	return &RemoteDispatcher{
		registry: reg,
		cfg:      cfg,
		conns:    make(map[string]*remote.Connection),
	}
}

func (d *RemoteDispatcher) Mode() string { return "remote" }

func (d *RemoteDispatcher) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	card, err := d.selectAgent(req.Message)
	if err != nil {
		return nil, err
	}

	p := a2a.TaskSendParams{
		ID:                  req.Task.ID,
		SessionID:           req.Task.SessionID,
		Message:             req.Message.Clone(),
		AcceptedOutputModes: DefaultOutputModes,
		Metadata:            a2a.MergeMetadata(nil, req.Task.Metadata),
	}
	task := d.connection(card).SendTask(ctx, p, req.OnUpdate)
	if task == nil {
		return nil, fmt.Errorf("conversation: agent %s returned no task", card.URL)
	}
	return &DispatchResult{
		Agent:    card.Name,
		Response: responseFromTask(task),
		Task:     task,
	}, nil
}

func (d *RemoteDispatcher) selectAgent(msg a2a.Message) (a2a.AgentCard, error) {
	if url, _ := msg.Metadata[MetaAgentURL].(string); url != "" {
		card, ok := d.registry.Get(url)
		if !ok {
			return a2a.AgentCard{}, fmt.Errorf("conversation: agent %s is not registered", url)
		}
		return card, nil
	}
	cards := d.registry.List()
	if len(cards) == 0 {
		return a2a.AgentCard{}, ErrNoAgents
	}
	return cards[0], nil
}

// connection returns the cached connection for card.URL. A connection built
// from a different card, as after the agent was removed and registered again,
// is replaced.
func (d *RemoteDispatcher) connection(card a2a.AgentCard) *remote.Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[card.URL]; ok && reflect.DeepEqual(c.Card(), card) {
		return c
	}
	c := remote.NewConnection(card, d.cfg)
	d.conns[card.URL] = c
	return c
}

// responseFromTask turns the agent's final task into the reply shown in the
// conversation.
func responseFromTask(task *a2a.Task) a2a.Message {
	status := task.Status.Message
	if task.Status.State == a2a.TaskStateFailed {
		if status != nil && status.Role == a2a.RoleAgent {
			return status.Clone()
		}
		return a2a.NewTextMessage(a2a.RoleAgent, "The agent could not complete the request.")
	}

	var parts []a2a.Part
	for _, a := range task.Artifacts {
		parts = append(parts, a.Parts...)
	}
	if len(parts) == 0 && status != nil && status.Role == a2a.RoleAgent {
		parts = append(parts, status.Parts...)
	}
	if len(parts) == 0 {
		parts = []a2a.Part{a2a.TextPart("No content was generated.")}
	}
	return a2a.Message{Role: a2a.RoleAgent, Parts: parts}
}
