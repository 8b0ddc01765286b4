package conversation

import (
	"context"
	"time"

	"github.com/igorsilveira/switchboard/pkg/a2a"
)

type Conversation struct {
	ConversationID string        `json:"conversation_id"`
	Name           string        `json:"name"`
	IsActive       bool          `json:"is_active"`
	Messages       []a2a.Message `json:"messages"`
}

func (c Conversation) clone() Conversation {
	out := c
	out.Messages = make([]a2a.Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

// Event is one entry of the append-only activity log.
type Event struct {
	ID        string      `json:"id"`
	Actor     string      `json:"actor"`
	Content   a2a.Message `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// PendingMessage is a message still waiting for its task to finish. Status is
// a short progress line suitable for display.
type PendingMessage struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// EventSink receives every event as it is appended. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// Manager is the orchestrator surface shared by the in-memory and persistent
// backings.
type Manager interface {
	CreateConversation(ctx context.Context) Conversation
	GetConversation(id string) (Conversation, bool)
	DeleteConversation(ctx context.Context, id string) bool

	SanitizeMessage(msg a2a.Message) a2a.Message
	ProcessMessage(ctx context.Context, msg a2a.Message)

	RegisterAgent(ctx context.Context, url string) (a2a.AgentCard, error)
	DeleteAgent(ctx context.Context, url string) bool

	PendingMessages() []PendingMessage
	Conversations() []Conversation
	Messages(conversationID string) []a2a.Message
	Tasks() []a2a.Task
	Agents() []a2a.AgentCard
	Events() []Event
}
