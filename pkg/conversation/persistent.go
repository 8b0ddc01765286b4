package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/storage"
)

type agentsRecord struct {
	Agents []json.RawMessage `json:"agents"`
}

type conversationsRecord struct {
	Conversations []json.RawMessage `json:"conversations"`
}

type messagesRecord struct {
	Messages []json.RawMessage `json:"messages"`
}

// conversationHeader is the stored form of a conversation. Its messages live
// in their own record.
type conversationHeader struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name"`
	IsActive       bool   `json:"is_active"`
}

// Persistent wraps an InMemory manager and writes a snapshot of the affected
// state to storage after every mutating call. Snapshot failures are logged.
type Persistent struct {
	*InMemory
	store  storage.Storage
	logger *slog.Logger

	saveMu sync.Mutex
}

var _ Manager = (*Persistent)(nil)

func NewPersistent(core *InMemory, store storage.Storage, logger *slog.Logger) *Persistent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistent{
		InMemory: core,
		store:    store,
		logger:   logger.With("component", "persistence"),
	}
}

// Load restores agents and conversations from storage. Entries that fail to
// decode and ids that are already present are skipped.
func (p *Persistent) Load(ctx context.Context) {
	var agents agentsRecord
	if p.store.Load(ctx, storage.KeyAgents, &agents) {
		for _, raw := range agents.Agents {
			var card a2a.AgentCard
			if err := json.Unmarshal(raw, &card); err != nil || card.URL == "" {
				p.logger.Warn("skipping stored agent", slog.Any("error", err))
				continue
			}
			p.registry.Add(card)
		}
	}

	var convs conversationsRecord
	if p.store.Load(ctx, storage.KeyConversations, &convs) {
		for _, raw := range convs.Conversations {
			var h conversationHeader
			if err := json.Unmarshal(raw, &h); err != nil || h.ConversationID == "" {
				p.logger.Warn("skipping stored conversation", slog.Any("error", err))
				continue
			}
			c := Conversation{ConversationID: h.ConversationID, Name: h.Name, IsActive: h.IsActive}
			if !p.restore(c, p.loadMessages(ctx, h.ConversationID)) {
				p.logger.Debug("conversation already loaded", slog.String("conversation_id", h.ConversationID))
			}
		}
	}

	p.logger.Info("state loaded",
		slog.Int("agents", p.registry.Len()),
		slog.Int("conversations", len(p.Conversations())),
	)
}

func (p *Persistent) loadMessages(ctx context.Context, conversationID string) []a2a.Message {
	var rec messagesRecord
	if !p.store.Load(ctx, storage.MessagesKey(conversationID), &rec) {
		return nil
	}
	msgs := make([]a2a.Message, 0, len(rec.Messages))
	for _, raw := range rec.Messages {
		var msg a2a.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.logger.Warn("skipping stored message",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()),
			)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (p *Persistent) CreateConversation(ctx context.Context) Conversation {
	c := p.InMemory.CreateConversation(ctx)
	p.saveConversations(ctx, c.ConversationID)
	return c
}

func (p *Persistent) DeleteConversation(ctx context.Context, id string) bool {
	if !p.InMemory.DeleteConversation(ctx, id) {
		return false
	}
	p.saveConversations(ctx)

	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	if err := p.store.Delete(ctx, storage.MessagesKey(id)); err != nil {
		p.logger.Warn("deleting message log failed", slog.String("conversation_id", id), slog.String("error", err.Error()))
	}
	return true
}

func (p *Persistent) ProcessMessage(ctx context.Context, msg a2a.Message) {
	p.InMemory.ProcessMessage(ctx, msg)
	p.saveConversations(ctx, msg.ConversationID())
}

func (p *Persistent) RegisterAgent(ctx context.Context, url string) (a2a.AgentCard, error) {
	card, err := p.InMemory.RegisterAgent(ctx, url)
	if err != nil {
		return card, err
	}
	p.saveAgents(ctx)
	return card, nil
}

func (p *Persistent) DeleteAgent(ctx context.Context, url string) bool {
	if !p.InMemory.DeleteAgent(ctx, url) {
		return false
	}
	p.saveAgents(ctx)
	return true
}

func (p *Persistent) saveAgents(ctx context.Context) {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	rec := struct {
		Agents []a2a.AgentCard `json:"agents"`
	}{Agents: p.registry.List()}
	if err := p.store.Save(ctx, storage.KeyAgents, rec); err != nil {
		p.logger.Warn("saving agents failed", slog.String("error", err.Error()))
	}
}

// saveConversations writes the conversation list and the message logs of the
// given conversations.
func (p *Persistent) saveConversations(ctx context.Context, ids ...string) {
	ctx = context.WithoutCancel(ctx)
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	convs := p.Conversations()
	headers := make([]conversationHeader, 0, len(convs))
	for _, c := range convs {
		headers = append(headers, conversationHeader{ConversationID: c.ConversationID, Name: c.Name, IsActive: c.IsActive})
	}
	rec := struct {
		Conversations []conversationHeader `json:"conversations"`
	}{Conversations: headers}
	if err := p.store.Save(ctx, storage.KeyConversations, rec); err != nil {
		p.logger.Warn("saving conversations failed", slog.String("error", err.Error()))
	}

	for _, id := range ids {
		msgs := p.Messages(id)
		if msgs == nil {
			continue
		}
		rec := struct {
			Messages []a2a.Message `json:"messages"`
		}{Messages: msgs}
		if err := p.store.Save(ctx, storage.MessagesKey(id), rec); err != nil {
			p.logger.Warn("saving messages failed", slog.String("conversation_id", id), slog.String("error", err.Error()))
		}
	}
}
