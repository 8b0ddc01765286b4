// Package conversation is the orchestrator: it owns conversations, their
// messages and the tasks created for them, and hands each message to a
// Dispatcher.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/audit"
	"github.com/igorsilveira/switchboard/pkg/registry"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	actorUser        = "user"
	actorHost        = "host"
	actorAgent       = "agent"
	workingStatus    = "Working..."
	responseName     = "response"
	defaultResponder = "responder"
)

type Config struct {
	Registry   *registry.Registry
	Dispatcher Dispatcher
	Sink       EventSink
	AuditLog   *audit.Logger
	Logger     *slog.Logger
}

// InMemory keeps all orchestrator state in process. Dispatch runs outside the
// lock so separate conversations make progress concurrently.
type InMemory struct {
	registry   *registry.Registry
	dispatcher Dispatcher
	sink       EventSink
	auditLog   *audit.Logger
	logger     *slog.Logger

	mu            sync.RWMutex
	conversations []*Conversation
	messages      []a2a.Message
	events        []Event
	tasks         map[string]*a2a.Task
	taskOrder     []string
	messageTasks  map[string]string
	pending       []string
}

var _ Manager = (*InMemory)(nil)

func NewInMemory(cfg Config) *InMemory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(nil, cfg.Logger)
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = ResponderDispatcher{
			Source: NewSequenceSource(DefaultResponses()...),
			Name:   defaultResponder,
		}
	}
	return &InMemory{
		registry:     cfg.Registry,
		dispatcher:   cfg.Dispatcher,
		sink:         cfg.Sink,
		auditLog:     cfg.AuditLog,
		logger:       cfg.Logger.With("component", "conversation"),
		tasks:        make(map[string]*a2a.Task),
		messageTasks: make(map[string]string),
	}
}

func (m *InMemory) Registry() *registry.Registry { return m.registry }

func (m *InMemory) CreateConversation(ctx context.Context) Conversation {
	c := &Conversation{
		ConversationID: uuid.NewString(),
		IsActive:       true,
		Messages:       []a2a.Message{},
	}
	m.mu.Lock()
	m.conversations = append(m.conversations, c)
	out := c.clone()
	m.mu.Unlock()

	m.audit(ctx, audit.EventConvNew, "", c.ConversationID, nil)
	return out
}

func (m *InMemory) GetConversation(id string) (Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.conversation(id); c != nil {
		return c.clone(), true
	}
	return Conversation{}, false
}

// conversation must be called with m.mu held.
func (m *InMemory) conversation(id string) *Conversation {
	if id == "" {
		return nil
	}
	for _, c := range m.conversations {
		if c.ConversationID == id {
			return c
		}
	}
	return nil
}

// DeleteConversation removes the conversation together with its messages and
// tasks. It reports false when the conversation is unknown.
func (m *InMemory) DeleteConversation(ctx context.Context, id string) bool {
	m.mu.Lock()
	idx := slices.IndexFunc(m.conversations, func(c *Conversation) bool { return c.ConversationID == id })
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.conversations = slices.Delete(m.conversations, idx, idx+1)

	dropped := make(map[string]bool)
	m.messages = slices.DeleteFunc(m.messages, func(msg a2a.Message) bool {
		if msg.ConversationID() == id {
			dropped[msg.MessageID()] = true
			return true
		}
		return false
	})
	m.pending = slices.DeleteFunc(m.pending, func(mid string) bool { return dropped[mid] })

	related := make(map[string]bool)
	for tid, t := range m.tasks {
		if t.SessionID == id || metaString(t.Metadata, a2a.MetaConversationID) == id {
			related[tid] = true
			delete(m.tasks, tid)
		}
	}
	m.taskOrder = slices.DeleteFunc(m.taskOrder, func(tid string) bool { return related[tid] })
	for mid, tid := range m.messageTasks {
		if related[tid] {
			delete(m.messageTasks, mid)
		}
	}
	pending := len(m.pending)
	m.mu.Unlock()

	telemetry.Metrics.PendingMessages.Set(float64(pending))
	m.audit(ctx, audit.EventConvDel, "", id, map[string]any{"tasks": len(related), "messages": len(dropped)})
	m.logger.Info("conversation deleted", slog.String("conversation_id", id))
	return true
}

// SanitizeMessage gives msg a fresh message id so it can be tracked on its way
// through the system.
func (m *InMemory) SanitizeMessage(msg a2a.Message) a2a.Message {
	out := msg.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any)
	}
	if out.Role == "" {
		out.Role = a2a.RoleUser
	}
	out.Metadata[a2a.MetaMessageID] = uuid.NewString()
	return out
}

// ProcessMessage records msg, creates its task and dispatches it. Every call
// adds the message to the pending set once and resolves its task once, no
// matter how the dispatcher behaves; dispatch failures end up as a failed task
// and an error reply, never as a returned error.
func (m *InMemory) ProcessMessage(ctx context.Context, msg a2a.Message) {
	start := time.Now()
	msg = msg.Clone()
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any)
	}
	if msg.MessageID() == "" {
		msg.Metadata[a2a.MetaMessageID] = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = a2a.RoleUser
	}
	messageID := msg.MessageID()
	convID := msg.ConversationID()

	taskMeta := map[string]any{a2a.MetaMessageID: messageID}
	if convID != "" {
		taskMeta[a2a.MetaConversationID] = convID
	}
	status := msg.Clone()
	task := &a2a.Task{
		ID:        uuid.NewString(),
		SessionID: convID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted, Message: &status, Timestamp: time.Now().UTC()},
		History:   []a2a.Message{msg.Clone()},
		Metadata:  taskMeta,
	}

	m.mu.Lock()
	m.messages = append(m.messages, msg)
	known := false
	if c := m.conversation(convID); c != nil {
		c.Messages = append(c.Messages, msg.Clone())
		known = true
	}
	m.pending = append(m.pending, messageID)
	ev := m.appendEvent(actorUser, msg)
	m.tasks[task.ID] = task
	m.taskOrder = append(m.taskOrder, task.ID)
	m.messageTasks[messageID] = task.ID
	submitted := task.Clone()
	pending := len(m.pending)
	m.mu.Unlock()

	m.publish(ev)
	telemetry.Metrics.PendingMessages.Set(float64(pending))
	m.observeState(ctx, submitted)

	mode := dispatchMode(m.dispatcher)
	ctx, span := telemetry.StartSpan(ctx, "conversation.dispatch",
		attribute.String("task.id", task.ID),
		attribute.String("conversation.id", convID),
		attribute.String("dispatch.mode", mode),
	)
	defer span.End()

	res, err := m.dispatch(ctx, &DispatchRequest{Task: submitted, Message: msg.Clone(), OnUpdate: m.ApplyUpdate})
	final := a2a.TaskStateCompleted
	if err != nil {
		telemetry.FailSpan(span, err)
		telemetry.Metrics.ErrorsTotal.WithLabelValues("conversation").Inc()
		m.logger.Warn("dispatch failed",
			slog.String("message_id", messageID),
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		res = &DispatchResult{Response: a2a.NewTextMessage(a2a.RoleAgent, "Error: "+err.Error())}
		final = a2a.TaskStateFailed
	} else if res.Task != nil && res.Task.Status.State == a2a.TaskStateFailed {
		final = a2a.TaskStateFailed
	}

	actor := res.Agent
	if actor == "" {
		actor = actorAgent
	}
	resp := res.Response.Clone()
	resp.Role = a2a.RoleAgent
	md := map[string]any{
		a2a.MetaMessageID:     uuid.NewString(),
		a2a.MetaLastMessageID: messageID,
	}
	md = a2a.MergeMetadata(md, resp.Metadata)
	resp.Metadata = a2a.MergeMetadata(md, msg.Metadata)

	m.mu.Lock()
	if known && m.conversation(convID) == nil {
		m.pending = slices.DeleteFunc(m.pending, func(id string) bool { return id == messageID })
		pending = len(m.pending)
		m.mu.Unlock()
		m.logger.Debug("conversation deleted during dispatch, dropping reply",
			slog.String("message_id", messageID),
			slog.String("conversation_id", convID),
		)
		telemetry.Metrics.PendingMessages.Set(float64(pending))
		return
	}
	m.messages = append(m.messages, resp)
	if c := m.conversation(convID); c != nil {
		c.Messages = append(c.Messages, resp.Clone())
	}
	ev = m.appendEvent(actor, resp)
	resolved := m.resolve(task.ID, final, resp)
	m.pending = slices.DeleteFunc(m.pending, func(id string) bool { return id == messageID })
	pending = len(m.pending)
	m.mu.Unlock()

	m.publish(ev)
	telemetry.Metrics.PendingMessages.Set(float64(pending))
	telemetry.Metrics.DispatchDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if resolved != nil {
		m.observeState(ctx, resolved)
	}
}

func (m *InMemory) dispatch(ctx context.Context, req *DispatchRequest) (res *DispatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	res, err = m.dispatcher.Dispatch(ctx, req)
	if err == nil && res == nil {
		err = fmt.Errorf("dispatcher returned no result")
	}
	return res, err
}

// resolve moves the task into its terminal state with resp as the final
// message. A task already made terminal by an agent update is left as is and
// nil is returned. Must be called with m.mu held.
func (m *InMemory) resolve(taskID string, state a2a.TaskState, resp a2a.Message) *a2a.Task {
	t, ok := m.tasks[taskID]
	if !ok || !t.Status.State.CanTransition(state) {
		return nil
	}
	status := resp.Clone()
	t.Status = a2a.TaskStatus{State: state, Message: &status, Timestamp: time.Now().UTC()}
	t.History = append(t.History, resp.Clone())
	if state == a2a.TaskStateCompleted && len(t.Artifacts) == 0 {
		t.Artifacts = []a2a.Artifact{{Name: responseName, Parts: append([]a2a.Part(nil), resp.Parts...)}}
	}
	return t.Clone()
}

// ApplyUpdate folds an agent-reported update into the local task and returns
// the resulting snapshot, or nil when the task is no longer tracked. Updates
// that would move a task backwards are ignored.
func (m *InMemory) ApplyUpdate(u a2a.TaskUpdate, _ *a2a.AgentCard) *a2a.Task {
	m.mu.Lock()
	t, ok := m.tasks[u.UpdateTaskID()]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	prev := t.Status.State
	if prev.Terminal() {
		out := t.Clone()
		m.mu.Unlock()
		return out
	}

	switch ev := u.(type) {
	case *a2a.Task:
		if prev.CanTransition(ev.Status.State) {
			t.Status = cloneStatus(ev.Status)
		}
		if len(ev.History) > 0 {
			t.History = ev.Clone().History
		}
		if len(ev.Artifacts) > 0 {
			t.Artifacts = ev.Clone().Artifacts
		}
		t.Metadata = a2a.MergeMetadata(t.Metadata, ev.Metadata)
	case *a2a.TaskStatusUpdateEvent:
		if prev.CanTransition(ev.Status.State) {
			t.Status = cloneStatus(ev.Status)
			if ev.Status.Message != nil {
				t.History = append(t.History, ev.Status.Message.Clone())
			}
		}
		t.Metadata = a2a.MergeMetadata(t.Metadata, ev.Metadata)
	case *a2a.TaskArtifactUpdateEvent:
		a := ev.Artifact
		a.Parts = append([]a2a.Part(nil), a.Parts...)
		t.Artifacts = a2a.AppendArtifact(t.Artifacts, a)
	}
	if t.Status.Timestamp.IsZero() {
		t.Status.Timestamp = time.Now().UTC()
	}
	out := t.Clone()
	m.mu.Unlock()

	if out.Status.State != prev {
		m.observeState(context.Background(), out)
	}
	return out
}

func cloneStatus(s a2a.TaskStatus) a2a.TaskStatus {
	if s.Message != nil {
		msg := s.Message.Clone()
		s.Message = &msg
	}
	return s
}

func (m *InMemory) RegisterAgent(ctx context.Context, url string) (a2a.AgentCard, error) {
	card, added, err := m.registry.Register(ctx, url)
	if err != nil {
		return a2a.AgentCard{}, err
	}
	if added {
		m.audit(ctx, audit.EventAgentAdd, "", "", map[string]any{"name": card.Name, "url": card.URL})
	}
	return card, nil
}

func (m *InMemory) DeleteAgent(ctx context.Context, url string) bool {
	if !m.registry.Remove(url) {
		return false
	}
	m.audit(ctx, audit.EventAgentDel, "", "", map[string]any{"url": url})
	return true
}

// PendingMessages lists the messages still awaiting a terminal task in
// arrival order, with a short progress status for each.
func (m *InMemory) PendingMessages() []PendingMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PendingMessage, 0, len(m.pending))
	for _, mid := range m.pending {
		out = append(out, PendingMessage{MessageID: mid, Status: m.pendingStatus(mid)})
	}
	return out
}

func (m *InMemory) pendingStatus(messageID string) string {
	tid, ok := m.messageTasks[messageID]
	if !ok {
		return ""
	}
	t, ok := m.tasks[tid]
	if !ok {
		return ""
	}
	if len(t.History) <= 1 {
		return workingStatus
	}
	if text, ok := t.History[len(t.History)-1].FirstText(); ok {
		return text
	}
	return workingStatus
}

func (m *InMemory) Conversations() []Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		out = append(out, c.clone())
	}
	return out
}

// Messages returns the history of one conversation, or nil if it is unknown.
func (m *InMemory) Messages(conversationID string) []a2a.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.conversation(conversationID)
	if c == nil {
		return nil
	}
	return c.clone().Messages
}

func (m *InMemory) Tasks() []a2a.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]a2a.Task, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		out = append(out, *m.tasks[id].Clone())
	}
	return out
}

func (m *InMemory) Agents() []a2a.AgentCard {
	return m.registry.List()
}

func (m *InMemory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events)
}

// restore re-adds a conversation read back from storage. It reports false if
// a conversation with the same id is already present.
func (m *InMemory) restore(c Conversation, msgs []a2a.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversation(c.ConversationID) != nil {
		return false
	}
	c.Messages = make([]a2a.Message, 0, len(msgs))
	for _, msg := range msgs {
		c.Messages = append(c.Messages, msg.Clone())
		m.messages = append(m.messages, msg)
	}
	m.conversations = append(m.conversations, &c)
	return true
}

// appendEvent must be called with m.mu held.
func (m *InMemory) appendEvent(actor string, content a2a.Message) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Actor:     actor,
		Content:   content.Clone(),
		Timestamp: time.Now().UTC(),
	}
	m.events = append(m.events, ev)
	return ev
}

func (m *InMemory) publish(ev Event) {
	if m.sink != nil {
		m.sink.Publish(ev)
	}
}

func (m *InMemory) observeState(ctx context.Context, t *a2a.Task) {
	state := string(t.Status.State)
	telemetry.Metrics.TasksTotal.WithLabelValues("host", state).Inc()
	m.audit(ctx, audit.TaskEvent(state), t.ID, t.SessionID, nil)
}

func (m *InMemory) audit(ctx context.Context, event, taskID, sessionID string, detail any) {
	if m.auditLog == nil {
		return
	}
	if err := m.auditLog.Log(context.WithoutCancel(ctx), event, taskID, sessionID, actorHost, detail); err != nil {
		m.logger.Warn("audit log write failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func metaString(md map[string]any, key string) string {
	s, _ := md[key].(string)
	return s
}
