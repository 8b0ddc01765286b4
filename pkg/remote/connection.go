// Package remote dispatches tasks to one remote agent and reports every
// update back through a callback.
package remote

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Callback receives each update for a task together with the card of the
// agent producing it, and returns the caller's current view of the task.
type Callback func(update a2a.TaskUpdate, card *a2a.AgentCard) *a2a.Task

type Config struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Connection is the channel to a single agent. It is safe for concurrent use.
type Connection struct {
	card   a2a.AgentCard
	client *a2a.Client
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewConnection(card a2a.AgentCard, cfg Config) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Connection{
		card: card,
		client: a2a.NewClient(a2a.ClientConfig{
			URL:        card.URL,
			Timeout:    cfg.Timeout,
			HTTPClient: cfg.HTTPClient,
		}),
		logger:  cfg.Logger.With("component", "remote", "agent", card.Name),
		pending: make(map[string]struct{}),
	}
}

func (c *Connection) Card() a2a.AgentCard { return c.card }

// Pending returns the ids of tasks currently in flight on this connection.
func (c *Connection) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Connection) track(id string) func() {
	c.mu.Lock()
	c.pending[id] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
}

// SendTask dispatches p and returns the last task snapshot. Transport and
// protocol failures are never returned: they become a failed task carrying
// the outbound message, reported to cb exactly once.
func (c *Connection) SendTask(ctx context.Context, p a2a.TaskSendParams, cb Callback) *a2a.Task {
	defer c.track(p.ID)()

	ctx, span := telemetry.StartSpan(ctx, "remote.send_task",
		attribute.String("task.id", p.ID),
		attribute.String("agent.url", c.card.URL),
		attribute.Bool("streaming", c.card.Capabilities.Streaming),
	)
	defer span.End()

	if cb == nil {
		cb = func(u a2a.TaskUpdate, _ *a2a.AgentCard) *a2a.Task {
			t, _ := u.(*a2a.Task)
			return t
		}
	}

	if c.card.Capabilities.Streaming {
		return c.sendStreaming(ctx, p, cb)
	}

	task, err := c.client.SendTask(ctx, p)
	if err != nil {
		telemetry.FailSpan(span, err)
		return c.fail(p, err, cb)
	}
	annotate(task, p)
	if t := cb(task, &c.card); t != nil {
		return t
	}
	return task
}

func (c *Connection) sendStreaming(ctx context.Context, p a2a.TaskSendParams, cb Callback) *a2a.Task {
	events, err := c.client.SendTaskStreaming(ctx, p)
	if err != nil {
		return c.fail(p, err, cb)
	}

	outbound := p.Message.Clone()
	task := cb(&a2a.Task{
		ID:        p.ID,
		SessionID: p.SessionID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted, Message: &outbound, Timestamp: time.Now().UTC()},
		History:   []a2a.Message{p.Message.Clone()},
		Metadata:  a2a.MergeMetadata(nil, p.Metadata),
	}, &c.card)

	for it := range events {
		if it.Err != nil {
			return c.fail(p, it.Err, cb)
		}
		annotate(it.Update, p)
		if t := cb(it.Update, &c.card); t != nil {
			task = t
		}
		if st, ok := it.Update.(*a2a.TaskStatusUpdateEvent); ok && st.Final {
			break
		}
	}
	if err := ctx.Err(); err != nil && (task == nil || !task.Status.State.Terminal()) {
		return c.fail(p, err, cb)
	}
	return task
}

func (c *Connection) fail(p a2a.TaskSendParams, cause error, cb Callback) *a2a.Task {
	c.logger.Warn("task dispatch failed",
		slog.String("task_id", p.ID),
		slog.String("url", c.card.URL),
		slog.String("error", cause.Error()),
	)
	telemetry.Metrics.ErrorsTotal.WithLabelValues("remote").Inc()

	outbound := p.Message.Clone()
	failed := &a2a.Task{
		ID:        p.ID,
		SessionID: p.SessionID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateFailed, Message: &outbound, Timestamp: time.Now().UTC()},
		History:   []a2a.Message{p.Message.Clone()},
		Metadata:  a2a.MergeMetadata(nil, p.Metadata),
	}
	if t := cb(failed, &c.card); t != nil {
		return t
	}
	return failed
}

// annotate folds the request metadata into u and gives any status message a
// fresh id, keeping the old one as last_message_id.
func annotate(u a2a.TaskUpdate, p a2a.TaskSendParams) {
	var status *a2a.TaskStatus
	switch ev := u.(type) {
	case *a2a.Task:
		ev.Metadata = a2a.MergeMetadata(ev.Metadata, p.Metadata)
		status = &ev.Status
	case *a2a.TaskStatusUpdateEvent:
		ev.Metadata = a2a.MergeMetadata(ev.Metadata, p.Metadata)
		status = &ev.Status
	case *a2a.TaskArtifactUpdateEvent:
		ev.Metadata = a2a.MergeMetadata(ev.Metadata, p.Metadata)
	}
	if status == nil || status.Message == nil {
		return
	}
	status.Message.Metadata = a2a.MergeMetadata(status.Message.Metadata, p.Message.Metadata)
	a2a.RotateMessageID(status.Message)
}
