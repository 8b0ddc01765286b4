package a2a

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/igorsilveira/switchboard/pkg/audit"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const defaultStreamBuffer = 16

// Agent is the generation logic behind a task server. Implementations are
// opaque to the protocol layer.
type Agent interface {
	Invoke(ctx context.Context, query, sessionID string) (*AgentResult, error)
	// ProcessingMessage is shown to streaming clients while Invoke runs.
	ProcessingMessage() string
	SupportedContentTypes() []string
}

// AgentResult is what an agent produced for one query. Err carries an error
// the agent chose to report as content rather than fail on.
type AgentResult struct {
	Text  string
	Files []FileContent
	Data  map[string]any
	Err   string
}

// StreamResponse is one item of a task stream. Exactly one of Update and Err
// is set; an Err item is always the last one.
type StreamResponse struct {
	Update TaskUpdate
	Err    *JSONRPCError
}

type TaskManager struct {
	agent        Agent
	card         *AgentCard
	store        *TaskStore
	push         *PushNotifier
	auditLog     *audit.Logger
	logger       *slog.Logger
	streamBuffer int

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

type TaskManagerConfig struct {
	Agent        Agent
	Card         *AgentCard
	Store        *TaskStore
	Push         *PushNotifier
	AuditLog     *audit.Logger
	Logger       *slog.Logger
	StreamBuffer int
}

func NewTaskManager(cfg TaskManagerConfig) *TaskManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewTaskStore()
	}
	if cfg.Card == nil {
		cfg.Card = &AgentCard{}
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}
	return &TaskManager{
		agent:        cfg.Agent,
		card:         cfg.Card,
		store:        cfg.Store,
		push:         cfg.Push,
		auditLog:     cfg.AuditLog,
		logger:       cfg.Logger.With("component", "a2a"),
		streamBuffer: cfg.StreamBuffer,
		running:      make(map[string]context.CancelFunc),
	}
}

func (tm *TaskManager) Card() *AgentCard  { return tm.card }
func (tm *TaskManager) Store() *TaskStore { return tm.store }

// CompatibleModes reports whether a client accepting accepted can consume the
// output of an agent producing supported. An empty list on either side means
// anything goes.
func CompatibleModes(accepted, supported []string) bool {
	if len(accepted) == 0 || len(supported) == 0 {
		return true
	}
	for _, a := range accepted {
		for _, s := range supported {
			if a == s {
				return true
			}
		}
	}
	return false
}

// ValidateRequest rejects requests whose accepted output modes the agent
// cannot produce.
func (tm *TaskManager) ValidateRequest(p TaskSendParams) *JSONRPCError {
	if !CompatibleModes(p.AcceptedOutputModes, tm.agent.SupportedContentTypes()) {
		tm.logger.Warn("unsupported output mode",
			slog.Any("accepted", p.AcceptedOutputModes),
			slog.Any("supported", tm.agent.SupportedContentTypes()),
		)
		return ErrContentTypeNotSupported()
	}
	return nil
}

func userQuery(m Message) (string, error) {
	text, ok := m.FirstText()
	if !ok {
		return "", errors.New("only text parts are supported")
	}
	return text, nil
}

// prepare validates p and registers the task. Nothing is stored when it
// returns an error.
func (tm *TaskManager) prepare(ctx context.Context, p *TaskSendParams) (string, *JSONRPCError) {
	if rpcErr := tm.ValidateRequest(*p); rpcErr != nil {
		return "", rpcErr
	}
	query, err := userQuery(p.Message)
	if err != nil {
		return "", ErrInvalidParams(err.Error())
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	task, err := tm.store.Upsert(*p)
	if err != nil {
		return "", ErrInvalidParams(fmt.Sprintf("task %q already finished", p.ID))
	}
	tm.record(ctx, task.ID, task.SessionID, task.Status.State, "")
	return query, nil
}

// OnSendTask runs the agent to completion and returns the finished task.
func (tm *TaskManager) OnSendTask(ctx context.Context, p TaskSendParams) (*Task, *JSONRPCError) {
	query, rpcErr := tm.prepare(ctx, &p)
	if rpcErr != nil {
		return nil, rpcErr
	}

	ctx, done := tm.track(ctx, p.ID)
	defer done()

	if _, err := tm.store.Update(p.ID, TaskStatus{State: TaskStateWorking}, nil); err != nil {
		return nil, ErrInternal(err.Error())
	}
	tm.record(ctx, p.ID, p.SessionID, TaskStateWorking, "")

	result, err := tm.invoke(ctx, p.ID, query, p.SessionID)
	if err != nil {
		tm.logger.Error("invoking agent", slog.String("task_id", p.ID), slog.String("error", err.Error()))
		msg := NewTextMessage(RoleAgent, fmt.Sprintf("Error invoking agent: %v", err))
		if _, uerr := tm.store.Update(p.ID, TaskStatus{State: TaskStateFailed, Message: &msg}, nil); uerr == nil {
			tm.record(ctx, p.ID, p.SessionID, TaskStateFailed, err.Error())
			tm.notify(p.ID)
		}
		return nil, ErrInternal(fmt.Sprintf("Error invoking agent: %v", err))
	}

	task, err := tm.store.Update(p.ID, TaskStatus{State: TaskStateCompleted}, ArtifactsFromResult(result))
	if err != nil {
		return nil, ErrInternal(err.Error())
	}
	tm.record(ctx, p.ID, p.SessionID, TaskStateCompleted, "")
	tm.notify(p.ID)
	return task, nil
}

// OnSendTaskSubscribe starts the agent and returns the stream of updates it
// produces. The stream ends after a final status or an error item, or when
// ctx is cancelled.
func (tm *TaskManager) OnSendTaskSubscribe(ctx context.Context, p TaskSendParams) (<-chan StreamResponse, *JSONRPCError) {
	query, rpcErr := tm.prepare(ctx, &p)
	if rpcErr != nil {
		return nil, rpcErr
	}

	out := make(chan StreamResponse, tm.streamBuffer)
	go func() {
		defer close(out)
		runCtx, done := tm.track(ctx, p.ID)
		defer done()
		tm.stream(ctx, runCtx, p, query, out)
	}()
	return out, nil
}

// stream produces the updates of one task. Items are delivered until the
// consumer's ctx is done; runCtx additionally ends when the task is canceled.
func (tm *TaskManager) stream(ctx, runCtx context.Context, p TaskSendParams, query string, out chan<- StreamResponse) {
	send := func(r StreamResponse) bool {
		kind := "status"
		switch {
		case r.Err != nil:
			kind = "error"
		default:
			if _, ok := r.Update.(*TaskArtifactUpdateEvent); ok {
				kind = "artifact"
			}
		}
		select {
		case out <- r:
			telemetry.Metrics.StreamEvents.WithLabelValues(kind).Inc()
			return true
		case <-ctx.Done():
			return false
		}
	}

	progress := NewTextMessage(RoleAgent, tm.agent.ProcessingMessage())
	working, err := tm.store.Update(p.ID, TaskStatus{State: TaskStateWorking, Message: &progress}, nil)
	if err != nil {
		send(StreamResponse{Err: ErrInternal(err.Error())})
		return
	}
	tm.record(ctx, p.ID, p.SessionID, TaskStateWorking, "")
	if !send(StreamResponse{Update: &TaskStatusUpdateEvent{ID: p.ID, Status: working.Status}}) {
		return
	}

	result, err := tm.invoke(runCtx, p.ID, query, p.SessionID)
	if err != nil {
		tm.streamFailure(ctx, p, err, send)
		return
	}

	artifacts := ArtifactsFromResult(result)
	task, err := tm.store.Update(p.ID, TaskStatus{State: TaskStateCompleted}, artifacts)
	if err != nil {
		tm.logger.Error("completing streamed task", slog.String("task_id", p.ID), slog.String("error", err.Error()))
		send(StreamResponse{Err: ErrInternal(fmt.Sprintf("An error occurred while streaming the response: %v", err))})
		return
	}
	tm.record(ctx, p.ID, p.SessionID, TaskStateCompleted, "")
	for _, a := range artifacts {
		if !send(StreamResponse{Update: &TaskArtifactUpdateEvent{ID: p.ID, Artifact: a}}) {
			return
		}
	}
	send(StreamResponse{Update: &TaskStatusUpdateEvent{ID: p.ID, Status: task.Status, Final: true}})
	tm.notify(p.ID)
}

// streamFailure reports cause as a final failed status. When the failure cannot
// be recorded the stream ends with a plain internal error instead.
func (tm *TaskManager) streamFailure(ctx context.Context, p TaskSendParams, cause error, send func(StreamResponse) bool) {
	tm.logger.Error("streaming response", slog.String("task_id", p.ID), slog.String("error", cause.Error()))
	msg := NewTextMessage(RoleAgent, fmt.Sprintf("Error processing request: %v", cause))
	task, err := tm.store.Update(p.ID, TaskStatus{State: TaskStateFailed, Message: &msg}, nil)
	if err != nil {
		tm.logger.Error("recording failed status", slog.String("task_id", p.ID), slog.String("error", err.Error()))
		send(StreamResponse{Err: ErrInternal(fmt.Sprintf("An error occurred while streaming the response: %v", cause))})
		return
	}
	tm.record(ctx, p.ID, p.SessionID, TaskStateFailed, cause.Error())
	send(StreamResponse{Update: &TaskStatusUpdateEvent{ID: p.ID, Status: task.Status, Final: true}})
	tm.notify(p.ID)
}

// OnGetTask returns the task with its history trimmed to the last
// HistoryLength messages when a length is given.
func (tm *TaskManager) OnGetTask(p TaskQueryParams) (*Task, *JSONRPCError) {
	task, err := tm.store.Get(p.ID)
	if err != nil {
		return nil, ErrTaskNotFound(p.ID)
	}
	if n := p.HistoryLength; n != nil && *n >= 0 && len(task.History) > *n {
		task.History = task.History[len(task.History)-*n:]
	}
	return task, nil
}

func (tm *TaskManager) OnCancelTask(ctx context.Context, p TaskIDParams) (*Task, *JSONRPCError) {
	task, err := tm.store.Update(p.ID, TaskStatus{State: TaskStateCanceled}, nil)
	switch {
	case errors.Is(err, ErrNoSuchTask):
		return nil, ErrTaskNotFound(p.ID)
	case errors.Is(err, ErrInvalidTransition):
		return nil, ErrTaskNotCancelable(p.ID)
	case err != nil:
		return nil, ErrInternal(err.Error())
	}

	tm.mu.Lock()
	cancel := tm.running[p.ID]
	tm.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	tm.record(ctx, task.ID, task.SessionID, TaskStateCanceled, "")
	tm.notify(p.ID)
	return task, nil
}

func (tm *TaskManager) OnSetTaskPushNotification(p TaskPushNotificationConfig) (*TaskPushNotificationConfig, *JSONRPCError) {
	if !tm.card.Capabilities.PushNotifications {
		return nil, ErrPushNotSupported()
	}
	if p.PushNotificationConfig.URL == "" {
		return nil, ErrInvalidParams("push notification url is required")
	}
	if err := tm.store.SetPushNotification(p.ID, p.PushNotificationConfig); err != nil {
		return nil, ErrTaskNotFound(p.ID)
	}
	return &p, nil
}

func (tm *TaskManager) OnGetTaskPushNotification(p TaskIDParams) (*TaskPushNotificationConfig, *JSONRPCError) {
	if !tm.card.Capabilities.PushNotifications {
		return nil, ErrPushNotSupported()
	}
	cfg, ok, err := tm.store.PushNotification(p.ID)
	if err != nil {
		return nil, ErrTaskNotFound(p.ID)
	}
	if !ok {
		return nil, ErrInternal(fmt.Sprintf("no push notification configured for task %q", p.ID))
	}
	return &TaskPushNotificationConfig{ID: p.ID, PushNotificationConfig: cfg}, nil
}

// ArtifactsFromResult turns an agent result into the single artifact a task
// completes with.
func ArtifactsFromResult(r *AgentResult) []Artifact {
	if r.Err != "" {
		return []Artifact{{Name: "Error Message", Parts: []Part{TextPart("Error: " + r.Err)}}}
	}

	var parts []Part
	if r.Text != "" {
		parts = append(parts, TextPart(r.Text))
	}
	for _, f := range r.Files {
		if f.Bytes == "" && f.URI == "" {
			continue
		}
		file := f
		parts = append(parts, Part{Type: PartTypeFile, File: &file})
	}
	if r.Data != nil {
		parts = append(parts, DataPart(r.Data))
	}
	if len(parts) == 0 {
		parts = []Part{TextPart("No content was generated.")}
	}
	return []Artifact{{Name: "response", Parts: parts}}
}

func (tm *TaskManager) invoke(ctx context.Context, taskID, query, sessionID string) (res *AgentResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "a2a.invoke",
		attribute.String("task.id", taskID),
		attribute.String("session.id", sessionID),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panic: %v", r)
		}
		if err != nil {
			telemetry.FailSpan(span, err)
		}
	}()

	res, err = tm.agent.Invoke(ctx, query, sessionID)
	if err == nil && res == nil {
		res = &AgentResult{}
	}
	return res, err
}

// track makes the running invocation of taskID cancelable through
// OnCancelTask.
func (tm *TaskManager) track(ctx context.Context, taskID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	tm.mu.Lock()
	tm.running[taskID] = cancel
	tm.mu.Unlock()
	return ctx, func() {
		tm.mu.Lock()
		delete(tm.running, taskID)
		tm.mu.Unlock()
		cancel()
	}
}

func (tm *TaskManager) record(ctx context.Context, taskID, sessionID string, state TaskState, detail string) {
	telemetry.Metrics.TasksTotal.WithLabelValues("agent", string(state)).Inc()
	if tm.auditLog == nil {
		return
	}
	if err := tm.auditLog.Log(context.WithoutCancel(ctx), audit.TaskEvent(string(state)), taskID, sessionID, tm.card.Name, detail); err != nil {
		tm.logger.Warn("writing audit entry", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

func (tm *TaskManager) notify(taskID string) {
	if tm.push == nil {
		return
	}
	cfg, ok, err := tm.store.PushNotification(taskID)
	if err != nil || !ok {
		return
	}
	task, err := tm.store.Get(taskID)
	if err != nil {
		return
	}
	tm.push.Send(cfg, task)
}
