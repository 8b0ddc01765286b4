package a2a

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNoSuchTask        = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// TaskStore holds the tasks served by one agent. Every read and write goes
// through mu; callers only ever see copies.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
	push  map[string]PushNotificationConfig
}

func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*Task),
		push:  make(map[string]PushNotificationConfig),
	}
}

// Upsert creates the task named by p in the submitted state, or appends the
// incoming message to the history of an existing one. A task that already
// reached a terminal state is left untouched and ErrInvalidTransition is
// returned.
func (s *TaskStore) Upsert(p TaskSendParams) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[p.ID]
	if ok && t.Status.State.Terminal() {
		return nil, fmt.Errorf("task %q is %s: %w", p.ID, t.Status.State, ErrInvalidTransition)
	}
	if !ok {
		t = &Task{
			ID:        p.ID,
			SessionID: p.SessionID,
			Status:    TaskStatus{State: TaskStateSubmitted, Timestamp: time.Now().UTC()},
			Metadata:  cloneMap(p.Metadata),
		}
		s.tasks[p.ID] = t
		s.order = append(s.order, p.ID)
	}
	t.History = append(t.History, p.Message.Clone())
	if p.PushNotification != nil {
		s.push[p.ID] = *p.PushNotification
	}
	return t.Clone(), nil
}

func (s *TaskStore) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrNoSuchTask)
	}
	return t.Clone(), nil
}

// Update moves the task to status and appends artifacts in one step. A status
// message is also recorded in the task history.
func (s *TaskStore) Update(id string, status TaskStatus, artifacts []Artifact) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrNoSuchTask)
	}
	if !t.Status.State.CanTransition(status.State) {
		return nil, fmt.Errorf("task %q %s -> %s: %w", id, t.Status.State, status.State, ErrInvalidTransition)
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	t.Status = status
	if status.Message != nil {
		t.History = append(t.History, status.Message.Clone())
	}
	for _, a := range artifacts {
		t.Artifacts = AppendArtifact(t.Artifacts, a)
	}
	return t.Clone(), nil
}

func (s *TaskStore) AppendHistory(id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %q: %w", id, ErrNoSuchTask)
	}
	t.History = append(t.History, msg.Clone())
	return nil
}

func (s *TaskStore) SetPushNotification(id string, cfg PushNotificationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %q: %w", id, ErrNoSuchTask)
	}
	s.push[id] = cfg
	return nil
}

// PushNotification returns the push target registered for id. ok is false when
// the task exists but has none.
func (s *TaskStore) PushNotification(id string) (cfg PushNotificationConfig, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, exists := s.tasks[id]; !exists {
		return PushNotificationConfig{}, false, fmt.Errorf("task %q: %w", id, ErrNoSuchTask)
	}
	cfg, ok = s.push[id]
	return cfg, ok, nil
}

// List returns every task in creation order.
func (s *TaskStore) List() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.tasks[id].Clone())
	}
	return result
}
