package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessMessageCompletesTask(t *testing.T) {
	sink := &sinkRecorder{}
	m := NewInMemory(Config{Dispatcher: responder("Hello"), Sink: sink})
	ctx := context.Background()
	conv := m.CreateConversation(ctx)

	msg := m.SanitizeMessage(userMessage(conv.ConversationID, "hi there"))
	m.ProcessMessage(ctx, msg)

	tasks := m.Tasks()
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	assert.Equal(t, conv.ConversationID, task.SessionID)
	assert.Equal(t, conv.ConversationID, task.Metadata[a2a.MetaConversationID])
	require.Len(t, task.Artifacts, 1)
	assert.Equal(t, "response", task.Artifacts[0].Name)
	assert.Equal(t, "Hello", task.Artifacts[0].Parts[0].Text)
	require.Len(t, task.History, 2)

	assert.Empty(t, m.PendingMessages())

	msgs := m.Messages(conv.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi there", firstText(t, msgs[0]))
	reply := msgs[1]
	assert.Equal(t, a2a.RoleAgent, reply.Role)
	assert.Equal(t, "Hello", firstText(t, reply))
	assert.Equal(t, msg.MessageID(), reply.Metadata[a2a.MetaLastMessageID])
	assert.Equal(t, conv.ConversationID, reply.ConversationID())
	assert.NotEmpty(t, reply.MessageID())
	assert.NotEqual(t, msg.MessageID(), reply.MessageID())

	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "user", events[0].Actor)
	assert.Equal(t, "Responder", events[1].Actor)
	assert.Equal(t, 2, sink.Len())
}

func TestProcessMessageResolvesExactlyOnce(t *testing.T) {
	tests := []struct {
		name      string
		dispatch  dispatchFunc
		wantState a2a.TaskState
		wantReply string
	}{
		{
			name: "success",
			dispatch: func(context.Context, *DispatchRequest) (*DispatchResult, error) {
				return &DispatchResult{Response: a2a.NewTextMessage(a2a.RoleAgent, "done")}, nil
			},
			wantState: a2a.TaskStateCompleted,
			wantReply: "done",
		},
		{
			name: "error",
			dispatch: func(context.Context, *DispatchRequest) (*DispatchResult, error) {
				return nil, errors.New("agent unreachable")
			},
			wantState: a2a.TaskStateFailed,
			wantReply: "Error: agent unreachable",
		},
		{
			name: "panic",
			dispatch: func(context.Context, *DispatchRequest) (*DispatchResult, error) {
				panic("boom")
			},
			wantState: a2a.TaskStateFailed,
			wantReply: "Error: dispatcher panic: boom",
		},
		{
			name: "nil result",
			dispatch: func(context.Context, *DispatchRequest) (*DispatchResult, error) {
				return nil, nil
			},
			wantState: a2a.TaskStateFailed,
			wantReply: "Error: dispatcher returned no result",
		},
		{
			name: "agent reports failure",
			dispatch: func(_ context.Context, req *DispatchRequest) (*DispatchResult, error) {
				failed := req.Task.Clone()
				failed.Status.State = a2a.TaskStateFailed
				return &DispatchResult{Agent: "Remote", Response: a2a.NewTextMessage(a2a.RoleAgent, "cannot help"), Task: failed}, nil
			},
			wantState: a2a.TaskStateFailed,
			wantReply: "cannot help",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, tt.dispatch)
			ctx := context.Background()
			conv := m.CreateConversation(ctx)

			m.ProcessMessage(ctx, m.SanitizeMessage(userMessage(conv.ConversationID, "question")))

			tasks := m.Tasks()
			require.Len(t, tasks, 1)
			assert.Equal(t, tt.wantState, tasks[0].Status.State)
			assert.True(t, tasks[0].Status.State.Terminal())
			assert.Empty(t, m.PendingMessages())

			msgs := m.Messages(conv.ConversationID)
			require.Len(t, msgs, 2)
			assert.Equal(t, tt.wantReply, firstText(t, msgs[1]))
		})
	}
}

func TestProcessMessageAssignsMissingID(t *testing.T) {
	m := newManager(t, responder("ok"))
	ctx := context.Background()
	conv := m.CreateConversation(ctx)

	m.ProcessMessage(ctx, userMessage(conv.ConversationID, "no id"))

	msgs := m.Messages(conv.ConversationID)
	require.Len(t, msgs, 2)
	assert.NotEmpty(t, msgs[0].MessageID())
	assert.Equal(t, msgs[0].MessageID(), msgs[1].Metadata[a2a.MetaLastMessageID])
}

func TestProcessMessageUnknownConversation(t *testing.T) {
	m := newManager(t, responder("ok"))
	m.ProcessMessage(context.Background(), userMessage("missing", "hello"))

	assert.Empty(t, m.Conversations())
	assert.Nil(t, m.Messages("missing"))
	tasks := m.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, a2a.TaskStateCompleted, tasks[0].Status.State)
}

func TestSanitizeMessageAlwaysAssignsNewID(t *testing.T) {
	m := newManager(t, nil)
	msg := userMessage("c1", "hi")
	msg.Metadata[a2a.MetaMessageID] = "stale"

	a := m.SanitizeMessage(msg)
	b := m.SanitizeMessage(msg)
	assert.NotEqual(t, "stale", a.MessageID())
	assert.NotEqual(t, a.MessageID(), b.MessageID())
	assert.Equal(t, "stale", msg.MessageID(), "input must not be modified")
	assert.Equal(t, "c1", a.ConversationID())
}

func TestPendingMessagesStatus(t *testing.T) {
	release := make(chan struct{})
	reached := make(chan *DispatchRequest, 1)
	d := dispatchFunc(func(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
		reached <- req
		<-release
		return &DispatchResult{Response: a2a.NewTextMessage(a2a.RoleAgent, "finished")}, nil
	})
	m := newManager(t, d)
	ctx := context.Background()
	conv := m.CreateConversation(ctx)
	msg := m.SanitizeMessage(userMessage(conv.ConversationID, "slow question"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.ProcessMessage(ctx, msg)
	}()
	req := <-reached

	pending := m.PendingMessages()
	require.Len(t, pending, 1)
	assert.Equal(t, msg.MessageID(), pending[0].MessageID)
	assert.Equal(t, "Working...", pending[0].Status)

	progress := a2a.NewTextMessage(a2a.RoleAgent, "Looking it up")
	updated := req.OnUpdate(&a2a.TaskStatusUpdateEvent{
		ID:     req.Task.ID,
		Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: &progress},
	}, nil)
	require.NotNil(t, updated)
	assert.Equal(t, a2a.TaskStateWorking, updated.Status.State)
	assert.Equal(t, "Looking it up", m.PendingMessages()[0].Status)

	data := a2a.Message{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.DataPart(map[string]any{"k": "v"})}}
	req.OnUpdate(&a2a.TaskStatusUpdateEvent{
		ID:     req.Task.ID,
		Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: &data},
	}, nil)
	assert.Equal(t, "Working...", m.PendingMessages()[0].Status)

	close(release)
	<-done
	assert.Empty(t, m.PendingMessages())
}

func TestApplyUpdateIgnoresBackwardTransitions(t *testing.T) {
	var applied *a2a.Task
	d := dispatchFunc(func(_ context.Context, req *DispatchRequest) (*DispatchResult, error) {
		req.OnUpdate(&a2a.TaskStatusUpdateEvent{ID: req.Task.ID, Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}, Final: true}, nil)
		applied = req.OnUpdate(&a2a.TaskStatusUpdateEvent{ID: req.Task.ID, Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}, nil)
		req.OnUpdate(&a2a.TaskArtifactUpdateEvent{ID: req.Task.ID, Artifact: a2a.Artifact{Parts: []a2a.Part{a2a.TextPart("late")}}}, nil)
		return &DispatchResult{Response: a2a.NewTextMessage(a2a.RoleAgent, "ok")}, nil
	})
	m := newManager(t, d)
	m.ProcessMessage(context.Background(), userMessage("", "hi"))

	require.NotNil(t, applied)
	assert.Equal(t, a2a.TaskStateCompleted, applied.Status.State)
	tasks := m.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, a2a.TaskStateCompleted, tasks[0].Status.State)
	assert.Empty(t, tasks[0].Artifacts, "updates after a terminal state are dropped")
}

func TestApplyUpdateUnknownTask(t *testing.T) {
	m := newManager(t, nil)
	assert.Nil(t, m.ApplyUpdate(&a2a.TaskStatusUpdateEvent{ID: "nope"}, nil))
}

func TestDeleteConversationCascades(t *testing.T) {
	m := newManager(t, responder("reply"))
	ctx := context.Background()
	keep := m.CreateConversation(ctx)
	drop := m.CreateConversation(ctx)

	m.ProcessMessage(ctx, m.SanitizeMessage(userMessage(keep.ConversationID, "stay")))
	m.ProcessMessage(ctx, m.SanitizeMessage(userMessage(drop.ConversationID, "go")))
	m.ProcessMessage(ctx, m.SanitizeMessage(userMessage(drop.ConversationID, "go again")))
	require.Len(t, m.Tasks(), 3)

	assert.True(t, m.DeleteConversation(ctx, drop.ConversationID))

	convs := m.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, keep.ConversationID, convs[0].ConversationID)

	_, ok := m.GetConversation(drop.ConversationID)
	assert.False(t, ok)
	assert.Nil(t, m.Messages(drop.ConversationID))
	assert.Len(t, m.Messages(keep.ConversationID), 2)

	tasks := m.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, keep.ConversationID, tasks[0].SessionID)

	m.mu.RLock()
	for _, msg := range m.messages {
		assert.NotEqual(t, drop.ConversationID, msg.ConversationID())
	}
	assert.Len(t, m.messageTasks, 1)
	m.mu.RUnlock()

	assert.False(t, m.DeleteConversation(ctx, drop.ConversationID))
	assert.False(t, m.DeleteConversation(ctx, "never-existed"))
}

func TestDeleteConversationDuringDispatch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := newManager(t, dispatchFunc(func(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
		close(started)
		<-release
		return &DispatchResult{Agent: "Slow", Response: a2a.NewTextMessage(a2a.RoleAgent, "late")}, nil
	}))
	ctx := context.Background()
	conv := m.CreateConversation(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.ProcessMessage(ctx, m.SanitizeMessage(userMessage(conv.ConversationID, "hello")))
	}()

	<-started
	require.True(t, m.DeleteConversation(ctx, conv.ConversationID))
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessMessage did not return")
	}

	assert.Nil(t, m.Messages(conv.ConversationID))
	assert.Empty(t, m.PendingMessages())
	assert.Empty(t, m.Tasks())
	m.mu.RLock()
	for _, msg := range m.messages {
		assert.NotEqual(t, conv.ConversationID, msg.ConversationID(), "orphaned message %s", msg.MessageID())
	}
	m.mu.RUnlock()
}

func TestRegisterAgentTwiceKeepsOneCard(t *testing.T) {
	url := agentServer(t, "Echo", false)
	m := newManager(t, nil)
	ctx := context.Background()

	card, err := m.RegisterAgent(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, "Echo", card.Name)
	assert.Equal(t, url, card.URL, "card url defaults to the registered url")

	_, err = m.RegisterAgent(ctx, url)
	require.NoError(t, err)
	assert.Len(t, m.Agents(), 1)

	assert.True(t, m.DeleteAgent(ctx, url))
	assert.False(t, m.DeleteAgent(ctx, url))
	assert.Empty(t, m.Agents())
}

func TestRegisterAgentUnreachable(t *testing.T) {
	m := newManager(t, nil)
	_, err := m.RegisterAgent(context.Background(), "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Empty(t, m.Agents())
}

func TestConcurrentConversations(t *testing.T) {
	m := newManager(t, responder("a", "b", "c"))
	ctx := context.Background()

	const n = 10
	convs := make([]Conversation, n)
	for i := range convs {
		convs[i] = m.CreateConversation(ctx)
	}

	var wg sync.WaitGroup
	for _, c := range convs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.ProcessMessage(ctx, m.SanitizeMessage(userMessage(id, "hello")))
		}(c.ConversationID)
	}
	wg.Wait()

	assert.Len(t, m.Tasks(), n)
	assert.Empty(t, m.PendingMessages())
	for _, c := range convs {
		assert.Len(t, m.Messages(c.ConversationID), 2)
	}
}

func TestProcessMessageHonoursCancelledContext(t *testing.T) {
	d := dispatchFunc(func(ctx context.Context, _ *DispatchRequest) (*DispatchResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &DispatchResult{Response: a2a.NewTextMessage(a2a.RoleAgent, "late")}, nil
		}
	})
	m := newManager(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.ProcessMessage(ctx, userMessage("", "hi"))

	tasks := m.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, a2a.TaskStateFailed, tasks[0].Status.State)
	text, _ := tasks[0].Status.Message.FirstText()
	assert.True(t, strings.HasPrefix(text, "Error: "), text)
}
