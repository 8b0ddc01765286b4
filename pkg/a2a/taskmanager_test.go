package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatibleModes(t *testing.T) {
	tests := []struct {
		accepted, supported []string
		want                bool
	}{
		{nil, []string{"text"}, true},
		{[]string{"text"}, nil, true},
		{[]string{"text", "image/png"}, []string{"image/png"}, true},
		{[]string{"image/png"}, []string{"text", "text/plain"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompatibleModes(tt.accepted, tt.supported), "CompatibleModes(%v, %v)", tt.accepted, tt.supported)
	}
}

func TestArtifactsFromResult(t *testing.T) {
	tests := []struct {
		name      string
		in        *AgentResult
		wantParts int
		wantText  string
	}{
		{"text", &AgentResult{Text: "hello"}, 1, "hello"},
		{"error", &AgentResult{Text: "ignored", Err: "quota"}, 1, "Error: quota"},
		{"empty", &AgentResult{}, 1, "No content was generated."},
		{"text and file", &AgentResult{
			Text:  "see attached",
			Files: []FileContent{{Name: "a.mp3", MimeType: "audio/mpeg", Bytes: "AAAA"}},
		}, 2, "see attached"},
		{"file without payload", &AgentResult{Files: []FileContent{{Name: "a.mp3"}}}, 1, "No content was generated."},
		{"data", &AgentResult{Data: map[string]any{"type": "form"}}, 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arts := ArtifactsFromResult(tt.in)
			require.Len(t, arts, 1)
			require.Len(t, arts[0].Parts, tt.wantParts)
			if tt.wantText != "" {
				assert.Equal(t, tt.wantText, arts[0].Parts[0].Text)
			}
		})
	}
}

func TestOnSendTaskAssignsID(t *testing.T) {
	tm := testManager(t, &fakeAgent{})
	task, rpcErr := tm.OnSendTask(context.Background(), sendParams("", "hi"))
	require.Nil(t, rpcErr)
	assert.NotEmpty(t, task.ID)
}

func TestOnSendTaskRejectsFinishedTask(t *testing.T) {
	tm := testManager(t, &fakeAgent{reply: "echo: "})
	_, rpcErr := tm.OnSendTask(context.Background(), sendParams("t1", "hi"))
	require.Nil(t, rpcErr)

	_, rpcErr = tm.OnSendTask(context.Background(), sendParams("t1", "again"))
	require.NotNil(t, rpcErr)
	assert.Equal(t, ErrCodeInvalidParams, rpcErr.Code)

	task, err := tm.Store().Get("t1")
	require.NoError(t, err)
	assert.Equal(t, TaskStateCompleted, task.Status.State)
	assert.Len(t, task.History, 1)
	assert.Len(t, task.Artifacts, 1)
}

// waitForState polls the store until task id reaches state.
func waitForState(t *testing.T, tm *TaskManager, id string, state TaskState) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := tm.Store().Get(id)
		return err == nil && task.Status.State == state
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, state)
}

func TestOnCancelTaskStopsRunningInvocation(t *testing.T) {
	tm := testManager(t, &fakeAgent{block: make(chan struct{})})

	done := make(chan *JSONRPCError, 1)
	go func() {
		_, rpcErr := tm.OnSendTask(context.Background(), sendParams("t1", "hi"))
		done <- rpcErr
	}()

	waitForState(t, tm, "t1", TaskStateWorking)

	task, rpcErr := tm.OnCancelTask(context.Background(), TaskIDParams{ID: "t1"})
	require.Nil(t, rpcErr)
	assert.Equal(t, TaskStateCanceled, task.Status.State)

	select {
	case rpcErr := <-done:
		assert.NotNil(t, rpcErr, "canceled send should report an error")
	case <-time.After(2 * time.Second):
		t.Fatal("OnSendTask did not return after cancel")
	}

	got, _ := tm.Store().Get("t1")
	assert.Equal(t, TaskStateCanceled, got.Status.State)
}

func TestStreamStopsWhenConsumerLeaves(t *testing.T) {
	tm := testManager(t, &fakeAgent{block: make(chan struct{})})

	ctx, cancel := context.WithCancel(context.Background())
	ch, rpcErr := tm.OnSendTaskSubscribe(ctx, sendParams("t1", "hi"))
	require.Nil(t, rpcErr)
	first := <-ch
	require.NotNil(t, first.Update, "first item should be a status update")
	cancel()

	select {
	case <-drain(ch):
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed after cancel")
	}
}

func TestStreamCanceledTaskEndsWithError(t *testing.T) {
	tm := testManager(t, &fakeAgent{block: make(chan struct{})})

	ch, rpcErr := tm.OnSendTaskSubscribe(context.Background(), sendParams("t1", "hi"))
	require.Nil(t, rpcErr)
	first := <-ch
	require.NotNil(t, first.Update, "first item should be the working status")

	_, rpcErr = tm.OnCancelTask(context.Background(), TaskIDParams{ID: "t1"})
	require.Nil(t, rpcErr)

	var last StreamResponse
	timeout := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case item, ok := <-ch:
			if ok {
				last = item
			}
			open = ok
		case <-timeout:
			t.Fatal("stream was not closed after cancel")
		}
	}
	require.NotNil(t, last.Err, "stream should end with an error item")
	assert.Equal(t, ErrCodeInternal, last.Err.Code)

	task, _ := tm.Store().Get("t1")
	assert.Equal(t, TaskStateCanceled, task.Status.State)
}

// drain consumes ch and closes the returned channel once ch is closed.
func drain(ch <-chan StreamResponse) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		for range ch {
		}
		close(out)
	}()
	return out
}

func TestPushNotificationDelivered(t *testing.T) {
	var (
		mu    sync.Mutex
		auth  string
		state TaskState
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var task Task
		_ = json.NewDecoder(r.Body).Decode(&task)
		mu.Lock()
		auth = r.Header.Get("Authorization")
		state = task.Status.State
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	card := testCard()
	card.Capabilities.PushNotifications = true
	push := NewPushNotifier(hook.Client(), nil)
	tm := NewTaskManager(TaskManagerConfig{Agent: &fakeAgent{}, Card: card, Push: push})

	p := sendParams("t1", "hi")
	p.PushNotification = &PushNotificationConfig{URL: hook.URL, Token: "secret"}
	_, rpcErr := tm.OnSendTask(context.Background(), p)
	require.Nil(t, rpcErr)
	push.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, TaskStateCompleted, state)
}

func TestPushNotifierPostStatusError(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer hook.Close()

	n := NewPushNotifier(hook.Client(), nil)
	err := n.Post(context.Background(), PushNotificationConfig{URL: hook.URL}, &Task{ID: "t1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
}
