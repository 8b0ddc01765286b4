package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/agent"
	"github.com/igorsilveira/switchboard/pkg/conversation"
	"github.com/igorsilveira/switchboard/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcReply struct {
	Result json.RawMessage   `json:"result"`
	Error  *a2a.JSONRPCError `json:"error"`
}

func newTestGateway(t *testing.T, replies ...string) (*Gateway, *httptest.Server) {
	t.Helper()
	if len(replies) == 0 {
		replies = []string{"pong"}
	}
	msgs := make([]a2a.Message, 0, len(replies))
	for _, r := range replies {
		msgs = append(msgs, a2a.NewTextMessage(a2a.RoleAgent, r))
	}

	feed := NewFeed(nil)
	m := conversation.NewInMemory(conversation.Config{
		Registry:   registry.New(nil, nil),
		Dispatcher: conversation.ResponderDispatcher{Source: conversation.NewSequenceSource(msgs...), Name: "Responder"},
		Sink:       feed,
	})
	g := New(Config{Manager: m, Feed: feed})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		g.Wait()
		srv.Close()
	})
	return g, srv
}

func rpc(t *testing.T, srv *httptest.Server, method string, params any) rpcReply {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out rpcReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func decodeResult[T any](t *testing.T, r rpcReply) T {
	t.Helper()
	require.Nil(t, r.Error, "unexpected rpc error")
	var v T
	require.NoError(t, json.Unmarshal(r.Result, &v))
	return v
}

func agentServer(t *testing.T) string {
	t.Helper()
	card := agent.EchoCard("Echo", "", false)
	tm := a2a.NewTaskManager(a2a.TaskManagerConfig{Agent: &agent.Echo{Prefix: "echo: "}, Card: &card})
	srv := httptest.NewServer(a2a.NewHandler(a2a.HandlerConfig{Manager: tm}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestHealthEndpoints(t *testing.T) {
	_, srv := newTestGateway(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestConversationFlow(t *testing.T) {
	g, srv := newTestGateway(t, "pong")

	conv := decodeResult[conversation.Conversation](t, rpc(t, srv, MethodConversationCreate, nil))
	require.NotEmpty(t, conv.ConversationID)
	assert.True(t, conv.IsActive)

	sent := decodeResult[SendMessageResult](t, rpc(t, srv, MethodMessageSend, SendMessageParams{
		ConversationID: conv.ConversationID,
		Message:        a2a.NewTextMessage(a2a.RoleUser, "ping"),
	}))
	assert.NotEmpty(t, sent.MessageID)
	assert.Equal(t, conv.ConversationID, sent.ConversationID)

	g.Wait()

	msgs := decodeResult[[]a2a.Message](t, rpc(t, srv, MethodMessageList, ConversationParams{ConversationID: conv.ConversationID}))
	require.Len(t, msgs, 2)
	assert.Equal(t, sent.MessageID, msgs[0].MessageID())
	text, _ := msgs[1].FirstText()
	assert.Equal(t, "pong", text)

	pending := decodeResult[[]conversation.PendingMessage](t, rpc(t, srv, MethodMessagePending, nil))
	assert.Empty(t, pending)

	tasks := decodeResult[[]a2a.Task](t, rpc(t, srv, MethodTaskList, nil))
	require.Len(t, tasks, 1)
	assert.Equal(t, a2a.TaskStateCompleted, tasks[0].Status.State)

	events := decodeResult[[]conversation.Event](t, rpc(t, srv, MethodEventsGet, nil))
	assert.Len(t, events, 2)

	convs := decodeResult[[]conversation.Conversation](t, rpc(t, srv, MethodConversationList, nil))
	require.Len(t, convs, 1)
	assert.Len(t, convs[0].Messages, 2)
}

func TestDeleteConversation(t *testing.T) {
	_, srv := newTestGateway(t)
	conv := decodeResult[conversation.Conversation](t, rpc(t, srv, MethodConversationCreate, nil))

	first := decodeResult[DeleteResult](t, rpc(t, srv, MethodConversationDelete, ConversationParams{ConversationID: conv.ConversationID}))
	assert.True(t, first.Deleted)
	second := decodeResult[DeleteResult](t, rpc(t, srv, MethodConversationDelete, ConversationParams{ConversationID: conv.ConversationID}))
	assert.False(t, second.Deleted)

	msgs := decodeResult[[]a2a.Message](t, rpc(t, srv, MethodMessageList, ConversationParams{ConversationID: conv.ConversationID}))
	assert.Empty(t, msgs)
}

func TestAgentMethods(t *testing.T) {
	_, srv := newTestGateway(t)
	url := agentServer(t)

	card := decodeResult[a2a.AgentCard](t, rpc(t, srv, MethodAgentRegister, AgentParams{URL: url}))
	assert.Equal(t, "Echo", card.Name)
	decodeResult[a2a.AgentCard](t, rpc(t, srv, MethodAgentRegister, AgentParams{URL: url}))

	agents := decodeResult[[]a2a.AgentCard](t, rpc(t, srv, MethodAgentList, nil))
	require.Len(t, agents, 1)

	del := decodeResult[DeleteResult](t, rpc(t, srv, MethodAgentDelete, AgentParams{URL: url}))
	assert.True(t, del.Deleted)
	agents = decodeResult[[]a2a.AgentCard](t, rpc(t, srv, MethodAgentList, nil))
	assert.Empty(t, agents)
}

func TestAPIErrors(t *testing.T) {
	_, srv := newTestGateway(t)

	tests := []struct {
		name   string
		method string
		params any
		code   int
	}{
		{"unknown method", "conversation/rename", nil, a2a.ErrCodeNotFound},
		{"missing params", MethodConversationDelete, nil, a2a.ErrCodeInvalidParams},
		{"empty conversation id", MethodConversationDelete, ConversationParams{}, a2a.ErrCodeInvalidParams},
		{"message without parts", MethodMessageSend, SendMessageParams{ConversationID: "c1"}, a2a.ErrCodeInvalidParams},
		{"bad part", MethodMessageSend, map[string]any{"message": map[string]any{"role": "user", "parts": []any{map[string]any{"type": "video"}}}}, a2a.ErrCodeInvalidParams},
		{"empty agent url", MethodAgentRegister, AgentParams{URL: " "}, a2a.ErrCodeInvalidParams},
		{"unreachable agent", MethodAgentRegister, AgentParams{URL: "http://127.0.0.1:1"}, a2a.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := rpc(t, srv, tt.method, tt.params)
			require.NotNil(t, reply.Error)
			assert.Equal(t, tt.code, reply.Error.Code)
		})
	}
}

func TestAPIParseError(t *testing.T) {
	_, srv := newTestGateway(t)
	resp, err := http.Post(srv.URL+"/api", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply rpcReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, a2a.ErrCodeParse, reply.Error.Code)
}

func TestAgentHandlerMount(t *testing.T) {
	card := agent.EchoCard("Echo", "http://localhost:10002", true)
	tm := a2a.NewTaskManager(a2a.TaskManagerConfig{Agent: &agent.Echo{}, Card: &card})
	g := New(Config{AgentHandler: a2a.NewHandler(a2a.HandlerConfig{Manager: tm})})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	got, err := a2a.FetchAgentCard(context.Background(), nil, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Echo", got.Name)

	resp, err := http.Post(srv.URL+"/api", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode, "conversation api should not be served without a manager")
}

func TestResolveAddr(t *testing.T) {
	tests := []struct {
		bind string
		want string
	}{
		{"", "127.0.0.1:8080"},
		{"loopback", "127.0.0.1:8080"},
		{"lan", "0.0.0.0:8080"},
		{"all", "0.0.0.0:8080"},
		{"10.0.0.5", "10.0.0.5:8080"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveAddr(tt.bind, 8080), tt.bind)
	}
}

func TestWebSocketFeed(t *testing.T) {
	g, srv := newTestGateway(t, "pong")
	conv := decodeResult[conversation.Conversation](t, rpc(t, srv, MethodConversationCreate, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?conversation_id=" + conv.ConversationID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var hello wsOutgoing
	require.NoError(t, wsjson.Read(ctx, conn, &hello))
	assert.Equal(t, "subscribed", hello.Type)
	assert.NotEmpty(t, hello.SubscriptionID)

	decodeResult[SendMessageResult](t, rpc(t, srv, MethodMessageSend, SendMessageParams{
		ConversationID: conv.ConversationID,
		Message:        a2a.NewTextMessage(a2a.RoleUser, "ping"),
	}))
	g.Wait()

	var actors []string
	for range 2 {
		var frame wsOutgoing
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		require.Equal(t, "event", frame.Type)
		require.NotNil(t, frame.Event)
		assert.Equal(t, conv.ConversationID, frame.Event.Content.ConversationID())
		actors = append(actors, frame.Event.Actor)
	}
	assert.Equal(t, []string{"user", "Responder"}, actors)

	conn.Close(websocket.StatusNormalClosure, "")
}
