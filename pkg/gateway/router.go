package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
)

const (
	MethodConversationCreate = "conversation/create"
	MethodConversationList   = "conversation/list"
	MethodConversationDelete = "conversation/delete"
	MethodMessageSend        = "message/send"
	MethodMessageList        = "message/list"
	MethodMessagePending     = "message/pending"
	MethodEventsGet          = "events/get"
	MethodTaskList           = "task/list"
	MethodAgentRegister      = "agent/register"
	MethodAgentList          = "agent/list"
	MethodAgentDelete        = "agent/delete"
)

type ConversationParams struct {
	ConversationID string `json:"conversation_id"`
}

type SendMessageParams struct {
	ConversationID string      `json:"conversation_id,omitempty"`
	Message        a2a.Message `json:"message"`
}

type SendMessageResult struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type AgentParams struct {
	URL string `json:"url"`
}

type DeleteResult struct {
	Deleted bool `json:"deleted"`
}

func (g *Gateway) handleAPI(w http.ResponseWriter, r *http.Request) {
	var req a2a.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, a2a.NewJSONRPCError(nil, a2a.ErrCodeParse, "parse error"))
		return
	}
	if req.Method == "" {
		writeJSON(w, a2a.NewJSONRPCError(req.ID, a2a.ErrCodeInvalidReq, "method is required"))
		return
	}

	ctx, span := telemetry.StartSpan(r.Context(), "gateway."+req.Method)
	defer span.End()

	result, rpcErr := g.call(ctx, req)
	if rpcErr != nil {
		g.logger.Debug("api call failed",
			slog.String("method", req.Method),
			slog.Int("code", rpcErr.Code),
			slog.String("err", rpcErr.Message),
		)
		writeJSON(w, a2a.NewJSONRPCErrorResponse(req.ID, rpcErr))
		return
	}
	writeJSON(w, a2a.NewJSONRPCResponse(req.ID, result))
}

func (g *Gateway) call(ctx context.Context, req a2a.JSONRPCRequest) (any, *a2a.JSONRPCError) {
	switch req.Method {
	case MethodConversationCreate:
		return g.manager.CreateConversation(ctx), nil
	case MethodConversationList:
		return g.manager.Conversations(), nil
	case MethodConversationDelete:
		var p ConversationParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, a2a.ErrInvalidParams("conversation_id is required")
		}
		return DeleteResult{Deleted: g.manager.DeleteConversation(ctx, p.ConversationID)}, nil
	case MethodMessageSend:
		var p SendMessageParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return g.sendMessage(ctx, p)
	case MethodMessageList:
		var p ConversationParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		msgs := g.manager.Messages(p.ConversationID)
		if msgs == nil {
			msgs = []a2a.Message{}
		}
		return msgs, nil
	case MethodMessagePending:
		return g.manager.PendingMessages(), nil
	case MethodEventsGet:
		return g.manager.Events(), nil
	case MethodTaskList:
		return g.manager.Tasks(), nil
	case MethodAgentRegister:
		var p AgentParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.URL) == "" {
			return nil, a2a.ErrInvalidParams("url is required")
		}
		card, err := g.manager.RegisterAgent(ctx, p.URL)
		if err != nil {
			return nil, a2a.ErrInternal(err.Error())
		}
		return card, nil
	case MethodAgentList:
		return g.manager.Agents(), nil
	case MethodAgentDelete:
		var p AgentParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return DeleteResult{Deleted: g.manager.DeleteAgent(ctx, p.URL)}, nil
	default:
		return nil, &a2a.JSONRPCError{Code: a2a.ErrCodeNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

// sendMessage assigns the message its id and hands it to the manager in the
// background. The reply only carries the ids to poll with.
func (g *Gateway) sendMessage(ctx context.Context, p SendMessageParams) (any, *a2a.JSONRPCError) {
	if len(p.Message.Parts) == 0 {
		return nil, a2a.ErrInvalidParams("message has no parts")
	}
	for _, part := range p.Message.Parts {
		if err := part.Validate(); err != nil {
			return nil, a2a.ErrInvalidParams(err.Error())
		}
	}

	msg := g.manager.SanitizeMessage(p.Message)
	if p.ConversationID != "" {
		msg.Metadata[a2a.MetaConversationID] = p.ConversationID
	}

	logger := telemetry.FromContext(ctx)
	logger.Info("message accepted",
		slog.String("message_id", msg.MessageID()),
		slog.String("conversation_id", msg.ConversationID()),
	)

	bg := context.WithoutCancel(ctx)
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		g.manager.ProcessMessage(bg, msg)
	}()

	return SendMessageResult{
		MessageID:      msg.MessageID(),
		ConversationID: msg.ConversationID(),
	}, nil
}

func decodeParams(req a2a.JSONRPCRequest, v any) *a2a.JSONRPCError {
	if len(req.Params) == 0 {
		return a2a.ErrInvalidParams("params are required")
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return a2a.ErrInvalidParams(err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
