package a2a

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
)

const AgentCardPath = "/.well-known/agent.json"

// Handler serves one agent over the task protocol: its card and a JSON-RPC
// endpoint at the root.
type Handler struct {
	router  chi.Router
	manager *TaskManager
	logger  *slog.Logger
}

type HandlerConfig struct {
	Manager *TaskManager
	Logger  *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{
		manager: cfg.Manager,
		logger:  cfg.Logger,
	}
	h.buildRouter()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(AgentCardPath, h.handleAgentCard)
	r.Post("/", h.handleJSONRPC)
	h.router = r
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Card())
}

func (h *Handler) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(telemetry.ExtractHTTP(r.Context(), r.Header))

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, NewJSONRPCError(nil, ErrCodeParse, "parse error"))
		return
	}
	if req.JSONRPC != jsonrpcVersion {
		writeJSON(w, http.StatusOK, NewJSONRPCError(req.ID, ErrCodeInvalidReq, "invalid jsonrpc version"))
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusOK, NewJSONRPCError(req.ID, ErrCodeInvalidReq, "method is required"))
		return
	}

	switch req.Method {
	case MethodSendTask:
		var p TaskSendParams
		if h.decodeParams(w, req, &p) {
			task, rpcErr := h.manager.OnSendTask(r.Context(), p)
			h.reply(w, req.ID, task, rpcErr)
		}
	case MethodSendTaskSubscribe:
		var p TaskSendParams
		if h.decodeParams(w, req, &p) {
			h.rpcSendTaskSubscribe(w, r, req, p)
		}
	case MethodGetTask:
		var p TaskQueryParams
		if h.decodeParams(w, req, &p) {
			task, rpcErr := h.manager.OnGetTask(p)
			h.reply(w, req.ID, task, rpcErr)
		}
	case MethodCancelTask:
		var p TaskIDParams
		if h.decodeParams(w, req, &p) {
			task, rpcErr := h.manager.OnCancelTask(r.Context(), p)
			h.reply(w, req.ID, task, rpcErr)
		}
	case MethodSetPushNotification:
		var p TaskPushNotificationConfig
		if h.decodeParams(w, req, &p) {
			cfg, rpcErr := h.manager.OnSetTaskPushNotification(p)
			h.reply(w, req.ID, cfg, rpcErr)
		}
	case MethodGetPushNotification:
		var p TaskIDParams
		if h.decodeParams(w, req, &p) {
			cfg, rpcErr := h.manager.OnGetTaskPushNotification(p)
			h.reply(w, req.ID, cfg, rpcErr)
		}
	case MethodResubscribe:
		writeJSON(w, http.StatusOK, NewJSONRPCErrorResponse(req.ID, ErrUnsupportedOperation()))
	default:
		writeJSON(w, http.StatusOK, NewJSONRPCError(req.ID, ErrCodeNotFound, fmt.Sprintf("method %q not found", req.Method)))
	}
}

func (h *Handler) decodeParams(w http.ResponseWriter, req JSONRPCRequest, v any) bool {
	if len(req.Params) == 0 {
		writeJSON(w, http.StatusOK, NewJSONRPCErrorResponse(req.ID, ErrInvalidParams("params are required")))
		return false
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		writeJSON(w, http.StatusOK, NewJSONRPCErrorResponse(req.ID, ErrInvalidParams(err.Error())))
		return false
	}
	return true
}

func (h *Handler) reply(w http.ResponseWriter, id any, result any, rpcErr *JSONRPCError) {
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, NewJSONRPCErrorResponse(id, rpcErr))
		return
	}
	writeJSON(w, http.StatusOK, NewJSONRPCResponse(id, result))
}

func (h *Handler) rpcSendTaskSubscribe(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, p TaskSendParams) {
	events, rpcErr := h.manager.OnSendTaskSubscribe(r.Context(), p)
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, NewJSONRPCErrorResponse(req.ID, rpcErr))
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		resp := NewJSONRPCResponse(req.ID, ev.Update)
		if ev.Err != nil {
			resp = NewJSONRPCErrorResponse(req.ID, ev.Err)
		}
		if err := writeSSE(w, flusher, canFlush, "message", resp); err != nil {
			h.logger.Debug("sse client went away", slog.String("error", err.Error()))
			// keep draining so the producer can finish and close
			continue
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, canFlush bool, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	if canFlush {
		flusher.Flush()
	}
	return nil
}
