// Package gateway exposes the conversation service over HTTP: a JSON-RPC API
// at /api, a websocket event feed at /ws, plus health and metrics endpoints.
// It can also front a single agent's task protocol handler at the root.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/igorsilveira/switchboard/pkg/conversation"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Gateway struct {
	server       *http.Server
	router       *chi.Mux
	manager      conversation.Manager
	feed         *Feed
	agentHandler http.Handler
	logger       *slog.Logger
	inflight     sync.WaitGroup
}

type Config struct {
	Bind         string
	Port         int
	Manager      conversation.Manager
	Feed         *Feed
	AgentHandler http.Handler
	Logger       *slog.Logger
}

func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Feed == nil {
		cfg.Feed = NewFeed(cfg.Logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	g := &Gateway{
		router:       r,
		manager:      cfg.Manager,
		feed:         cfg.Feed,
		agentHandler: cfg.AgentHandler,
		logger:       cfg.Logger.With("component", "gateway"),
	}

	g.registerRoutes()

	addr := resolveAddr(cfg.Bind, cfg.Port)
	g.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return g
}

func (g *Gateway) registerRoutes() {
	g.router.Get("/healthz", g.handleHealthz)
	g.router.Get("/readyz", g.handleReadyz)
	g.router.Handle("/metrics", promhttp.Handler())

	if g.manager != nil {
		g.router.Post("/api", g.handleAPI)
		g.router.Get("/ws", g.handleWebSocket)
	}

	if g.agentHandler != nil {
		g.router.Mount("/", g.agentHandler)
	}
}

// Handler returns the routed handler without starting a listener.
func (g *Gateway) Handler() http.Handler { return g.router }
func (g *Gateway) Addr() string          { return g.server.Addr }
func (g *Gateway) Feed() *Feed           { return g.feed }

// Wait blocks until every message accepted through the API has been
// processed.
func (g *Gateway) Wait() { g.inflight.Wait() }

func (g *Gateway) Start(ctx context.Context) error {
	logger := telemetry.FromContext(ctx)
	logger.Info("gateway listening", slog.String("addr", g.server.Addr))

	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return g.shutdown()
	case err := <-errCh:
		return err
	}
}

func (g *Gateway) shutdown() error {
	g.logger.Info("gateway shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.feed.Close()
	err := g.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown with messages still in flight")
	}
	return err
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}

func resolveAddr(bind string, port int) string {
	var host string
	switch bind {
	case "lan", "all":
		host = "0.0.0.0"
	case "loopback", "":
		host = "127.0.0.1"
	default:
		host = bind
	}
	return fmt.Sprintf("%s:%d", host, port)
}
