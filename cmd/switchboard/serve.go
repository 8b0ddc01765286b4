package switchboard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/audit"
	"github.com/igorsilveira/switchboard/pkg/config"
	"github.com/igorsilveira/switchboard/pkg/conversation"
	"github.com/igorsilveira/switchboard/pkg/gateway"
	"github.com/igorsilveira/switchboard/pkg/registry"
	"github.com/igorsilveira/switchboard/pkg/remote"
	"github.com/igorsilveira/switchboard/pkg/storage"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conversation service",
	RunE:  runServe,
}

var servePort int

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the service port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Service.Port = servePort
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format, nil)
	logger.Info("starting switchboard service",
		slog.String("version", version),
		slog.Int("port", cfg.Service.Port),
		slog.String("bind", cfg.Service.Bind),
		slog.String("dispatch", cfg.Service.Dispatch),
		slog.String("storage", cfg.Storage.Driver),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = telemetry.WithLogger(ctx, logger)

	shutdownTracer, err := startTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	auditLog, closeAudit, err := openAudit(cfg.Audit)
	if err != nil {
		return err
	}
	defer closeAudit()

	reg := registry.New(nil, logger)
	feed := gateway.NewFeed(logger)
	core := conversation.NewInMemory(conversation.Config{
		Registry:   reg,
		Dispatcher: newDispatcher(cfg.Service, reg, logger),
		Sink:       feed,
		AuditLog:   auditLog,
		Logger:     logger,
	})
	manager := conversation.NewPersistent(core, store, logger)
	manager.Load(ctx)

	gw := gateway.New(gateway.Config{
		Bind:    cfg.Service.Bind,
		Port:    cfg.Service.Port,
		Manager: manager,
		Feed:    feed,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Start(gctx)
	})
	for _, url := range cfg.Service.Agents {
		g.Go(func() error {
			registerAgent(gctx, manager, url, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	logger.Info("shut down")
	return nil
}

func newDispatcher(svc config.ServiceConfig, reg *registry.Registry, logger *slog.Logger) conversation.Dispatcher {
	if svc.Dispatch == config.DispatchLocal {
		return conversation.ResponderDispatcher{
			Source: conversation.NewSequenceSource(conversation.DefaultResponses()...),
			Name:   "responder",
		}
	}
	return conversation.NewRemoteDispatcher(reg, remote.Config{
		Timeout: svc.Timeout(),
		Logger:  logger,
	})
}

// registerAgent keeps trying url until the agent answers, since configured
// agents are often started alongside the service.
func registerAgent(ctx context.Context, m conversation.Manager, url string, logger *slog.Logger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second

	notify := func(err error, next time.Duration) {
		logger.Debug("agent not reachable yet",
			slog.String("url", url),
			slog.Duration("retry_in", next),
		)
	}
	card, err := backoff.Retry(ctx, func() (a2a.AgentCard, error) {
		return m.RegisterAgent(ctx, url)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(2*time.Minute), backoff.WithNotify(notify))
	if err != nil {
		logger.Warn("could not register configured agent",
			slog.String("url", url),
			slog.String("err", err.Error()),
		)
		return
	}
	logger.Info("registered configured agent", slog.String("url", url), slog.String("name", card.Name))
}

func startTracing(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	shutdown, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	return shutdown, nil
}

func openStorage(cfg config.StorageConfig, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := storage.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		s, err := storage.NewSQLStore(db, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite storage: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewFileStore(cfg.Dir, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// openAudit returns a nil logger when auditing is disabled; every consumer
// treats nil as a no-op.
func openAudit(cfg config.AuditConfig) (*audit.Logger, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	db, err := storage.OpenSQLite(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit database: %w", err)
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	auditLog, err := audit.New(db)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("initializing audit logger: %w", err)
	}
	return auditLog, closeDB, nil
}
