package switchboard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/agent"
	"github.com/igorsilveira/switchboard/pkg/gateway"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the sample echo agent task server",
	RunE:  runAgent,
}

var (
	agentPort  int
	agentDelay time.Duration
)

func init() {
	agentCmd.Flags().IntVar(&agentPort, "port", 0, "override the agent port")
	agentCmd.Flags().DurationVar(&agentDelay, "delay", 0, "artificial delay before each reply")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ac := cfg.Agent
	if agentPort > 0 {
		ac.Port = agentPort
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = telemetry.WithLogger(ctx, logger)

	shutdownTracer, err := startTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	auditLog, closeAudit, err := openAudit(cfg.Audit)
	if err != nil {
		return err
	}
	defer closeAudit()

	card := agent.EchoCard(ac.Name, "", ac.Streaming)
	card.Capabilities.PushNotifications = ac.PushNotifications

	var push *a2a.PushNotifier
	if ac.PushNotifications {
		push = a2a.NewPushNotifier(nil, logger)
		defer push.Wait()
	}

	policy := agent.DefaultRetryPolicy()
	policy.MaxTries = ac.MaxRetries

	tm := a2a.NewTaskManager(a2a.TaskManagerConfig{
		Agent:    agent.WithRetry(&agent.Echo{Prefix: ac.Prefix, Delay: agentDelay}, policy),
		Card:     &card,
		Push:     push,
		AuditLog: auditLog,
		Logger:   logger,
	})

	gw := gateway.New(gateway.Config{
		Bind:         ac.Bind,
		Port:         ac.Port,
		AgentHandler: a2a.NewHandler(a2a.HandlerConfig{Manager: tm, Logger: logger}),
		Logger:       logger,
	})

	card.URL = ac.ExternalURL
	if card.URL == "" {
		card.URL = "http://" + gw.Addr()
	}

	logger.Info("starting echo agent",
		slog.String("version", version),
		slog.String("name", card.Name),
		slog.String("url", card.URL),
		slog.Bool("streaming", card.Capabilities.Streaming),
		slog.Bool("push", card.Capabilities.PushNotifications),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Start(gctx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	return nil
}
