package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// PushNotifier delivers task snapshots to client-registered webhooks.
type PushNotifier struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewPushNotifier(client *http.Client, logger *slog.Logger) *PushNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PushNotifier{client: client, logger: logger.With("component", "push"), timeout: 10 * time.Second}
}

// Send posts task to cfg.URL in the background. Failures are only logged.
func (n *PushNotifier) Send(cfg PushNotificationConfig, task *Task) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.Post(ctx, cfg, task); err != nil {
			n.logger.Warn("push notification failed",
				slog.String("task_id", task.ID),
				slog.String("url", cfg.URL),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (n *PushNotifier) Post(ctx context.Context, cfg PushNotificationConfig, task *Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until every in-flight notification has finished.
func (n *PushNotifier) Wait() {
	n.wg.Wait()
}
