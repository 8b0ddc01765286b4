package switchboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/igorsilveira/switchboard/pkg/audit"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the task lifecycle audit trail",
	RunE:  runAudit,
}

var (
	auditEventType string
	auditTaskID    string
	auditSessionID string
	auditLimit     int
	auditSince     string
)

func init() {
	auditCmd.Flags().StringVar(&auditEventType, "type", "", "filter by event type")
	auditCmd.Flags().StringVar(&auditTaskID, "task", "", "filter by task ID")
	auditCmd.Flags().StringVar(&auditSessionID, "session", "", "filter by session (conversation) ID")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of entries")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "show entries since (e.g. 2024-01-01)")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Audit.Enabled = true

	auditLog, closeAudit, err := openAudit(cfg.Audit)
	if err != nil {
		return err
	}
	defer closeAudit()

	filter := audit.Filter{
		EventType: auditEventType,
		TaskID:    auditTaskID,
		SessionID: auditSessionID,
		Limit:     auditLimit,
	}

	if auditSince != "" {
		t, err := time.Parse("2006-01-02", auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since format (use YYYY-MM-DD): %w", err)
		}
		filter.Since = t
	}

	entries, err := auditLog.Query(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("querying audit log: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}

	for _, e := range entries {
		ts := e.Timestamp.Format("2006-01-02 15:04:05")
		fmt.Printf("%s %s task=%-36s session=%-36s actor=%-8s %s\n",
			gray("["+ts+"]"), eventColor(fmt.Sprintf("%-20s", e.EventType)), e.TaskID, e.SessionID, e.Actor, e.Detail,
		)
	}

	fmt.Printf("\n%d entries\n", len(entries))
	return nil
}

func eventColor(s string) string {
	switch {
	case strings.Contains(s, audit.EventTaskCompleted):
		return green(s)
	case strings.Contains(s, audit.EventTaskFailed), strings.Contains(s, audit.EventTaskCanceled):
		return red(s)
	case strings.HasPrefix(s, "task_"):
		return cyan(s)
	default:
		return yellow(s)
	}
}
