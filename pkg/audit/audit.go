package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	EventTaskSubmitted = "task_submitted"
	EventTaskWorking   = "task_working"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCanceled  = "task_canceled"
	EventAgentAdd      = "agent_register"
	EventAgentDel      = "agent_delete"
	EventConvNew       = "conversation_create"
	EventConvDel       = "conversation_delete"
)

// TaskEvent maps a task state onto its audit event type.
func TaskEvent(state string) string {
	switch state {
	case "submitted":
		return EventTaskSubmitted
	case "working":
		return EventTaskWorking
	case "completed":
		return EventTaskCompleted
	case "failed":
		return EventTaskFailed
	case "canceled":
		return EventTaskCanceled
	}
	return "task_" + state
}

type Entry struct {
	ID        string    `gorm:"primaryKey;column:id"`
	Timestamp time.Time `gorm:"column:timestamp;not null;index:idx_audit_timestamp"`
	EventType string    `gorm:"column:event_type;not null"`
	TaskID    string    `gorm:"column:task_id;not null;default:'';index:idx_audit_task"`
	SessionID string    `gorm:"column:session_id;not null;default:''"`
	Actor     string    `gorm:"column:actor;not null;default:''"`
	Detail    string    `gorm:"column:detail;not null;default:''"`
}

func (Entry) TableName() string { return "audit_log" }

type Logger struct {
	db *gorm.DB
}

// New migrates the audit_log table on db.
func New(db *gorm.DB) (*Logger, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Logger{db: db}, nil
}

// Log appends an entry. Non-string detail is stored as JSON.
func (l *Logger) Log(ctx context.Context, eventType, taskID, sessionID, actor string, detail any) error {
	entry := &Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		TaskID:    taskID,
		SessionID: sessionID,
		Actor:     actor,
		Detail:    encodeDetail(detail),
	}
	return l.db.WithContext(ctx).Create(entry).Error
}

func encodeDetail(detail any) string {
	switch v := detail.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return fmt.Sprintf("%v", detail)
	}
	return string(b)
}

type Filter struct {
	EventType string
	TaskID    string
	SessionID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f Filter) scope(q *gorm.DB) *gorm.DB {
	for col, v := range map[string]string{
		"event_type": f.EventType,
		"task_id":    f.TaskID,
		"session_id": f.SessionID,
	} {
		if v != "" {
			q = q.Where(col+" = ?", v)
		}
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp <= ?", f.Until)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q
}

// Query returns matching entries, newest first.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).Scopes(f.scope).Order("timestamp DESC").Find(&entries).Error
	return entries, err
}
