package a2a

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description,omitempty"`
	URL                string       `json:"url"`
	Version            string       `json:"version,omitempty"`
	Capabilities       Capabilities `json:"capabilities"`
	DefaultInputModes  []string     `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string     `json:"defaultOutputModes,omitempty"`
	Skills             []Skill      `json:"skills,omitempty"`
}

type Capabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

type TaskState string

const (
	TaskStateSubmitted TaskState = "submitted"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

func (s TaskState) rank() int {
	switch s {
	case TaskStateSubmitted:
		return 0
	case TaskStateWorking:
		return 1
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return 2
	}
	return -1
}

// CanTransition reports whether a task in state s may move to next. States only
// move forward; a non-terminal state may be re-announced (working -> working).
func (s TaskState) CanTransition(next TaskState) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() >= s.rank()
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

type PartType string

const (
	PartTypeText PartType = "text"
	PartTypeFile PartType = "file"
	PartTypeData PartType = "data"
)

// Part is a closed variant selected by Type. Exactly one of Text, File or Data
// is meaningful for a given Type.
type Part struct {
	Type     PartType       `json:"type"`
	Text     string         `json:"text,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

func FilePart(name, mimeType string, data []byte) Part {
	return Part{Type: PartTypeFile, File: &FileContent{
		Name:     name,
		MimeType: mimeType,
		Bytes:    base64.StdEncoding.EncodeToString(data),
	}}
}

func FileURIPart(name, mimeType, uri string) Part {
	return Part{Type: PartTypeFile, File: &FileContent{Name: name, MimeType: mimeType, URI: uri}}
}

func DataPart(data map[string]any) Part {
	return Part{Type: PartTypeData, Data: data}
}

// IsForm reports whether the part is a structured form request.
func (p Part) IsForm() bool {
	if p.Type != PartTypeData {
		return false
	}
	t, _ := p.Data["type"].(string)
	return t == "form"
}

func (p Part) Validate() error {
	switch p.Type {
	case PartTypeText:
		return nil
	case PartTypeFile:
		if p.File == nil {
			return errors.New("file part without file content")
		}
		if p.File.Bytes == "" && p.File.URI == "" {
			return errors.New("file part needs bytes or uri")
		}
		return nil
	case PartTypeData:
		if p.Data == nil {
			return errors.New("data part without data")
		}
		return nil
	case "":
		return errors.New("part type is required")
	}
	return fmt.Errorf("unknown part type %q", p.Type)
}

func (p *Part) UnmarshalJSON(b []byte) error {
	type raw Part
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	part := Part(r)
	if err := part.Validate(); err != nil {
		return err
	}
	*p = part
	return nil
}

// Decode returns the inline payload of a file part.
func (f *FileContent) Decode() ([]byte, error) {
	if f.Bytes == "" {
		return nil, errors.New("file content is not inline")
	}
	return base64.StdEncoding.DecodeString(f.Bytes)
}

type Message struct {
	Role     Role           `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart(text)}}
}

func (m Message) MessageID() string {
	return metaString(m.Metadata, MetaMessageID)
}

func (m Message) ConversationID() string {
	return metaString(m.Metadata, MetaConversationID)
}

// FirstText returns the text of the first part when it is a text part.
func (m Message) FirstText() (string, bool) {
	if len(m.Parts) == 0 || m.Parts[0].Type != PartTypeText {
		return "", false
	}
	return m.Parts[0].Text, true
}

func (m Message) Clone() Message {
	out := Message{Role: m.Role, Metadata: cloneMap(m.Metadata)}
	if m.Parts != nil {
		out.Parts = append([]Part(nil), m.Parts...)
	}
	return out
}

type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

type Artifact struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Index       int            `json:"index"`
	Append      bool           `json:"append,omitempty"`
	LastChunk   bool           `json:"lastChunk,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AppendArtifact adds a to the list. An artifact flagged Append extends the
// parts of the most recent artifact sharing its index; anything else is added
// as a new entry, so repeated updates accumulate instead of replacing.
func AppendArtifact(list []Artifact, a Artifact) []Artifact {
	if a.Append {
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].Index == a.Index {
				list[i].Parts = append(list[i].Parts, a.Parts...)
				list[i].LastChunk = a.LastChunk
				return list
			}
		}
	}
	return append(list, a)
}

type Task struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId,omitempty"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.Status.Message != nil {
		m := t.Status.Message.Clone()
		out.Status.Message = &m
	}
	if t.History != nil {
		out.History = make([]Message, len(t.History))
		for i, m := range t.History {
			out.History[i] = m.Clone()
		}
	}
	if t.Artifacts != nil {
		out.Artifacts = make([]Artifact, len(t.Artifacts))
		for i, a := range t.Artifacts {
			a.Parts = append([]Part(nil), a.Parts...)
			a.Metadata = cloneMap(a.Metadata)
			out.Artifacts[i] = a
		}
	}
	out.Metadata = cloneMap(t.Metadata)
	return &out
}

type TaskStatusUpdateEvent struct {
	ID       string         `json:"id"`
	Status   TaskStatus     `json:"status"`
	Final    bool           `json:"final"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type TaskArtifactUpdateEvent struct {
	ID       string         `json:"id"`
	Artifact Artifact       `json:"artifact"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskUpdate is what a remote agent reports about a task: a full snapshot, a
// status change or an artifact.
type TaskUpdate interface {
	UpdateTaskID() string
	isTaskUpdate()
}

func (t *Task) UpdateTaskID() string                    { return t.ID }
func (e *TaskStatusUpdateEvent) UpdateTaskID() string   { return e.ID }
func (e *TaskArtifactUpdateEvent) UpdateTaskID() string { return e.ID }

func (*Task) isTaskUpdate()                    {}
func (*TaskStatusUpdateEvent) isTaskUpdate()   {}
func (*TaskArtifactUpdateEvent) isTaskUpdate() {}

// DecodeStreamEvent decodes the result of a streaming response into either a
// status or an artifact event.
func DecodeStreamEvent(raw json.RawMessage) (TaskUpdate, error) {
	var probe struct {
		Artifact json.RawMessage `json:"artifact"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decoding stream event: %w", err)
	}
	if len(probe.Artifact) > 0 {
		var ev TaskArtifactUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decoding artifact event: %w", err)
		}
		return &ev, nil
	}
	var ev TaskStatusUpdateEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decoding status event: %w", err)
	}
	return &ev, nil
}

type PushNotificationConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

type TaskPushNotificationConfig struct {
	ID                     string                 `json:"id"`
	PushNotificationConfig PushNotificationConfig `json:"pushNotificationConfig"`
}

type TaskSendParams struct {
	ID                  string                  `json:"id"`
	SessionID           string                  `json:"sessionId,omitempty"`
	Message             Message                 `json:"message"`
	AcceptedOutputModes []string                `json:"acceptedOutputModes,omitempty"`
	PushNotification    *PushNotificationConfig `json:"pushNotification,omitempty"`
	HistoryLength       *int                    `json:"historyLength,omitempty"`
	Metadata            map[string]any          `json:"metadata,omitempty"`
}

type TaskQueryParams struct {
	ID            string         `json:"id"`
	HistoryLength *int           `json:"historyLength,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type TaskIDParams struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
