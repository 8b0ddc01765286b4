package a2a

import "github.com/google/uuid"

const (
	MetaMessageID      = "message_id"
	MetaLastMessageID  = "last_message_id"
	MetaConversationID = "conversation_id"
)

// MergeMetadata folds source into target and returns the result. Every key of
// source ends up in the result; on collision the target keeps its own value.
// target is modified in place when non-nil.
func MergeMetadata(target, source map[string]any) map[string]any {
	if len(source) == 0 {
		return target
	}
	if target == nil {
		target = make(map[string]any, len(source))
	}
	for k, v := range source {
		if _, ok := target[k]; !ok {
			target[k] = v
		}
	}
	return target
}

// RotateMessageID gives m a fresh message id, keeping the previous one under
// last_message_id so replies can be correlated with what they answer.
func RotateMessageID(m *Message) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	if prev, ok := m.Metadata[MetaMessageID]; ok {
		m.Metadata[MetaLastMessageID] = prev
	}
	m.Metadata[MetaMessageID] = uuid.NewString()
}

func metaString(md map[string]any, key string) string {
	s, _ := md[key].(string)
	return s
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
