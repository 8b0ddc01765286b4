// Package storage persists the orchestrator's agents, conversations and
// message logs as JSON documents addressed by key.
package storage

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

const (
	KeyAgents        = "agents"
	KeyConversations = "conversations"
	messagesPrefix   = "messages_"
)

// Storage saves and loads JSON-serializable values by key. Load never fails
// loudly: a missing or unreadable record reports false and leaves out zeroed.
type Storage interface {
	Save(ctx context.Context, key string, data any) error
	Load(ctx context.Context, key string, out any) bool
	Delete(ctx context.Context, key string) error
	Close() error
}

// MessagesKey is the record holding the message log of one conversation.
func MessagesKey(conversationID string) string {
	return messagesPrefix + conversationID
}

// sanitizeKey maps key onto a file name. Bytes outside [A-Za-z0-9_-] are
// written as %XX, so distinct keys never share a file.
func sanitizeKey(key string) string {
	if key == "" {
		return "%"
	}
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func zero(out any) {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return
	}
	v.Elem().Set(reflect.Zero(v.Elem().Type()))
}
