// Package agent holds the sample agents served by `switchboard agent` and the
// helpers agent implementations share.
package agent

import (
	"context"
	"strings"
	"time"

	"github.com/igorsilveira/switchboard/pkg/a2a"
)

var echoContentTypes = []string{"text", "text/plain"}

// Echo replies with the query it was given. Delay simulates work and is cut
// short when the context ends.
type Echo struct {
	Prefix string
	Delay  time.Duration
}

var _ a2a.Agent = (*Echo)(nil)

func (e *Echo) Invoke(ctx context.Context, query, _ string) (*a2a.AgentResult, error) {
	if e.Delay > 0 {
		t := time.NewTimer(e.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if strings.TrimSpace(query) == "" {
		return &a2a.AgentResult{Err: "nothing to echo"}, nil
	}
	return &a2a.AgentResult{Text: e.Prefix + query}, nil
}

func (e *Echo) ProcessingMessage() string       { return "Echoing your message..." }
func (e *Echo) SupportedContentTypes() []string { return echoContentTypes }

// EchoCard describes an Echo agent published at url.
func EchoCard(name, url string, streaming bool) a2a.AgentCard {
	return a2a.AgentCard{
		Name:        name,
		Description: "Repeats every message it receives",
		URL:         url,
		Version:     "1.0.0",
		Capabilities: a2a.Capabilities{
			Streaming:              streaming,
			StateTransitionHistory: true,
		},
		DefaultInputModes:  echoContentTypes,
		DefaultOutputModes: echoContentTypes,
		Skills: []a2a.Skill{{
			ID:          "echo",
			Name:        "Echo",
			Description: "Returns the text of the request",
			Tags:        []string{"echo", "test"},
			Examples:    []string{"hello"},
		}},
	}
}
