// Package registry tracks the remote agents known to the orchestrator, one
// card per url.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
)

// Resolver fetches the card an agent publishes at url.
type Resolver interface {
	Resolve(ctx context.Context, url string) (*a2a.AgentCard, error)
}

// HTTPResolver reads <url>/.well-known/agent.json.
type HTTPResolver struct {
	Client *http.Client
}

func (r HTTPResolver) Resolve(ctx context.Context, url string) (*a2a.AgentCard, error) {
	return a2a.FetchAgentCard(ctx, r.Client, url)
}

type Registry struct {
	resolver Resolver
	logger   *slog.Logger

	mu    sync.RWMutex
	cards map[string]a2a.AgentCard
	order []string
}

func New(resolver Resolver, logger *slog.Logger) *Registry {
	if resolver == nil {
		resolver = HTTPResolver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		resolver: resolver,
		logger:   logger.With("component", "registry"),
		cards:    make(map[string]a2a.AgentCard),
	}
}

func normalize(url string) string {
	return strings.TrimSuffix(strings.TrimSpace(url), "/")
}

// Register resolves the agent at url and records its card. A card without its
// own url is filed under url. Registering a known url returns the existing card
// without contacting the agent; added reports whether a new card was stored.
func (r *Registry) Register(ctx context.Context, url string) (card a2a.AgentCard, added bool, err error) {
	url = normalize(url)
	if url == "" {
		return a2a.AgentCard{}, false, fmt.Errorf("registry: agent url is required")
	}
	if existing, ok := r.Get(url); ok {
		return existing, false, nil
	}

	resolved, err := r.resolver.Resolve(ctx, url)
	if err != nil {
		return a2a.AgentCard{}, false, fmt.Errorf("registry: resolving %s: %w", url, err)
	}
	if resolved.URL == "" {
		resolved.URL = url
	}
	resolved.URL = normalize(resolved.URL)

	if !r.Add(*resolved) {
		existing, _ := r.Get(resolved.URL)
		return existing, false, nil
	}
	r.logger.Info("agent registered", slog.String("name", resolved.Name), slog.String("url", resolved.URL))
	return *resolved, true, nil
}

// Add stores card unless one with the same url exists.
func (r *Registry) Add(card a2a.AgentCard) bool {
	card.URL = normalize(card.URL)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cards[card.URL]; ok {
		return false
	}
	r.cards[card.URL] = card
	r.order = append(r.order, card.URL)
	telemetry.Metrics.RegisteredAgents.Set(float64(len(r.cards)))
	return true
}

func (r *Registry) Remove(url string) bool {
	url = normalize(url)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cards[url]; !ok {
		return false
	}
	delete(r.cards, url)
	for i, u := range r.order {
		if u == url {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	telemetry.Metrics.RegisteredAgents.Set(float64(len(r.cards)))
	return true
}

func (r *Registry) Get(url string) (a2a.AgentCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	card, ok := r.cards[normalize(url)]
	return card, ok
}

// List returns the cards in registration order.
func (r *Registry) List() []a2a.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]a2a.AgentCard, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, r.cards[u])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cards)
}
