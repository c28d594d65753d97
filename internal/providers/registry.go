package providers

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tamias-dev/tamias/internal/config"
)

// ErrUnknownConnection is returned when a model reference names a connection
// nickname that is not configured.
var ErrUnknownConnection = errors.New("unknown connection")

// Registry maps connection nicknames to Provider instances.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Provider)}
}

// Register binds a nickname to a provider, replacing any previous binding.
func (r *Registry) Register(nickname string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[nickname] = p
}

// Get returns the provider for a connection nickname.
func (r *Registry) Get(nickname string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.conns[nickname]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnection, nickname)
	}
	return p, nil
}

// Resolve splits a "{nickname}/{modelId}" reference and returns the provider
// together with the bare model id.
func (r *Registry) Resolve(modelRef string) (Provider, string, error) {
	ref, err := config.ParseModelRef(modelRef)
	if err != nil {
		return nil, "", err
	}
	p, err := r.Get(ref.Nickname)
	if err != nil {
		return nil, "", err
	}
	return p, ref.ModelID, nil
}

// Nicknames lists registered connections in stable order.
func (r *Registry) Nicknames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.conns))
	for n := range r.conns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FromConfig builds a registry from the configured connections. Connections
// whose key is missing from the environment are registered anyway; the call
// fails at request time with an authentication error, which surfaces through
// the model fallback chain.
func FromConfig(cfg *config.Config) *Registry {
	r := NewRegistry()
	for nick, conn := range cfg.Connections {
		var p Provider
		switch conn.Provider {
		case config.ProviderAnthropic:
			p = NewAnthropicProvider(conn.APIKey(), conn.BaseURL)
		case config.ProviderOpenAI:
			p = NewOpenAIProvider("openai", conn.APIKey(), conn.BaseURL)
		case config.ProviderOpenRouter:
			p = NewOpenRouterProvider(conn.APIKey(), conn.BaseURL)
		case config.ProviderGoogle:
			p = NewGoogleProvider(conn.APIKey(), conn.BaseURL)
		case config.ProviderOllama:
			p = NewOllamaProvider(conn.BaseURL)
		default:
			slog.Warn("skipping connection with unknown provider", "nickname", nick, "provider", conn.Provider)
			continue
		}
		r.Register(nick, p)
		slog.Info("registered connection", "nickname", nick, "provider", conn.Provider)
	}
	return r
}
