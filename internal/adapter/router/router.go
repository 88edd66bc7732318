package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/openai"
)

var _ adapter.ChatAdapter = (*Router)(nil)

// Router routes requests to the appropriate adapter based on model name.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]adapter.ChatAdapter
	routes   map[string]string // model pattern -> adapter name
	fallback string
}

// New creates a new Router instance.
func New() *Router {
	return &Router{
		adapters: make(map[string]adapter.ChatAdapter),
		routes:   make(map[string]string),
	}
}

// RegisterAdapter registers an adapter with a name.
func (r *Router) RegisterAdapter(name string, a adapter.ChatAdapter) error {
	if name == "" {
		return errors.New("router: adapter name cannot be empty")
	}
	if a == nil {
		return errors.New("router: adapter cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
	return nil
}

// RegisterRoute maps a model pattern to a registered adapter.
// Patterns support exact ("gpt-4"), prefix ("gpt-*"), suffix ("*-mini")
// and contains ("*4o*") matches.
func (r *Router) RegisterRoute(modelPattern, adapterName string) error {
	if modelPattern == "" {
		return errors.New("router: model pattern cannot be empty")
	}
	if adapterName == "" {
		return errors.New("router: adapter name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapterName]; !exists {
		return fmt.Errorf("router: adapter %q not registered", adapterName)
	}
	r.routes[strings.ToLower(modelPattern)] = adapterName
	return nil
}

// SetFallback names the adapter used for unmatched models.
func (r *Router) SetFallback(adapterName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapterName]; !exists {
		return fmt.Errorf("router: adapter %q not registered", adapterName)
	}
	r.fallback = adapterName
	return nil
}

// CreateCompletionStream routes a streaming request.
func (r *Router) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	a, err := r.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	return a.CreateCompletionStream(ctx, req)
}

func (r *Router) resolve(model string) (adapter.ChatAdapter, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("router: model name required")
	}
	name, err := r.findAdapter(model)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	a, exists := r.adapters[name]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("router: adapter %q not found", name)
	}
	return a, nil
}

// findAdapter picks the adapter for a model: exact route, then the longest
// matching pattern, then the fallback.
func (r *Router) findAdapter(model string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model = strings.ToLower(strings.TrimSpace(model))
	if name, exists := r.routes[model]; exists {
		return name, nil
	}

	patterns := make([]string, 0, len(r.routes))
	for pattern := range r.routes {
		patterns = append(patterns, pattern)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	for _, pattern := range patterns {
		if matchPattern(model, pattern) {
			return r.routes[pattern], nil
		}
	}

	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", fmt.Errorf("router: no adapter found for model %q", model)
}

func matchPattern(model, pattern string) bool {
	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	prefixWild := strings.HasPrefix(pattern, "*")
	suffixWild := strings.HasSuffix(pattern, "*")
	switch {
	case suffixWild && !prefixWild:
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	case prefixWild && !suffixWild:
		return strings.HasSuffix(model, strings.TrimPrefix(pattern, "*"))
	case prefixWild && suffixWild:
		return strings.Contains(model, strings.Trim(pattern, "*"))
	}
	return false
}

// GetAdapterForModel returns the adapter name for a given model.
func (r *Router) GetAdapterForModel(model string) (string, error) {
	return r.findAdapter(model)
}

// ListAdapters returns all registered adapter names, sorted.
func (r *Router) ListAdapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListRoutes returns a copy of the registered routes.
func (r *Router) ListRoutes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string]string, len(r.routes))
	for pattern, name := range r.routes {
		routes[pattern] = name
	}
	return routes
}
