package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"promptrelay/internal/models"
)

// ErrUnknownService indicates the requested backend is not registered.
var ErrUnknownService = errors.New("unknown service")

// ErrDuplicateService indicates an attempt to register the same backend twice.
var ErrDuplicateService = errors.New("service already registered")

// EmitFunc receives one text fragment from a backend stream. A non-nil error
// aborts the stream.
type EmitFunc func(fragment string) error

// Backend streams a chat completion from one model provider.
type Backend interface {
	Service() models.Service
	// DefaultDeployment is used when a request does not name a deployment.
	DefaultDeployment() string
	// Stream issues one streaming call and passes every non-empty text delta
	// to emit in the order the provider produced it.
	Stream(ctx context.Context, req models.ChatRequest, emit EmitFunc) error
}

// Registry maintains a mapping of services to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[models.Service]Backend
}

// NewRegistry constructs an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[models.Service]Backend),
	}
}

// Register adds a backend under its service name.
func (r *Registry) Register(b Backend) error {
	if b == nil {
		return errors.New("backend must not be nil")
	}
	svc := b.Service()
	if !svc.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownService, svc)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[svc]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateService, svc)
	}
	r.backends[svc] = b
	return nil
}

// Lookup returns the backend for a service.
func (r *Registry) Lookup(svc models.Service) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[svc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, svc)
	}
	return b, nil
}

// Services lists registered services in a stable order.
func (r *Registry) Services() []models.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Service, 0, len(r.backends))
	for svc := range r.backends {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
