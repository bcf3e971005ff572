package exchange

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a connector instance named name for the owning service.
type Factory func(owner ServiceContext, name string) (Connector, error)

// Registry maps exchange type names to factories. It is safe for concurrent
// use; each name can be registered once.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry. Tests use it to avoid the default one.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// defaultRegistry is populated by the init functions of exchange packages.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// RegisterFactory associates exchangeType with f.
func (r *Registry) RegisterFactory(exchangeType string, f Factory) error {
	if exchangeType == "" {
		return fmt.Errorf("exchange type name must not be empty")
	}
	if f == nil {
		return fmt.Errorf("nil factory for exchange type %q", exchangeType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[exchangeType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateExchangeType, exchangeType)
	}
	r.factories[exchangeType] = f
	return nil
}

// MustRegisterFactory is RegisterFactory for init functions; it panics on error.
func (r *Registry) MustRegisterFactory(exchangeType string, f Factory) {
	if err := r.RegisterFactory(exchangeType, f); err != nil {
		panic(err)
	}
}

// Create builds a connector of the given type.
func (r *Registry) Create(exchangeType string, owner ServiceContext, name string) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[exchangeType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchangeType, exchangeType)
	}
	c, err := f(owner, name)
	if err != nil {
		return nil, fmt.Errorf("create %s connector %q: %w", exchangeType, name, err)
	}
	if c == nil {
		return nil, fmt.Errorf("create %s connector %q: factory returned nil", exchangeType, name)
	}
	return c, nil
}

// Has reports whether exchangeType is registered.
func (r *Registry) Has(exchangeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[exchangeType]
	return ok
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterFactory registers f in the default registry.
func RegisterFactory(exchangeType string, f Factory) error {
	return defaultRegistry.RegisterFactory(exchangeType, f)
}

// MustRegisterFactory registers f in the default registry or panics.
func MustRegisterFactory(exchangeType string, f Factory) {
	defaultRegistry.MustRegisterFactory(exchangeType, f)
}

// Create builds a connector from the default registry.
func Create(exchangeType string, owner ServiceContext, name string) (Connector, error) {
	return defaultRegistry.Create(exchangeType, owner, name)
}

// Types lists the exchange types in the default registry.
func Types() []string {
	return defaultRegistry.Types()
}
