package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/edgeopslabs/blah/pkg/types"
)

// Registry holds the invokers available to a dispatcher, keyed by kind.
type Registry struct {
	mu       sync.RWMutex
	invokers map[types.Kind]types.Invoker
	order    []types.Kind
}

func New() *Registry {
	return &Registry{invokers: make(map[types.Kind]types.Invoker)}
}

// Register adds an invoker. Registering the same kind twice is a
// programming error and panics.
func (r *Registry) Register(invoker types.Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := invoker.Kind()
	if _, exists := r.invokers[kind]; exists {
		panic(fmt.Sprintf("backend already registered: %s", kind))
	}
	r.invokers[kind] = invoker
	r.order = append(r.order, kind)
	slog.Debug("backend registered", "kind", kind)
}

func (r *Registry) Get(kind types.Kind) (types.Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	invoker, ok := r.invokers[kind]
	return invoker, ok
}

// Backend returns the registered invoker of kind if it can also discover.
func (r *Registry) Backend(kind types.Kind) (types.Backend, bool) {
	invoker, ok := r.Get(kind)
	if !ok {
		return nil, false
	}
	backend, ok := invoker.(types.Backend)
	return backend, ok
}

// Kinds lists registered kinds in registration order.
func (r *Registry) Kinds() []types.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.Kind(nil), r.order...)
}
