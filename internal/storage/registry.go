package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/types"
	"github.com/flowstore/flowstore/pkg/utils"
)

// CheckCapabilities verifies that obj implements the primitive interfaces of
// every capability its backend declares.
func CheckCapabilities(backend types.Backend, obj types.StorageObject) error {
	caps := backend.Capabilities()
	var missing []string
	if caps.Has(types.CapRead) {
		if _, ok := obj.(types.Reader); !ok {
			missing = append(missing, "read")
		}
	}
	if caps.Has(types.CapWrite) {
		if _, ok := obj.(types.Writer); !ok {
			missing = append(missing, "write")
		}
	}
	if caps.Has(types.CapGlob) {
		if _, ok := obj.(types.Globber); !ok {
			missing = append(missing, "glob")
		}
	}
	if caps.Has(types.CapTouch) {
		if _, ok := obj.(types.Toucher); !ok {
			missing = append(missing, "touch")
		}
	}
	if len(missing) > 0 {
		return errors.NewError(errors.ErrCodePluginInvalid,
			fmt.Sprintf("storage backend %s declares %s but its objects do not implement %s",
				backend.Name(), caps, strings.Join(missing, ", "))).
			WithComponent("registry")
	}
	return nil
}

// Registry holds the available backends by name
type Registry struct {
	mu       sync.RWMutex
	backends map[string]types.Backend
	order    []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]types.Backend)}
}

// Register validates backend and adds it. The first example query is used
// as a probe to check that objects implement every declared capability.
func (r *Registry) Register(backend types.Backend) error {
	name := backend.Name()
	if name == "" {
		return errors.NewError(errors.ErrCodePluginInvalid, "storage backend without a name").
			WithComponent("registry")
	}
	if backend.Capabilities() == types.CapNone {
		return errors.NewError(errors.ErrCodePluginInvalid,
			fmt.Sprintf("storage backend %s declares no capabilities", name)).
			WithComponent("registry")
	}

	examples := backend.ExampleQueries()
	if len(examples) == 0 {
		return errors.NewError(errors.ErrCodePluginInvalid,
			fmt.Sprintf("storage backend %s has no example queries", name)).
			WithComponent("registry")
	}
	for _, ex := range examples {
		if res := backend.IsValidQuery(ex.Query); !res.Valid {
			return errors.NewError(errors.ErrCodePluginInvalid,
				fmt.Sprintf("storage backend %s rejects its own example query %s: %s",
					name, backend.SafePrint(ex.Query), res.Reason)).
				WithComponent("registry")
		}
	}
	probe, err := backend.NewObject(examples[0].Query)
	if err != nil {
		return errors.NewError(errors.ErrCodePluginInvalid,
			fmt.Sprintf("storage backend %s cannot create an object", name)).
			WithComponent("registry").
			WithCause(err)
	}
	if err := CheckCapabilities(backend, probe); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[name]; exists {
		return errors.NewError(errors.ErrCodePluginInvalid,
			fmt.Sprintf("storage backend %s is already registered", name)).
			WithComponent("registry")
	}
	r.backends[name] = backend
	r.order = append(r.order, name)
	return nil
}

// Get returns the backend registered under name
func (r *Registry) Get(name string) (types.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeBackendNotFound,
			fmt.Sprintf("no storage backend named %q (available: %s)", name, strings.Join(r.sortedNames(), ", "))).
			WithComponent("registry")
	}
	return b, nil
}

// Names returns the registered backend names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNames()
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForQuery selects the backend for query. The backend with the longest
// protocol prefix of query wins; queries without a known protocol go to the
// first registered backend accepting them.
func (r *Registry) ForQuery(query string) (types.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best types.Backend
	bestLen := 0
	for _, name := range r.order {
		b := r.backends[name]
		for _, proto := range b.AvailableProtocols() {
			if proto != "" && strings.HasPrefix(query, proto) && len(proto) > bestLen {
				best, bestLen = b, len(proto)
			}
		}
	}
	if best != nil {
		return best, nil
	}

	for _, name := range r.order {
		b := r.backends[name]
		if b.IsValidQuery(query).Valid {
			return b, nil
		}
	}
	return nil, errors.NewError(errors.ErrCodeBackendNotFound,
		fmt.Sprintf("no storage backend accepts query %q", utils.RedactURL(query))).
		WithComponent("registry")
}
