package backend

import (
	"sort"
	"sync"

	"github.com/core-tools/hsu-terminal/pkg/errors"
)

// Registry maps remote authorities to their backends.
type Registry struct {
	mutex    sync.RWMutex
	backends map[string]ProcessBackend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]ProcessBackend)}
}

func (r *Registry) Register(b ProcessBackend) error {
	if b == nil {
		return errors.NewValidationError("backend cannot be nil", nil)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	authority := b.RemoteAuthority()
	if _, exists := r.backends[authority]; exists {
		return errors.NewConflictError("backend already registered", nil).WithContext("authority", authority)
	}
	r.backends[authority] = b
	return nil
}

func (r *Registry) Unregister(authority string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.backends, authority)
}

// Get returns a backend-unavailable error when nothing serves authority.
func (r *Registry) Get(authority string) (ProcessBackend, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	b, ok := r.backends[authority]
	if !ok {
		return nil, errors.NewBackendUnavailableError("no terminal backend registered for remote authority", nil).
			WithContext("authority", DisplayAuthority(authority))
	}
	return b, nil
}

func (r *Registry) Authorities() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	authorities := make([]string, 0, len(r.backends))
	for authority := range r.backends {
		authorities = append(authorities, authority)
	}
	sort.Strings(authorities)
	return authorities
}

// DisplayAuthority names the local authority for logs.
func DisplayAuthority(authority string) string {
	if authority == LocalAuthority {
		return "local"
	}
	return authority
}
