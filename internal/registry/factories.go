package registry

import (
	"sort"
	"sync"

	"github.com/dgfacade/gateway/internal/handler"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
)

// Factory builds one fresh, unconstructed handler instance. Factories
// must not touch external resources; that happens in Construct.
type Factory func() handler.Handler

// Factories maps handler_identifier to its factory. Populated once at
// startup by the builtin set plus whatever the wiring adds.
type Factories struct {
	mu   sync.RWMutex
	byID map[string]Factory
}

func NewFactories() *Factories {
	return &Factories{byID: make(map[string]Factory)}
}

// Register binds an identifier. A duplicate identifier is a wiring bug
// and fails loudly.
func (f *Factories) Register(identifier string, factory Factory) error {
	if identifier == "" || factory == nil {
		return apperrors.New(apperrors.ErrCodeValidation, "factory registration needs identifier and factory")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.byID[identifier]; dup {
		return apperrors.Newf(apperrors.ErrCodeConflict, "handler identifier %q already registered", identifier)
	}
	f.byID[identifier] = factory
	return nil
}

// MustRegister is Register for startup wiring where a duplicate can
// only mean a broken build.
func (f *Factories) MustRegister(identifier string, factory Factory) {
	if err := f.Register(identifier, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for an identifier.
func (f *Factories) Lookup(identifier string) (Factory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fac, ok := f.byID[identifier]
	return fac, ok
}

// Identifiers lists registered identifiers, sorted.
func (f *Factories) Identifiers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.byID))
	for id := range f.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
