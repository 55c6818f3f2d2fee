package session

import (
	"errors"

	"go.uber.org/zap"

	"github.com/conduit-lang/persist/internal/orm/entity"
	"github.com/conduit-lang/persist/internal/orm/hooks"
	"github.com/conduit-lang/persist/internal/orm/identity"
	"github.com/conduit-lang/persist/internal/orm/relationships"
	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/storage"
)

// Option configures a Factory
type Option func(*Factory)

// WithLogger sets the logger sessions write flush plans and failures to
func WithLogger(logger *zap.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithHooks sets the lifecycle hook executor
func WithHooks(executor *hooks.Executor) Option {
	return func(f *Factory) {
		f.hooks = executor
	}
}

// WithMaxFetchDepth bounds how deep eager associations are loaded inline
func WithMaxFetchDepth(depth int) Option {
	return func(f *Factory) {
		f.maxDepth = depth
	}
}

// Factory opens sessions over a shared registry and gateway. It is safe for
// concurrent use; the sessions it opens are not.
type Factory struct {
	registry *schema.Registry
	gateway  storage.Gateway
	hooks    *hooks.Executor
	logger   *zap.Logger
	maxDepth int
}

// NewFactory creates a factory. The registry must be sealed.
func NewFactory(registry *schema.Registry, gateway storage.Gateway, opts ...Option) (*Factory, error) {
	if registry == nil || !registry.IsSealed() {
		return nil, errors.New("session factory needs a sealed registry")
	}
	if gateway == nil {
		return nil, errors.New("session factory needs a storage gateway")
	}

	f := &Factory{
		registry: registry,
		gateway:  gateway,
		logger:   zap.NewNop(),
		maxDepth: relationships.DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Registry returns the registry sessions describe entities with
func (f *Factory) Registry() *schema.Registry {
	return f.registry
}

// Open starts a new unit of work
func (f *Factory) Open() *Session {
	s := &Session{
		registry: f.registry,
		gateway:  f.gateway,
		hooks:    f.hooks,
		logger:   f.logger,
		maxDepth: f.maxDepth,
		identity: identity.NewMap[*entity.Entity](),
		entries:  make(map[*entity.Entity]*entry),
	}
	s.resolver = relationships.NewResolver(f.registry, s)
	return s
}
