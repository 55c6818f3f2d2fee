// Package session implements the unit of work. A Session tracks the
// instances it persisted or loaded, guarantees one instance per key, and
// on Flush writes the minimal set of inserts, updates and deletes inside a
// single gateway transaction.
package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conduit-lang/persist/internal/orm/entity"
	"github.com/conduit-lang/persist/internal/orm/hooks"
	"github.com/conduit-lang/persist/internal/orm/identity"
	"github.com/conduit-lang/persist/internal/orm/relationships"
	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/storage"
	"github.com/conduit-lang/persist/internal/orm/tracking"
)

// entry is the tracking record of one instance
type entry struct {
	// snapshot holds the stored column values; nil until the row exists
	snapshot *tracking.Snapshot
	// pendingInsert marks a persisted instance whose row is not written yet
	pendingInsert bool
}

// Stats describes what a session is tracking
type Stats struct {
	Managed        int
	PendingInserts int
	Removed        int
	Identities     int
}

// Session is a single-owner unit of work
type Session struct {
	registry *schema.Registry
	gateway  storage.Gateway
	hooks    *hooks.Executor
	logger   *zap.Logger
	maxDepth int
	resolver *relationships.Resolver

	identity *identity.Map[*entity.Entity]
	entries  map[*entity.Entity]*entry
	order    []*entity.Entity
	closed   bool
}

func (s *Session) checkOpen() error {
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) track(e *entity.Entity, en *entry) {
	if _, exists := s.entries[e]; !exists {
		s.order = append(s.order, e)
	}
	s.entries[e] = en
}

func (s *Session) untrack(e *entity.Entity) {
	delete(s.entries, e)
	if e.HasKey() {
		if held, ok := s.identity.Lookup(e.Key()); ok && held == e {
			s.identity.Remove(e.Key())
		}
	}
}

// tracked returns the live instances in the order they were first tracked
func (s *Session) tracked() []*entity.Entity {
	live := s.order[:0]
	for _, e := range s.order {
		if _, ok := s.entries[e]; ok {
			live = append(live, e)
		}
	}
	s.order = live
	return append([]*entity.Entity(nil), live...)
}

// New creates a NEW instance of the named entity
func (s *Session) New(name string) (*entity.Entity, error) {
	desc, err := s.registry.Describe(name)
	if err != nil {
		return nil, err
	}
	return entity.New(desc), nil
}

// Persist schedules a NEW instance for insert and cascades to associations
// marked for persist
func (s *Session) Persist(ctx context.Context, e *entity.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.persist(ctx, e, make(map[*entity.Entity]bool))
}

func (s *Session) persist(ctx context.Context, e *entity.Entity, visited map[*entity.Entity]bool) error {
	if visited[e] {
		return nil
	}
	visited[e] = true

	en, tracked := s.entries[e]
	switch e.State() {
	case entity.StateDetached:
		return fmt.Errorf("persist %s: %w; use Merge", e.Key(), ErrDetachedEntity)
	case entity.StateRemoved:
		return &AlreadyRemovedError{Key: e.Key()}
	case entity.StateManaged:
		if !tracked {
			return notManaged(e)
		}
	case entity.StateNew:
		if !tracked {
			if err := s.schedule(ctx, e); err != nil {
				return err
			}
		} else if !en.pendingInsert {
			return notManaged(e)
		}
	}

	return s.resolver.Cascade(ctx, schema.CascadePersist, e, func(target *entity.Entity) error {
		return s.persist(ctx, target, visited)
	})
}

// schedule makes an untracked NEW instance tracked-new
func (s *Session) schedule(ctx context.Context, e *entity.Entity) error {
	if err := s.hooks.Execute(ctx, hooks.PrePersist, e); err != nil {
		return err
	}

	id := e.Descriptor().ID()
	if !e.HasKey() {
		switch id.Generation {
		case schema.GenerateUUID:
			if err := e.AssignKey(uuid.New()); err != nil {
				return err
			}
		case schema.GenerateNone:
			return fmt.Errorf("persist %s: %w", e.Name(), ErrMissingKey)
		}
	}

	if e.HasKey() {
		if err := s.identity.Register(e.Key(), e); err != nil {
			return err
		}
		e.LockKey(true)
	}

	s.track(e, &entry{pendingInsert: true})
	s.logger.Debug("scheduled insert", zap.String("entity", e.Name()), zap.Any("key", e.KeyValue()))
	return nil
}

// Remove schedules a managed instance for deletion and cascades to
// associations marked for remove. Removing a tracked-new instance cancels
// its insert.
func (s *Session) Remove(ctx context.Context, e *entity.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.remove(ctx, e, make(map[*entity.Entity]bool))
}

func (s *Session) remove(ctx context.Context, e *entity.Entity, visited map[*entity.Entity]bool) error {
	if visited[e] {
		return nil
	}
	visited[e] = true

	en, tracked := s.entries[e]
	if !tracked {
		if e.State() == entity.StateDetached {
			return fmt.Errorf("remove %s: %w", e.Key(), ErrDetachedEntity)
		}
		return notManaged(e)
	}
	if e.State() == entity.StateRemoved {
		return nil
	}

	if err := s.hooks.Execute(ctx, hooks.PreRemove, e); err != nil {
		return err
	}

	if en.pendingInsert {
		s.untrack(e)
		e.LockKey(false)
		s.logger.Debug("cancelled insert", zap.String("entity", e.Name()))
	} else {
		e.SetState(entity.StateRemoved)
	}

	return s.resolver.Cascade(ctx, schema.CascadeRemove, e, func(target *entity.Entity) error {
		if _, ok := s.entries[target]; !ok {
			return nil
		}
		return s.remove(ctx, target, visited)
	})
}

// Load returns the managed instance for key, reading it from the store on
// an identity map miss
func (s *Session) Load(ctx context.Context, name string, key interface{}) (*entity.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	k, err := s.key(name, key)
	if err != nil {
		return nil, err
	}

	e, err := s.loadWithin(ctx, k, relationships.NewLoadContext(s.maxDepth))
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &NotFoundError{Key: k}
	}
	return e, nil
}

// Find is Load without the error for a missing row
func (s *Session) Find(ctx context.Context, name string, key interface{}) (*entity.Entity, error) {
	e, err := s.Load(ctx, name, key)
	if IsNotFound(err) {
		return nil, nil
	}
	return e, err
}

// GetReference returns a placeholder for key without reading the store.
// It points at the managed instance when there is one.
func (s *Session) GetReference(name string, key interface{}) (*entity.Reference, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	k, err := s.key(name, key)
	if err != nil {
		return nil, err
	}
	if e, ok := s.identity.Lookup(k); ok {
		return entity.Resolved(e), nil
	}
	return entity.Unresolved(k, s), nil
}

func (s *Session) key(name string, key interface{}) (identity.Key, error) {
	desc, err := s.registry.Describe(name)
	if err != nil {
		return identity.Key{}, err
	}
	v, err := desc.CoerceKey(key)
	if err != nil {
		return identity.Key{}, err
	}
	if v == nil {
		return identity.Key{}, fmt.Errorf("load %s: %w", name, ErrMissingKey)
	}
	return identity.NewKey(desc.Name, v), nil
}

// Contains reports whether e is managed by this session and not removed
func (s *Session) Contains(e *entity.Entity) bool {
	_, tracked := s.entries[e]
	return tracked && e.State() != entity.StateRemoved
}

// Detach stops tracking e. Pending changes to it are not flushed and its
// unresolved associations can no longer load.
func (s *Session) Detach(e *entity.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, tracked := s.entries[e]; !tracked {
		return notManaged(e)
	}
	s.untrack(e)
	e.Detach()
	return nil
}

// DetachAll detaches every tracked instance and clears the identity map
func (s *Session) DetachAll() {
	for _, e := range s.tracked() {
		e.Detach()
	}
	s.entries = make(map[*entity.Entity]*entry)
	s.order = nil
	s.identity.Clear()
}

// Close detaches everything; the session cannot be used afterwards
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.DetachAll()
	s.closed = true
	return nil
}

// Changes returns the columns of a managed instance whose values differ from
// the ones last read or written
func (s *Session) Changes(e *entity.Entity) (*tracking.ChangeSet, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	en, tracked := s.entries[e]
	if !tracked || en.pendingInsert || e.State() != entity.StateManaged {
		return nil, notManaged(e)
	}
	return en.snapshot.Diff(s.rowFor(e, s.pendingKeyOf)), nil
}

// Stats reports what the session is tracking
func (s *Session) Stats() Stats {
	st := Stats{Identities: s.identity.Len()}
	for e, en := range s.entries {
		switch {
		case en.pendingInsert:
			st.PendingInserts++
		case e.State() == entity.StateRemoved:
			st.Removed++
		default:
			st.Managed++
		}
	}
	return st
}
