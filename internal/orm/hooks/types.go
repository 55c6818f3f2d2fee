// Package hooks provides entity lifecycle callbacks for the unit of work:
// pre-persist, post-load and friends, registered per entity or for every
// entity, plus the auditing callbacks that fill BaseEntity columns.
package hooks

import (
	"fmt"
	"strings"
	"sync"
)

// Event identifies a point in an entity's lifecycle
type Event int

const (
	PrePersist Event = iota
	PostPersist
	PreUpdate
	PostUpdate
	PreRemove
	PostRemove
	PostLoad
)

// String returns the string representation of the event
func (e Event) String() string {
	switch e {
	case PrePersist:
		return "pre_persist"
	case PostPersist:
		return "post_persist"
	case PreUpdate:
		return "pre_update"
	case PostUpdate:
		return "post_update"
	case PreRemove:
		return "pre_remove"
	case PostRemove:
		return "post_remove"
	case PostLoad:
		return "post_load"
	default:
		return "unknown"
	}
}

// ParseEvent converts a string to an Event
func ParseEvent(s string) (Event, error) {
	for e := PrePersist; e <= PostLoad; e++ {
		if strings.EqualFold(e.String(), s) {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown lifecycle event: %s", s)
}

// IsPost reports whether the event fires after a commit or a load
func (e Event) IsPost() bool {
	return e == PostPersist || e == PostUpdate || e == PostRemove || e == PostLoad
}

// HookFunc is a lifecycle callback
type HookFunc func(ctx *Context) error

// Hook represents a registered lifecycle hook
type Hook struct {
	Event Event
	Fn    HookFunc
	// Async hooks run on the async queue with a copy of the entity's
	// values. Only post events may be async.
	Async bool
}

// AllEntities registers a hook for every entity type
const AllEntities = "*"

// Registry manages the hooks of every entity type
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]map[Event][]*Hook
}

// NewRegistry creates a new hook registry
func NewRegistry() *Registry {
	return &Registry{
		hooks: make(map[string]map[Event][]*Hook),
	}
}

// Register adds a hook for an entity name, or AllEntities
func (r *Registry) Register(entity string, event Event, hook *Hook) error {
	if hook == nil || hook.Fn == nil {
		return fmt.Errorf("hook for %s %s has no function", entity, event)
	}
	if hook.Async && !event.IsPost() {
		return fmt.Errorf("hook for %s %s: only post events can be async", entity, event)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	hook.Event = event
	byEvent, ok := r.hooks[entity]
	if !ok {
		byEvent = make(map[Event][]*Hook)
		r.hooks[entity] = byEvent
	}
	byEvent[event] = append(byEvent[event], hook)
	return nil
}

// On registers a synchronous hook function
func (r *Registry) On(entity string, event Event, fn HookFunc) error {
	return r.Register(entity, event, &Hook{Fn: fn})
}

// GetHooks returns the hooks for an entity and event: those registered for
// all entities first, then the entity's own, each in registration order
func (r *Registry) GetHooks(entity string, event Event) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Hook
	out = append(out, r.hooks[AllEntities][event]...)
	if entity != AllEntities {
		out = append(out, r.hooks[entity][event]...)
	}
	return out
}

// HasHooks returns true if any hook is registered for the entity and event
func (r *Registry) HasHooks(entity string, event Event) bool {
	return len(r.GetHooks(entity, event)) > 0
}
