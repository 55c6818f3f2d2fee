package hooks

import (
	"context"

	"github.com/conduit-lang/persist/internal/orm/entity"
)

// Context wraps the standard context with the entity a hook runs for
type Context struct {
	context.Context
	event  Event
	name   string
	key    interface{}
	entity *entity.Entity
	record map[string]interface{}
}

// NewContext creates a hook context for a live instance
func NewContext(ctx context.Context, event Event, e *entity.Entity) *Context {
	return &Context{
		Context: ctx,
		event:   event,
		name:    e.Name(),
		key:     e.KeyValue(),
		entity:  e,
		record:  e.Values(),
	}
}

// detached returns a copy that carries only the entity's values, for
// hooks that run after the instance may have changed again
func (c *Context) detached(ctx context.Context) *Context {
	return &Context{
		Context: ctx,
		event:   c.event,
		name:    c.name,
		key:     c.key,
		record:  deepCopyRecord(c.record),
	}
}

// Event returns the lifecycle event
func (c *Context) Event() Event {
	return c.event
}

// EntityName returns the entity type name
func (c *Context) EntityName() string {
	return c.name
}

// Key returns the primary key at the time the event fired
func (c *Context) Key() interface{} {
	return c.key
}

// Entity returns the live instance; nil for async hooks
func (c *Context) Entity() *entity.Entity {
	return c.entity
}

// Record returns the scalar values at the time the event fired
func (c *Context) Record() map[string]interface{} {
	return c.record
}

type principalKey struct{}

// WithPrincipal records who is acting, for auditing hooks
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns the principal recorded by WithPrincipal
func PrincipalFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok
}

// deepCopyRecord creates a copy of a record map so async hooks see the
// values as they were when the event fired
func deepCopyRecord(record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		out[k] = v
	}
	return out
}
