package hooks

import (
	"time"
)

// Clock returns the current time
type Clock func() time.Time

// Auditing fills the BaseEntity audit fields: createdBy and createdDate on
// persist, lastModifiedBy and lastModifiedDate on persist and update.
// Entities without those fields are left alone. The principal comes from
// WithPrincipal, falling back to defaultPrincipal.
func Auditing(r *Registry, clock Clock, defaultPrincipal string) error {
	if clock == nil {
		clock = time.Now
	}

	stamp := func(ctx *Context, created bool) error {
		e := ctx.Entity()
		now := clock()
		who, ok := PrincipalFrom(ctx)
		if !ok {
			who = defaultPrincipal
		}

		values := map[string]interface{}{
			"lastModifiedBy":   who,
			"lastModifiedDate": now,
		}
		if created {
			values["createdBy"] = who
			values["createdDate"] = now
		}
		for name, v := range values {
			if _, ok := e.Descriptor().Field(name); !ok {
				continue
			}
			if err := e.Set(name, v); err != nil {
				return err
			}
		}
		return nil
	}

	if err := r.On(AllEntities, PrePersist, func(ctx *Context) error { return stamp(ctx, true) }); err != nil {
		return err
	}
	return r.On(AllEntities, PreUpdate, func(ctx *Context) error { return stamp(ctx, false) })
}
