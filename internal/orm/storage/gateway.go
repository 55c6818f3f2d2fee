// Package storage defines the Storage Gateway: the only boundary between the
// persistence core and a concrete store. Implementations live in the
// sqlstore, memstore and cache subpackages.
package storage

import (
	"context"

	"github.com/conduit-lang/persist/internal/orm/schema"
)

// Row is a set of column values keyed by column name
type Row map[string]interface{}

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Statements are the mapping-derived operations a gateway executes
type Statements interface {
	// Insert writes a row and returns the store-generated key, if any
	Insert(ctx context.Context, desc *schema.EntityDescriptor, values Row) (interface{}, error)

	// Update sets the given columns on the row identified by key
	Update(ctx context.Context, desc *schema.EntityDescriptor, key interface{}, changed Row) error

	// Delete removes the row identified by key
	Delete(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) error

	// SelectByKey returns the row identified by key, or nil when absent
	SelectByKey(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) (Row, error)

	// SelectByForeignKey returns the rows whose column equals key
	SelectByForeignKey(ctx context.Context, desc *schema.EntityDescriptor, column string, key interface{}) ([]Row, error)
}

// Tx is a transactional scope over the store
type Tx interface {
	Statements
	Commit() error
	Rollback() error
}

// Gateway is a store the unit of work can read from and flush into
type Gateway interface {
	Statements
	Begin(ctx context.Context) (Tx, error)
}
