package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/storage"
	"github.com/conduit-lang/persist/internal/orm/transaction"
)

// DDL renders CREATE TABLE statements for every registered entity, with
// referenced tables first. On dialects with deferred foreign keys, the
// edges that close a cycle are added afterwards with ALTER TABLE.
func DDL(registry *schema.Registry, dialect Dialect) ([]string, error) {
	cyclic := make(map[string]bool)
	if dialect.DeferredForeignKeys() {
		for _, edge := range registry.CyclicEdges() {
			cyclic[edge.From+"."+edge.Field] = true
		}
	}

	var statements []string
	var deferred []string
	for _, name := range registry.DependencyOrder() {
		desc, err := registry.Describe(name)
		if err != nil {
			return nil, err
		}

		var defs []string
		for _, f := range desc.Fields() {
			defs = append(defs, columnDef(dialect, f))
		}

		for _, rel := range desc.ManyToOne() {
			target, err := registry.Describe(rel.Target)
			if err != nil {
				return nil, err
			}
			col := fmt.Sprintf("%s %s", dialect.Quote(rel.JoinColumn), dialect.ColumnType(target.ID().Type))
			if !rel.Nullable {
				col += " NOT NULL"
			}
			references := fmt.Sprintf("REFERENCES %s (%s)", dialect.Quote(target.Table), dialect.Quote(target.ID().Column))

			if cyclic[desc.Name+"."+rel.Field] {
				deferred = append(deferred, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) %s",
					dialect.Quote(desc.Table),
					dialect.Quote(constraintName(desc.Table, rel.JoinColumn)),
					dialect.Quote(rel.JoinColumn),
					references,
				))
			} else {
				col += " " + references
			}
			defs = append(defs, col)
		}

		statements = append(statements, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
			dialect.Quote(desc.Table), strings.Join(defs, ",\n  ")))
	}

	return append(statements, deferred...), nil
}

func columnDef(dialect Dialect, f *schema.FieldDescriptor) string {
	name := dialect.Quote(f.Column)
	if f.PrimaryKey {
		if f.Generation == schema.GenerateAuto {
			return name + " " + dialect.IdentityColumn()
		}
		return fmt.Sprintf("%s %s PRIMARY KEY", name, dialect.ColumnType(f.Type))
	}
	def := fmt.Sprintf("%s %s", name, dialect.ColumnType(f.Type))
	if !f.Nullable {
		def += " NOT NULL"
	}
	return def
}

func constraintName(table, column string) string {
	return strings.ToLower(fmt.Sprintf("fk_%s_%s", table, column))
}

// CreateSchema executes the DDL for the registry in one transaction
func (g *Gateway) CreateSchema(ctx context.Context, registry *schema.Registry) error {
	ddl, err := DDL(registry, g.dialect)
	if err != nil {
		return err
	}

	return g.txm.WithTransaction(ctx, func(tx *transaction.Transaction) error {
		for _, stmt := range ddl {
			g.logger.Debug("ddl", zap.String("statement", stmt))
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return storage.ConvertDBError("ddl", "", err)
			}
		}
		return nil
	})
}
