package sqlstore

import (
	"database/sql"

	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/storage"
)

// scanRows scans rows selected with an explicit column list
func scanRows(rows *sql.Rows, desc *schema.EntityDescriptor, columns []string) ([]storage.Row, error) {
	var results []storage.Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		record, err := normalize(desc, columns, values)
		if err != nil {
			return nil, err
		}
		results = append(results, record)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// normalize converts driver values to canonical field values. Join columns
// are left to the resolver, which knows the target key type; only raw bytes
// are turned into strings.
func normalize(desc *schema.EntityDescriptor, columns []string, values []interface{}) (storage.Row, error) {
	record := make(storage.Row, len(columns))
	for i, col := range columns {
		v := values[i]
		if field, ok := desc.FieldByColumn(col); ok {
			coerced, err := field.Type.Coerce(v)
			if err != nil {
				return nil, err
			}
			record[col] = coerced
			continue
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		record[col] = v
	}
	return record, nil
}
