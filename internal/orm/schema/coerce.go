package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// timestampLayouts are tried in order when a timestamp arrives as text
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Coerce normalizes a value read from a driver, a cache or a caller into the
// canonical Go representation for the type: string, int64, float64, bool,
// time.Time or uuid.UUID. Nil passes through.
func (t FieldType) Coerce(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	switch t {
	case TypeString:
		switch val := v.(type) {
		case string:
			return val, nil
		case fmt.Stringer:
			return val.String(), nil
		}
		return fmt.Sprint(v), nil

	case TypeInt:
		switch val := v.(type) {
		case int:
			return int64(val), nil
		case int8:
			return int64(val), nil
		case int16:
			return int64(val), nil
		case int32:
			return int64(val), nil
		case int64:
			return val, nil
		case uint:
			return int64(val), nil
		case uint8:
			return int64(val), nil
		case uint16:
			return int64(val), nil
		case uint32:
			return int64(val), nil
		case uint64:
			return int64(val), nil
		case float64:
			if val != float64(int64(val)) {
				return nil, fmt.Errorf("cannot use %v as int", val)
			}
			return int64(val), nil
		case json.Number:
			return val.Int64()
		case string:
			return strconv.ParseInt(val, 10, 64)
		}

	case TypeFloat:
		switch val := v.(type) {
		case float32:
			return float64(val), nil
		case float64:
			return val, nil
		case int:
			return float64(val), nil
		case int64:
			return float64(val), nil
		case json.Number:
			return val.Float64()
		case string:
			return strconv.ParseFloat(val, 64)
		}

	case TypeBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case int64:
			return val != 0, nil
		case int:
			return val != 0, nil
		case string:
			return strconv.ParseBool(val)
		}

	case TypeTimestamp:
		switch val := v.(type) {
		case time.Time:
			return val, nil
		case string:
			for _, layout := range timestampLayouts {
				if ts, err := time.Parse(layout, val); err == nil {
					return ts, nil
				}
			}
			return nil, fmt.Errorf("cannot parse %q as timestamp", val)
		}

	case TypeUUID:
		switch val := v.(type) {
		case uuid.UUID:
			return val, nil
		case [16]byte:
			return uuid.UUID(val), nil
		case string:
			return uuid.Parse(val)
		}
	}

	return nil, fmt.Errorf("cannot use %T as %s", v, t)
}

// CoerceKey normalizes a primary key value using the descriptor's id type
func (d *EntityDescriptor) CoerceKey(key interface{}) (interface{}, error) {
	v, err := d.id.Type.Coerce(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key for %s: %w", d.Name, err)
	}
	return v, nil
}
