// Package restgw implements the stateless REST gateway SPEC_FULL.md §1
// describes: primary-key reads and writes against registered fragments,
// following the original RonDB REST server's filters/readColumns/data shape
// (original_source rest-server2/server/pk_data_structs.hpp) rather than
// inventing a new wire format.
package restgw

import (
	"fmt"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
)

// PKFilter names one primary-key column and the value to match it against.
type PKFilter struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// PKReadColumn names one non-key column to project in a read's response.
type PKReadColumn struct {
	Column string `json:"column"`
}

// PKReadRequest is a single primary-key read, matching the shape of the
// original RonDB REST server's PKReadParams.
type PKReadRequest struct {
	Filters     []PKFilter     `json:"filters"`
	ReadColumns []PKReadColumn `json:"readColumns"`
	OperationID string         `json:"operationId,omitempty"`
	// Features, if set, names feature keys to join in via FeatureStorePort
	// (SPEC_FULL.md §6's supplemented feature-store port), joined for a
	// single PK read and for each /batch item alike.
	Features []string `json:"features,omitempty"`
}

// PKReadResponse mirrors PKReadResponseJSON: an echoed operation id plus a
// flat column-name -> value map.
type PKReadResponse struct {
	OperationID string         `json:"operationId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Code        int            `json:"code"`
	Message     string         `json:"message,omitempty"`
}

// PKWriteRequest is a primary-key insert/update/delete: Filters carry the
// key, Data carries the non-key attributes to write (ignored for deletes).
type PKWriteRequest struct {
	Filters     []PKFilter `json:"filters"`
	Data        []PKFilter `json:"data,omitempty"`
	OperationID string     `json:"operationId,omitempty"`
}

// PKWriteResponse reports a write's outcome.
type PKWriteResponse struct {
	OperationID string `json:"operationId,omitempty"`
	Code        int    `json:"code"`
	Message     string `json:"message,omitempty"`
}

func valueFromJSON(a schema.Attr, v any) (rowcodec.Value, error) {
	if v == nil {
		return rowcodec.Value{Null: true}, nil
	}
	switch a.Type {
	case schema.TypeInt32, schema.TypeInt64:
		f, ok := asFloat(v)
		if !ok {
			return rowcodec.Value{}, fmt.Errorf("column %q: expected a number, got %T", a.Name, v)
		}
		return rowcodec.Value{I64: int64(f)}, nil
	case schema.TypeUint32, schema.TypeUint64:
		f, ok := asFloat(v)
		if !ok {
			return rowcodec.Value{}, fmt.Errorf("column %q: expected a number, got %T", a.Name, v)
		}
		return rowcodec.Value{U64: uint64(f)}, nil
	case schema.TypeFloat64:
		f, ok := asFloat(v)
		if !ok {
			return rowcodec.Value{}, fmt.Errorf("column %q: expected a number, got %T", a.Name, v)
		}
		return rowcodec.Value{F64: f}, nil
	case schema.TypeBool:
		b, ok := v.(bool)
		if !ok {
			return rowcodec.Value{}, fmt.Errorf("column %q: expected a boolean, got %T", a.Name, v)
		}
		return rowcodec.Value{B: b}, nil
	default: // FixedBinary, Varchar, VarBinary
		s, ok := v.(string)
		if !ok {
			return rowcodec.Value{}, fmt.Errorf("column %q: expected a string, got %T", a.Name, v)
		}
		return rowcodec.Value{Bytes: []byte(s)}, nil
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func valueToJSON(a schema.Attr, v rowcodec.Value) any {
	if v.Null {
		return nil
	}
	switch a.Type {
	case schema.TypeInt32, schema.TypeInt64:
		return v.I64
	case schema.TypeUint32, schema.TypeUint64:
		return v.U64
	case schema.TypeFloat64:
		return v.F64
	case schema.TypeBool:
		return v.B
	default:
		return string(v.Bytes)
	}
}

// buildKeyRow resolves filters against desc's attributes and returns an
// Expanded row with only the primary-key positions populated, suitable for
// RowOps calls that key off the primary key.
func buildKeyRow(desc *schema.Descriptor, filters []PKFilter) (*rowcodec.Expanded, error) {
	row := rowcodec.NewExpanded(desc)
	for _, f := range filters {
		idx := desc.ByName(f.Column)
		if idx < 0 {
			return nil, fmt.Errorf("unknown column %q", f.Column)
		}
		val, err := valueFromJSON(desc.Attrs[idx], f.Value)
		if err != nil {
			return nil, err
		}
		row.Set(idx, val)
	}
	return row, nil
}
