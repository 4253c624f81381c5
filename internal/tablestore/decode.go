// Handles conversion of wire rows into typed rows.

package tablestore

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/maruel/corates/internal/models"
)

// Type coercion maps JSON wire values to the column's primitive type:
//
//	column   accepted wire values
//	string   string, number (formatted), bool (formatted), array or object (JSON-encoded)
//	number   number, numeric string, RFC 3339 timestamp (milliseconds), bool (0 or 1)
//	boolean  bool, number (0 or 1), strconv.ParseBool strings
//
// null is treated as an absent column.

// CoerceValue converts value to the representation of colType.
func CoerceValue(value any, colType ColumnType) (any, error) {
	switch colType {
	case ColumnString:
		return coerceToString(value)
	case ColumnNumber:
		return coerceToNumber(value)
	case ColumnBoolean:
		return coerceToBoolean(value)
	default:
		return value, nil
	}
}

func coerceToString(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) && !math.IsNaN(v) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int:
		return strconv.Itoa(v), nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case []any, map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("cannot store %T as string", value)
	}
}

func coerceToNumber(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) && !math.IsNaN(v) && v >= math.MinInt64 && v <= math.MaxInt64 {
			return int64(v), nil
		}
		return v, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case json.Number:
		return coerceToNumber(v.String())
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return coerceToNumber(f)
		}
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts.UnixMilli(), nil
		}
		return nil, fmt.Errorf("%q is not a number", v)
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("cannot store %T as number", value)
	}
}

func coerceToBoolean(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", v)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("cannot store %T as boolean", value)
	}
}

// DecodeRow converts a wire row into the table's typed row.
//
// Values are coerced to their column type, defaults fill absent columns and
// required columns are checked. Unknown columns fail when strict is set and
// are dropped otherwise. A missing sync_status means the row is authoritative.
func DecodeRow(ts *TableSchema, data map[string]any, strict bool) (models.Row, error) {
	out := make(map[string]any, len(ts.Columns))
	for k, v := range data {
		col, ok := ts.Column(k)
		if !ok {
			if strict {
				return nil, models.Validation(ts.Name, fmt.Sprintf("unknown column %q", k))
			}
			continue
		}
		if v == nil {
			continue
		}
		c, err := CoerceValue(v, col.Type)
		if err != nil {
			return nil, models.Validation(ts.Name, fmt.Sprintf("column %s: %v", k, err))
		}
		out[k] = c
	}
	for _, col := range ts.Columns {
		v, ok := out[col.Name]
		if !ok && col.Default != nil {
			out[col.Name] = col.Default
			v, ok = col.Default, true
		}
		if col.Required && (!ok || v == "") {
			return nil, models.Validation(ts.Name, fmt.Sprintf("missing required field %s", col.Name))
		}
	}
	if _, ok := out["sync_status"]; !ok {
		out["sync_status"] = string(models.StatusSynced)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, models.Validation(ts.Name, err.Error())
	}
	row, err := ts.decode(b)
	if err != nil {
		return nil, models.Validation(ts.Name, err.Error())
	}
	if err := row.Validate(); err != nil {
		return nil, err
	}
	if err := row.Status().Validate(); err != nil {
		return nil, models.Validation(ts.Name, err.Error())
	}
	return row, nil
}

func decodeAs[T models.Row](b []byte) (models.Row, error) {
	var row T
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, err
	}
	return row, nil
}
