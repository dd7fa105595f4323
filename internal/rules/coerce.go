package rules

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
)

// looseEqual compares two values with numeric coercion: 1, 1.0 and
// json.Number("1") are all equal. Non-numeric values fall back to deep
// equality.
func looseEqual(left, right any) bool {
	if lf, ok := asFloat64(left); ok {
		rf, rok := asFloat64(right)
		return rok && lf == rf
	}
	if _, ok := asFloat64(right); ok {
		return false
	}
	return reflect.DeepEqual(left, right)
}

// truthy follows JsonLogic semantics: nil, false, zero, "" and empty arrays
// are falsy.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	default:
		if f, ok := asFloat64(value); ok {
			return f != 0
		}
		return true
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case float64:
		if math.Trunc(v) == v && !math.IsInf(v, 0) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	case int:
		return float64(number), true
	case int8:
		return float64(number), true
	case int16:
		return float64(number), true
	case int32:
		return float64(number), true
	case int64:
		return float64(number), true
	case uint:
		return float64(number), true
	case uint8:
		return float64(number), true
	case uint16:
		return float64(number), true
	case uint32:
		return float64(number), true
	case uint64:
		return float64(number), true
	case json.Number:
		f, err := number.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
