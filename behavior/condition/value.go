package condition

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

type undefinedType struct{}

// Result of resolving a path that does not exist. Distinct from nil, which is null.
var undefined = undefinedType{}

func isNullish(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(undefinedType)
	return ok
}

// Collapses Go numeric kinds to float64 so that comparisons do not depend on how a value was produced.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	}
	return v
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil, undefinedType:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	}
	return true
}

func compare(op string, a, b any) bool {
	switch op {
	case "===":
		return strictEqual(a, b)
	case "!==":
		return !strictEqual(a, b)
	case "==":
		return looseEqual(a, b)
	case "!=":
		return !looseEqual(a, b)
	case ">", "<", ">=", "<=":
		return order(op, a, b)
	}
	return false
}

func strictEqual(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case undefinedType:
		_, ok := b.(undefinedType)
		return ok
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

func looseEqual(a, b any) bool {
	if isNullish(a) || isNullish(b) {
		return isNullish(a) && isNullish(b)
	}
	if x, ok := a.(bool); ok {
		return looseEqual(boolNumber(x), b)
	}
	if y, ok := b.(bool); ok {
		return looseEqual(a, boolNumber(y))
	}
	switch x := a.(type) {
	case float64:
		if s, ok := b.(string); ok {
			f, ok := stringNumber(s)
			return ok && x == f
		}
	case string:
		if y, ok := b.(float64); ok {
			f, ok := stringNumber(x)
			return ok && f == y
		}
	}
	return strictEqual(a, b)
}

func boolNumber(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func stringNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Ordering is only defined between two numbers or two strings.
func order(op string, a, b any) bool {
	var c int
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok || math.IsNaN(x) || math.IsNaN(y) {
			return false
		}
		switch {
		case x < y:
			c = -1
		case x > y:
			c = 1
		}
	case string:
		y, ok := b.(string)
		if !ok {
			return false
		}
		c = strings.Compare(x, y)
	default:
		return false
	}
	switch op {
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	}
	return false
}

// Resolves a dotted path (eg "analysis.score") against a variable namespace.
func Lookup(vars map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return lookup(vars, strings.Split(path, "."))
}

func lookup(vars map[string]any, segments []string) (any, bool) {
	var cur any = vars
	for _, seg := range segments {
		next, ok := child(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func child(v any, key string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		out, ok := m[key]
		return out, ok
	case map[string]string:
		out, ok := m[key]
		return out, ok
	case map[string]int:
		out, ok := m[key]
		return out, ok
	case map[string]float64:
		out, ok := m[key]
		return out, ok
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(m) {
			return nil, false
		}
		return m[idx], true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		out := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil, false
		}
		return out.Interface(), true
	}
	return nil, false
}
