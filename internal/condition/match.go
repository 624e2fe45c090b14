package condition

import (
	"fmt"
	"reflect"
	"strings"
)

// Operators understood by Match and Validate.
const (
	OpAnd    = "$and"
	OpOr     = "$or"
	OpEq     = "$eq"
	OpNe     = "$ne"
	OpIn     = "$in"
	OpNin    = "$nin"
	OpGt     = "$gt"
	OpGte    = "$gte"
	OpLt     = "$lt"
	OpLte    = "$lte"
	OpExists = "$exists"
)

var fieldOperators = map[string]bool{
	OpEq: true, OpNe: true, OpIn: true, OpNin: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true, OpExists: true,
}

// Match evaluates a resolved tree against record. An empty tree matches
// everything. Comparisons against nil never match, so a condition built on an
// unresolved variable denies; test for absence with {"$exists": false}.
func Match(conds Conditions, record map[string]any) bool {
	return matchObject(conds, record)
}

func matchObject(m map[string]any, record map[string]any) bool {
	for key, want := range m {
		switch key {
		case OpAnd:
			nodes, ok := asObjects(want)
			if !ok {
				return false
			}
			for _, n := range nodes {
				if !matchObject(n, record) {
					return false
				}
			}
		case OpOr:
			nodes, ok := asObjects(want)
			if !ok || len(nodes) == 0 {
				return false
			}
			hit := false
			for _, n := range nodes {
				if matchObject(n, record) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		default:
			if strings.HasPrefix(key, "$") {
				return false
			}
			actual, present := fieldValue(record, key)
			if ops, ok := operatorObject(want); ok {
				for op, arg := range ops {
					if !apply(op, actual, present, arg) {
						return false
					}
				}
				continue
			}
			if !fieldEquals(actual, present, want) {
				return false
			}
		}
	}
	return true
}

func apply(op string, actual any, present bool, arg any) bool {
	switch op {
	case OpEq:
		return fieldEquals(actual, present, arg)
	case OpNe:
		if arg == nil || !present || actual == nil {
			return false
		}
		return !fieldEquals(actual, present, arg)
	case OpIn:
		list, ok := asList(arg)
		if !ok {
			return false
		}
		for _, e := range list {
			if fieldEquals(actual, present, e) {
				return true
			}
		}
		return false
	case OpNin:
		list, ok := asList(arg)
		if !ok || !present || actual == nil {
			return false
		}
		for _, e := range list {
			if fieldEquals(actual, present, e) {
				return false
			}
		}
		return true
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false
		}
		c, ok := compare(actual, arg)
		if !ok {
			return false
		}
		switch op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpExists:
		want, ok := arg.(bool)
		if !ok {
			return false
		}
		return (present && actual != nil) == want
	}
	return false
}

// fieldEquals treats list-valued record fields as "contains".
func fieldEquals(actual any, present bool, want any) bool {
	if !present {
		return false
	}
	if _, wantList := asList(want); !wantList {
		if list, ok := asList(actual); ok {
			for _, e := range list {
				if equal(e, want) {
					return true
				}
			}
			return false
		}
	}
	return equal(actual, want)
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if la, ok := asList(a); ok {
		lb, ok := asList(b)
		if !ok || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !equal(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	if sa, ok := a.(fmt.Stringer); ok {
		if sb, ok := b.(string); ok {
			return sa.String() == sb
		}
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}

func fieldValue(record map[string]any, path string) (any, bool) {
	if record == nil {
		return nil, false
	}
	if v, ok := record[path]; ok {
		return v, true
	}
	var cur any = record
	for _, seg := range strings.Split(path, ".") {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// operatorObject reports whether v is an object whose keys are all operators.
func operatorObject(v any) (map[string]any, bool) {
	var m map[string]any
	switch x := v.(type) {
	case map[string]any:
		m = x
	case Conditions:
		m = x
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func asObjects(v any) ([]map[string]any, bool) {
	list, ok := asList(v)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		switch m := e.(type) {
		case map[string]any:
			out = append(out, m)
		case Conditions:
			out = append(out, m)
		default:
			return nil, false
		}
	}
	return out, true
}
