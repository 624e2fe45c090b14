// Package condition interprets the predicate trees stored on ability rules.
//
// A tree is a JSON object mapping record fields to literals or operator
// objects ({"$in": [...]}, {"$gte": 3}), combined with "$and"/"$or" lists.
// String values starting with "$" are template variables ("$user.id",
// "${user.settings.managed_filiali}") resolved against the acting user.
package condition

import (
	"reflect"
	"strconv"
	"strings"
)

// Conditions is a predicate tree as decoded from JSON.
type Conditions map[string]any

// Context is the view of the acting user that variables resolve against.
type Context struct {
	ID           string
	TenantID     string
	RoleIDs      []string
	ActiveRoleID string
	Settings     map[string]any
}

const rootPrefix = "user."

// Resolve returns a deep copy of conds with every template variable replaced
// by its value in ctx. Unresolvable variables become nil, or an empty list
// when they are the argument of "$in". Resolve never fails and never mutates
// its input.
func Resolve(conds Conditions, ctx Context) Conditions {
	if conds == nil {
		return nil
	}
	return Conditions(resolveObject(conds, ctx))
}

// resolveObject gives an unresolved $in argument an empty list. $nin keeps
// nil: an empty exclusion list would match every record.
func resolveObject(m map[string]any, ctx Context) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = resolveValue(v, ctx, k == OpIn)
	}
	return out
}

func resolveValue(v any, ctx Context, listArg bool) any {
	switch x := v.(type) {
	case string:
		path, ok := variablePath(x)
		if !ok {
			return x
		}
		val, found := ctx.lookup(path)
		if !found {
			if listArg {
				return []any{}
			}
			return nil
		}
		return val
	case Conditions:
		return resolveObject(x, ctx)
	case map[string]any:
		return resolveObject(x, ctx)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = resolveValue(e, ctx, false)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = resolveValue(e, ctx, false)
		}
		return out
	default:
		return x
	}
}

// variablePath reports whether s uses variable syntax and returns the
// referenced path.
func variablePath(s string) (string, bool) {
	if !strings.HasPrefix(s, "$") {
		return "", false
	}
	if strings.HasPrefix(s, "${") {
		return strings.TrimSpace(strings.TrimSuffix(s[2:], "}")), true
	}
	return s[1:], true
}

// IsVariable reports whether s would be treated as a template variable.
func IsVariable(s string) bool {
	_, ok := variablePath(s)
	return ok
}

func (c Context) lookup(path string) (any, bool) {
	if !strings.HasPrefix(path, rootPrefix) {
		return nil, false
	}
	segs := strings.Split(strings.TrimPrefix(path, rootPrefix), ".")
	for _, s := range segs {
		if !validSegment(s) {
			return nil, false
		}
	}

	var cur any
	switch segs[0] {
	case "id":
		if c.ID == "" {
			return nil, false
		}
		cur = c.ID
	case "tenant_id":
		if c.TenantID == "" {
			return nil, false
		}
		cur = c.TenantID
	case "active_role_id":
		if c.ActiveRoleID == "" {
			return nil, false
		}
		cur = c.ActiveRoleID
	case "role_ids":
		ids := make([]any, len(c.RoleIDs))
		for i, id := range c.RoleIDs {
			ids[i] = id
		}
		cur = ids
	case "settings":
		if c.Settings == nil {
			return nil, false
		}
		cur = c.Settings
	default:
		return nil, false
	}

	for _, seg := range segs[1:] {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	if cur == nil {
		return nil, false
	}
	return deepCopy(cur), true
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && r != '-' && (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func step(cur any, seg string) (any, bool) {
	switch x := cur.(type) {
	case map[string]any:
		v, ok := x[seg]
		return v, ok
	case map[string]string:
		v, ok := x[seg]
		return v, ok
	}
	list, ok := asList(cur)
	if !ok {
		return nil, false
	}
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 || idx >= len(list) {
		return nil, false
	}
	return list[idx], true
}

// asList normalizes any slice or array into []any.
func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	case Conditions:
		return deepCopy(map[string]any(x))
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	case string, bool, float64, float32, int, int64, int32, uint, uint64, uint32, nil:
		return x
	}
	if list, ok := asList(v); ok {
		out := make([]any, len(list))
		for i, e := range list {
			out[i] = deepCopy(e)
		}
		return out
	}
	return v
}

// Clone returns a deep copy of c.
func (c Conditions) Clone() Conditions {
	if c == nil {
		return nil
	}
	return Conditions(deepCopy(map[string]any(c)).(map[string]any))
}
