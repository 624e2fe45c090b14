package condition

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformed = errors.New("condition: malformed")

// Validate checks the structure of a tree. It accepts nil arguments so that a
// tree resolved from missing variables stays valid and simply fails to match.
func Validate(conds Conditions) error {
	return validateObject(conds, "")
}

func validateObject(m map[string]any, at string) error {
	for key, v := range m {
		path := key
		if at != "" {
			path = at + "." + key
		}
		switch {
		case key == OpAnd || key == OpOr:
			nodes, ok := asObjects(v)
			if !ok {
				return fmt.Errorf("%w: %s expects a list of objects", ErrMalformed, path)
			}
			for i, n := range nodes {
				if err := validateObject(n, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		case strings.HasPrefix(key, "$"):
			return fmt.Errorf("%w: unknown operator %s", ErrMalformed, path)
		case strings.TrimSpace(key) == "":
			return fmt.Errorf("%w: empty field name", ErrMalformed)
		default:
			if err := validateField(v, path); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateField(v any, path string) error {
	var m map[string]any
	switch x := v.(type) {
	case map[string]any:
		m = x
	case Conditions:
		m = x
	default:
		return nil
	}
	if len(m) == 0 {
		return fmt.Errorf("%w: %s has an empty operator object", ErrMalformed, path)
	}
	for op, arg := range m {
		if !fieldOperators[op] {
			return fmt.Errorf("%w: unknown operator %s in %s", ErrMalformed, op, path)
		}
		if arg == nil {
			continue
		}
		switch op {
		case OpIn, OpNin:
			if _, ok := asList(arg); !ok {
				return fmt.Errorf("%w: %s %s expects a list", ErrMalformed, path, op)
			}
		case OpExists:
			if _, ok := arg.(bool); !ok {
				return fmt.Errorf("%w: %s %s expects a boolean", ErrMalformed, path, op)
			}
		case OpGt, OpGte, OpLt, OpLte:
			if _, ok := toFloat(arg); !ok {
				if _, ok := arg.(string); !ok {
					return fmt.Errorf("%w: %s %s expects a number or string", ErrMalformed, path, op)
				}
			}
		}
	}
	return nil
}
