package warehouse

import (
	"fmt"
	"regexp"
)

var paramPattern = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)`)

// expandParams rewrites @name placeholders to positional $n placeholders and
// returns the argument list in placeholder order. A name appearing more than
// once reuses its first position. Parameters without a matching placeholder
// are a caller error.
func expandParams(query string, params map[string]any) (string, []any, error) {
	if len(params) == 0 {
		return query, nil, nil
	}

	positions := make(map[string]int, len(params))
	args := make([]any, 0, len(params))
	var expandErr error

	expanded := paramPattern.ReplaceAllStringFunc(query, func(match string) string {
		name := match[1:]
		if pos, ok := positions[name]; ok {
			return fmt.Sprintf("$%d", pos)
		}
		value, ok := params[name]
		if !ok {
			if expandErr == nil {
				expandErr = fmt.Errorf("missing value for query parameter @%s", name)
			}
			return match
		}
		args = append(args, coerceParam(value))
		positions[name] = len(args)
		return fmt.Sprintf("$%d", len(args))
	})
	if expandErr != nil {
		return "", nil, expandErr
	}

	for name := range params {
		if _, ok := positions[name]; !ok {
			return "", nil, fmt.Errorf("query parameter @%s not referenced in statement", name)
		}
	}
	return expanded, args, nil
}

// coerceParam narrows a native Go value to one of the supported scalar
// parameter types: STRING, INT64, FLOAT64 or BOOL. Anything else is passed
// as its string form.
func coerceParam(v any) any {
	switch val := v.(type) {
	case string, int64, float64, bool, nil:
		return val
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
