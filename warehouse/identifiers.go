package warehouse

import (
	"fmt"
	"strings"
	"unicode"
)

// QuoteIdentifier quotes a SQL identifier, ensuring internal quotes are escaped.
// Column and table names are treated as opaque identifiers so reserved words
// never collide with the surrounding statement.
func QuoteIdentifier(name string) (string, error) {
	if !isSafeIdentifier(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return fmt.Sprintf("\"%s\"", strings.ReplaceAll(name, "\"", "\"\"")), nil
}

// QuoteAll quotes every identifier in names, preserving order.
func QuoteAll(names []string) ([]string, error) {
	quoted := make([]string, len(names))
	for i, name := range names {
		q, err := QuoteIdentifier(name)
		if err != nil {
			return nil, fmt.Errorf("identifier[%d]: %w", i, err)
		}
		quoted[i] = q
	}
	return quoted, nil
}

// isSafeIdentifier reports whether the identifier meets simple SQL safety rules.
func isSafeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if r == '_' {
			continue
		}
		if unicode.IsLetter(r) {
			continue
		}
		if unicode.IsDigit(r) {
			if i == 0 {
				return false
			}
			continue
		}
		return false
	}
	return true
}
