package payload

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ExtractByPath walks a dot path such as "$.data.object.id" into a decoded
// document. Scalars come back as strings; a missing, null or non-scalar
// value yields ok=false.
func ExtractByPath(doc any, path string) (string, bool) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "$.")
	if path == "" || path == "$" {
		return "", false
	}

	current := doc
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return "", false
			}
			current = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return "", false
			}
			current = node[i]
		default:
			return "", false
		}
	}

	switch v := current.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}
