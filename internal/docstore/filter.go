package docstore

import (
	"fmt"
	"sort"
	"strconv"
)

// Filter is a set of equality predicates over the JSONB attribute blob. The
// special key "_id" targets the primary id column instead.
type Filter map[string]any

// buildSelect renders a filter into SQL over the documents table. Keys are
// sorted so the produced statement is deterministic. suffix carries locking
// clauses ("FOR UPDATE", "FOR UPDATE SKIP LOCKED") and limits.
func buildSelect(docType string, f Filter, suffix string) (string, []any, error) {
	sql := "SELECT id, data FROM documents WHERE type = $1"
	args := []any{docType}

	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := f[k]
		if k == "_id" {
			id, err := toID(v)
			if err != nil {
				return "", nil, fmt.Errorf("filter _id: %w", err)
			}
			args = append(args, id)
			sql += fmt.Sprintf(" AND id = $%d", len(args))
			continue
		}
		args = append(args, fmt.Sprint(v))
		sql += fmt.Sprintf(" AND data->>'%s' = $%d", k, len(args))
	}

	sql += " ORDER BY id ASC"
	if suffix != "" {
		sql += " " + suffix
	}
	return sql, args, nil
}

func toID(v any) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported id value %T", v)
	}
}
