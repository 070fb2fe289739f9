package storage

import (
	"fmt"
	"strings"

	"tagsync/internal/record"
)

// NormalizeKey converts a tag value to a canonical string form, suitable for
// in-memory map keys (e.g. "P-101" or "8429529").
//
// Backends must not assume a particular underlying type for tags: SQL Server
// may scan an nvarchar as string and a numeric tag column as []byte or int64.
// Integral floats render without a fraction so "1001" and 1001.0 agree.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return fmt.Sprintf("%d", t)
	case int:
		return fmt.Sprintf("%d", t)
	case float64:
		return record.FormatNumber(t)
	case record.Value:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
