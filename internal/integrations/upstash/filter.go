package upstash

import "strings"

// EqualsAny builds an OR-combined equality filter, e.g.
// document_id = 'a' OR document_id = 'b'. Single quotes in values are escaped.
func EqualsAny(field string, values ...string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, field+" = '"+strings.ReplaceAll(v, "'", "\\'")+"'")
	}
	return strings.Join(parts, " OR ")
}
