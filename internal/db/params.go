package db

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
)

// placeholder is a `:name` token found in SQL text.
type placeholder struct {
	name       string
	start, end int
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// scanPlaceholders returns named placeholders in the order they appear.
// A placeholder is `:name` not preceded by ':', '\' or a word character and
// not followed by ':'. Postgres casts such as `x::int` are left alone.
func scanPlaceholders(sql string) []placeholder {
	var found []placeholder
	prev := rune(0)
	for i := 0; i < len(sql); {
		r, size := utf8.DecodeRuneInString(sql[i:])
		if r != ':' || prev == ':' || prev == '\\' || isWordRune(prev) {
			prev = r
			i += size
			continue
		}
		j := i + size
		for j < len(sql) {
			nr, nsize := utf8.DecodeRuneInString(sql[j:])
			if !isWordRune(nr) {
				break
			}
			j += nsize
		}
		if j == i+size || (j < len(sql) && sql[j] == ':') {
			prev = r
			i += size
			continue
		}
		found = append(found, placeholder{name: sql[i+size : j], start: i, end: j})
		prev, _ = utf8.DecodeLastRuneInString(sql[:j])
		i = j
	}
	return found
}

// placeholderNames returns the sorted, deduplicated placeholder names in sql.
func placeholderNames(sql string) []string {
	seen := make(map[string]struct{})
	for _, p := range scanPlaceholders(sql) {
		seen[p.name] = struct{}{}
	}
	return sortedKeys(seen)
}

// bindParameters rewrites named placeholders into the bindvar style of
// driverName and returns positional arguments in matching order. Escaped
// colons (`\:`) are sent to the database as plain colons.
func bindParameters(driverName, sql string, params map[string]any) (string, []any) {
	found := scanPlaceholders(sql)
	if len(found) == 0 {
		return unescapeColons(sql), nil
	}
	var b strings.Builder
	args := make([]any, 0, len(found))
	last := 0
	for _, p := range found {
		b.WriteString(sql[last:p.start])
		b.WriteByte('?')
		args = append(args, params[p.name])
		last = p.end
	}
	b.WriteString(sql[last:])
	return sqlx.Rebind(sqlx.BindType(driverName), unescapeColons(b.String())), args
}

func unescapeColons(sql string) string {
	return strings.ReplaceAll(sql, `\:`, ":")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
