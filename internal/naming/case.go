package naming

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// Snake converts the provided string to snake_case using ASCII-aware rules.
// Punctuation that shows up in reflected type names (pointers, package
// qualifiers, generic suffixes) collapses into single underscores so the
// result can be used as a field key, a column guess or a cache namespace.
func Snake(s string) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	lastUnderscore := false

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch {
		case unicode.IsUpper(r):
			if b.Len() > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if (unicode.IsLower(prev) || unicode.IsDigit(prev) || nextLower) && !lastUnderscore {
					b.WriteByte('_')
					lastUnderscore = true
				}
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false

		case unicode.IsLower(r):
			b.WriteRune(r)
			lastUnderscore = false

		case unicode.IsDigit(r):
			// digits stay attached to the preceding word (line2, not line_2)
			b.WriteRune(r)
			lastUnderscore = false

		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	return strings.Trim(b.String(), "_")
}

// Resource returns the plural snake_case name for a type, e.g. Person -> people.
func Resource(typ reflect.Type) string {
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	return inflection.Plural(Snake(typ.Name()))
}

// FieldKey returns the logical key of a struct field: its json name when one
// is declared, the snake_case Go name otherwise.
func FieldKey(sf reflect.StructField) string {
	if tag, ok := sf.Tag.Lookup("json"); ok {
		name, _, _ := strings.Cut(tag, ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return Snake(sf.Name)
}

// Column returns the column name bun assigns to a struct field, ignoring
// embed prefixes.
func Column(sf reflect.StructField) string {
	tag := sf.Tag.Get("bun")
	name, _, _ := strings.Cut(tag, ",")
	if name != "" && !strings.Contains(name, ":") {
		return name
	}
	return Snake(sf.Name)
}

// UpperFirst returns s with its first rune upper cased.
func UpperFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
