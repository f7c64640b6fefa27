package hydrator

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

var (
	truthy = []string{"t", "true", "y", "yes", "on", "1"}
	falsy  = []string{"f", "false", "n", "no", "off", "0"}
)

// BooleanFilter accepts the usual yes/no spellings and returns nil for
// anything else.
func BooleanFilter(value any) any {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		switch {
		case contains(truthy, s):
			return true
		case contains(falsy, s):
			return false
		}
	case int, int64, float64:
		switch cast.ToFloat64(v) {
		case 1:
			return true
		case 0:
			return false
		}
	}
	return nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"01/02/06",
}

// DateTimeFilter parses dates. Year-only strings ("24", "2024") mean
// January 1st of that year. Unparseable input returns nil.
func DateTimeFilter(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		if v.IsZero() {
			return nil
		}
		return v
	case *time.Time:
		if v == nil {
			return nil
		}
		return *v
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		if year, ok := yearOnly(s); ok {
			return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		if t, err := cast.ToTimeE(s); err == nil {
			return t
		}
		return nil
	}

	if t, err := cast.ToTimeE(value); err == nil && !t.IsZero() {
		return t
	}
	return nil
}

func yearOnly(s string) (int, bool) {
	if len(s) != 2 && len(s) != 4 {
		return 0, false
	}
	year, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	if len(s) == 2 {
		// two digit years follow the strptime pivot: 69 and below are 20xx
		if year <= 69 {
			year += 2000
		} else {
			year += 1900
		}
	}
	return year, true
}

// NumericFilter passes numbers through, parses numeric strings and returns
// nil for everything else.
func NumericFilter(value any) any {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return v
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return nil
}

// StringFilter returns nil for blank input and the string form otherwise.
func StringFilter(value any) any {
	s, err := cast.ToStringE(value)
	if err != nil || strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// FileFilter turns a path into its cleaned form. Open files and file infos
// yield their name; blank input returns nil. The file need not exist.
func FileFilter(value any) any {
	switch v := value.(type) {
	case *os.File:
		if v == nil {
			return nil
		}
		return FileFilter(v.Name())
	case fs.FileInfo:
		return FileFilter(v.Name())
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return filepath.Clean(v)
	}
	return nil
}

// RegisterDefaultFilters installs the built-in filters on h.
func RegisterDefaultFilters(h *Hydrator) {
	h.AddFilter("boolean", BooleanFilter)
	h.AddFilter("datetime", DateTimeFilter)
	h.AddFilter("integer", NumericFilter)
	h.AddFilter("unsigned", NumericFilter)
	h.AddFilter("float", NumericFilter)
	h.AddFilter("string", StringFilter)
	h.AddFilter("file", FileFilter)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
