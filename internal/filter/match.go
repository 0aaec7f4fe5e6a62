package filter

import (
	"reflect"
	"strings"
)

// Record is the read-only view of a stored record the matcher needs
type Record interface {
	RecordID() string
	Field(name string) (interface{}, bool)
}

// Match reports whether the record satisfies the predicate. A record matches
// when, for at least one field of the predicate, one of its values for that
// field case-insensitively equals one of the predicate's values.
func Match(rec Record, pred Canonical) bool {
	for name, values := range pred {
		if len(values) == 0 {
			continue
		}
		if fieldMatches(rec, name, values) {
			return true
		}
	}
	return false
}

func fieldMatches(rec Record, name string, values []interface{}) bool {
	var have []string
	if name == IDField {
		have = []string{strings.ToLower(rec.RecordID())}
	} else {
		raw, ok := rec.Field(name)
		if !ok || raw == nil {
			return false
		}
		have = textsOf(raw)
	}
	if len(have) == 0 {
		return false
	}

	for _, want := range values {
		text, ok := Text(want)
		if !ok {
			continue
		}
		for _, h := range have {
			if h == text {
				return true
			}
		}
	}
	return false
}

// textsOf returns the comparison forms of a scalar or multi-valued field.
// Non-scalar elements such as attachment objects are ignored.
func textsOf(raw interface{}) []string {
	if text, ok := Text(raw); ok {
		return []string{text}
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	texts := make([]string, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		if text, ok := Text(rv.Index(i).Interface()); ok {
			texts = append(texts, text)
		}
	}
	return texts
}
