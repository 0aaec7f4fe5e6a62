package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// IDField is the reserved field name addressing a record's own identifier
const IDField = "id"

// ErrInvalidFilter is returned when a lookup request cannot be normalized
var ErrInvalidFilter = errors.New("invalid filter")

// Fields is a lookup request: field name to a scalar or a slice of scalars
type Fields map[string]interface{}

// Canonical maps each field name to its ordered list of acceptable values.
// Scalars are wrapped in single-element lists.
type Canonical map[string][]interface{}

// Lookup is a normalized lookup request
type Lookup struct {
	// Key is the order-independent serialized form of the request
	Key string
	// Fields holds the request values as given, wrapped in lists
	Fields Canonical
}

// Normalize turns a lookup request into its canonical key and structure.
// Entries with nil values are dropped. Two requests with the same field names
// and the same value sets produce the same key regardless of field order,
// value order, value casing, or scalar-vs-list shape.
func Normalize(fields Fields) (Lookup, error) {
	if fields == nil {
		return Lookup{}, fmt.Errorf("%w: fields must not be nil", ErrInvalidFilter)
	}

	canonical := make(Canonical, len(fields))
	for name, raw := range fields {
		if raw == nil {
			continue
		}
		values, err := wrapValues(raw)
		if err != nil {
			return Lookup{}, fmt.Errorf("%w: field %q: %v", ErrInvalidFilter, name, err)
		}
		canonical[name] = values
	}

	key, err := encodeKey(canonical)
	if err != nil {
		return Lookup{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	return Lookup{Key: key, Fields: canonical}, nil
}

// ByID returns the lookup for a single record identifier
func ByID(id string) Lookup {
	canonical := Canonical{IDField: {id}}
	// a single string value always encodes
	key, _ := encodeKey(canonical)
	return Lookup{Key: key, Fields: canonical}
}

// ParseKey decodes a key produced by Normalize back into its canonical form.
// Values come back lower-cased and in key order.
func ParseKey(key string) (Canonical, error) {
	dec := json.NewDecoder(strings.NewReader(key))
	dec.UseNumber()

	var raw map[string][]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: malformed key: %v", ErrInvalidFilter, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: malformed key: not an object", ErrInvalidFilter)
	}
	return Canonical(raw), nil
}

// encodeKey serializes a canonical filter. encoding/json sorts map keys, so
// field order never leaks into the key.
func encodeKey(canonical Canonical) (string, error) {
	normalized := make(map[string][]interface{}, len(canonical))
	for name, values := range canonical {
		normalized[name] = normalizeValues(values)
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// normalizeValues lower-cases, deduplicates and sorts the values of one field
func normalizeValues(values []interface{}) []interface{} {
	seen := make(map[string]bool, len(values))
	result := make([]interface{}, 0, len(values))
	for _, v := range values {
		cv := canonicalScalar(v)
		id := sortKey(cv)
		if seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, cv)
	}

	sort.Slice(result, func(i, j int) bool {
		return sortKey(result[i]) < sortKey(result[j])
	})
	return result
}

// canonicalScalar maps a scalar to one of string, bool or json.Number
func canonicalScalar(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return strings.ToLower(val)
	case bool:
		return val
	case json.Number:
		return val
	}
	if text, ok := numberText(v); ok {
		return json.Number(text)
	}
	return v
}

// sortKey orders values by type first so "1" and 1 never collide
func sortKey(v interface{}) string {
	switch val := v.(type) {
	case bool:
		return "b:" + strconv.FormatBool(val)
	case json.Number:
		return "n:" + val.String()
	case string:
		return "s:" + val
	default:
		return fmt.Sprintf("?:%v", val)
	}
}

// wrapValues wraps a scalar in a list, or copies a slice of scalars
func wrapValues(raw interface{}) ([]interface{}, error) {
	if isScalar(raw) {
		return []interface{}{raw}, nil
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("unsupported value type %T", raw)
	}

	values := make([]interface{}, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i).Interface()
		if elem == nil {
			continue
		}
		if !isScalar(elem) {
			return nil, fmt.Errorf("unsupported element type %T at index %d", elem, i)
		}
		values = append(values, elem)
	}
	return values, nil
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, bool, json.Number:
		return true
	}
	_, ok := numberText(v)
	return ok
}

// numberText formats numeric values the way encoding/json would print them
func numberText(v interface{}) (string, bool) {
	switch n := v.(type) {
	case int:
		return strconv.FormatInt(int64(n), 10), true
	case int8:
		return strconv.FormatInt(int64(n), 10), true
	case int16:
		return strconv.FormatInt(int64(n), 10), true
	case int32:
		return strconv.FormatInt(int64(n), 10), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case uint:
		return strconv.FormatUint(uint64(n), 10), true
	case uint8:
		return strconv.FormatUint(uint64(n), 10), true
	case uint16:
		return strconv.FormatUint(uint64(n), 10), true
	case uint32:
		return strconv.FormatUint(uint64(n), 10), true
	case uint64:
		return strconv.FormatUint(n, 10), true
	case float32:
		return formatFloat(float64(n), 32)
	case float64:
		return formatFloat(n, 64)
	case json.Number:
		return n.String(), true
	default:
		return "", false
	}
}

func formatFloat(f float64, bits int) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	return strconv.FormatFloat(f, 'g', -1, bits), true
}

// Text returns the lower-cased comparison form of a scalar value
func Text(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return strings.ToLower(val), true
	case bool:
		return strconv.FormatBool(val), true
	}
	return numberText(v)
}
