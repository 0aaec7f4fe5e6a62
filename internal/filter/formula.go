package filter

import (
	"sort"
	"strings"
)

// Clause is the merged filter for one field within a dispatch window
type Clause struct {
	Field  string
	Values []string // lower-cased comparison forms, sorted
}

// Merge unions the value sets of every field touched by the given predicates.
// The result holds one clause per distinct field name, sorted by field, so the
// same set of predicates always renders the same formula.
func Merge(predicates ...Canonical) []Clause {
	index := make(map[string]int)
	seen := make(map[string]map[string]bool)
	var clauses []Clause

	for _, pred := range predicates {
		names := make([]string, 0, len(pred))
		for name := range pred {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			i, ok := index[name]
			if !ok {
				i = len(clauses)
				index[name] = i
				seen[name] = make(map[string]bool)
				clauses = append(clauses, Clause{Field: name})
			}
			for _, v := range pred[name] {
				text, ok := Text(v)
				if !ok || seen[name][text] {
					continue
				}
				seen[name][text] = true
				clauses[i].Values = append(clauses[i].Values, text)
			}
		}
	}

	for i := range clauses {
		sort.Strings(clauses[i].Values)
	}
	sort.Slice(clauses, func(i, j int) bool {
		return clauses[i].Field < clauses[j].Field
	})
	return clauses
}

// BuildFormula renders clauses as a store filter expression. Clauses on
// different fields are OR-ed; the result over-fetches and callers narrow it
// per lookup with Match. An empty string means no clause had any value.
func BuildFormula(clauses []Clause) string {
	parts := make([]string, 0, len(clauses))
	for _, c := range clauses {
		if expr := clauseFormula(c); expr != "" {
			parts = append(parts, expr)
		}
	}
	return or(parts)
}

func clauseFormula(c Clause) string {
	tests := make([]string, 0, len(c.Values))
	for _, v := range c.Values {
		if c.Field == IDField {
			tests = append(tests, "LOWER(RECORD_ID())="+quote(v))
			continue
		}
		// element membership works for scalar and multi-valued fields alike
		tests = append(tests, "FIND("+quote(","+v+",")+`, "," & LOWER(ARRAYJOIN(`+fieldRef(c.Field)+`, ",")) & ",")`)
	}
	return or(tests)
}

func or(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return "OR(" + strings.Join(parts, ", ") + ")"
	}
}

var stringEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func quote(s string) string {
	return `"` + stringEscaper.Replace(s) + `"`
}

func fieldRef(name string) string {
	return "{" + strings.ReplaceAll(name, "}", `\}`) + "}"
}
