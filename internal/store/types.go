package store

import (
	"context"
	"iter"
)

// Record is a row returned by the remote store
type Record struct {
	ID          string                 `json:"id"`
	CreatedTime string                 `json:"createdTime,omitempty"`
	Fields      map[string]interface{} `json:"fields"`
}

// RecordID returns the store's intrinsic identifier
func (r *Record) RecordID() string {
	return r.ID
}

// Field returns the value of a named field
func (r *Record) Field(name string) (interface{}, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// SelectParams describes one remote query
type SelectParams struct {
	// Formula is the store-specific filter expression; empty selects all records
	Formula string
	// View restricts and orders the result by a named view
	View string
}

// Store is the remote tabular store capability.
// Select yields records lazily, fetching further pages as the sequence is consumed.
// A failing page yields a nil record with the error and ends the sequence.
type Store interface {
	Select(ctx context.Context, table string, params SelectParams) iter.Seq2[*Record, error]
}

// Drain consumes a sequence to exhaustion, stopping at the first error
func Drain(seq iter.Seq2[*Record, error]) ([]*Record, error) {
	var records []*Record
	for rec, err := range seq {
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}
