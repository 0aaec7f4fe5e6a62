package feed

import "context"

// Event types published by the store's change feed
const (
	EventRecordCreated = "record.created"
	EventRecordUpdated = "record.updated"
	EventRecordDeleted = "record.deleted"
	EventTableReset    = "table.reset"
)

// Event is one change notification
type Event struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Table    string `json:"table"`
	RecordID string `json:"recordId,omitempty"`
}

// subscribeMessage is sent after every (re)connect
type subscribeMessage struct {
	Type   string   `json:"type"`
	Tables []string `json:"tables"`
}

// Invalidator drops cached data named by change events
type Invalidator interface {
	InvalidateRecord(ctx context.Context, table, recordID string) error
	InvalidateTable(ctx context.Context, table string) error
}
