package models

import "time"

// HistoryChange classifies a partition-shape change.
type HistoryChange string

const (
	// HistoryCreated records a brand new entity
	HistoryCreated HistoryChange = "created"
	// HistoryLinked records entities collapsing into one
	HistoryLinked HistoryChange = "linked"
	// HistoryUnlinked records records splitting out into a new entity
	HistoryUnlinked HistoryChange = "unlinked"
)

// HistoryEntry is one append-only audit row. It carries identifiers only;
// payloads live in the raw log.
type HistoryEntry struct {
	ID          string        `json:"id" db:"id"`
	EntityID    string        `json:"entity_id" db:"entity_id"`
	Change      HistoryChange `json:"change" db:"change"`
	Refs        []RecordRef   `json:"refs" db:"refs"`
	AccurateFor time.Time     `json:"accurate_for" db:"accurate_for"`
	RecordedAt  time.Time     `json:"recorded_at" db:"recorded_at"`
}
