package events

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Type identifies an event on the entity events topic.
type Type string

const (
	// EntityCreated fires when a record arrives for an unknown identity
	EntityCreated Type = "entity.created"
	// EntityUpdated fires on an in-place refresh of an existing entity
	EntityUpdated Type = "entity.updated"
	// EntityLinked fires when entities collapse into one
	EntityLinked Type = "entity.linked"
	// EntityUnlinked fires when records split out into a new entity
	EntityUnlinked Type = "entity.unlinked"
	// EntityTagged fires when an annotation is upserted
	EntityTagged Type = "entity.tagged"

	// AlertContradiction fires when the stored partition violates its invariants
	AlertContradiction Type = "alert.contradiction"
	// AlertPersistence fires when a durable mirror write exhausts its retries
	AlertPersistence Type = "alert.persistence"
)

// EntityEvent is the lifecycle event payload.
type EntityEvent struct {
	EventType     Type                 `json:"event_type"`
	SchemaVersion string               `json:"schema_version"`
	EntityID      string               `json:"entity_id"`
	Entity        *models.MergedEntity `json:"entity"`
	Timestamp     time.Time            `json:"timestamp"`
}

// AlertEvent is the invariant-violation alert payload.
type AlertEvent struct {
	EventType     Type           `json:"event_type"`
	SchemaVersion string         `json:"schema_version"`
	Detail        map[string]any `json:"detail,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}
