package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordRef addresses one source record: the adapter instance that reported it
// plus that instance's identifier for it.
type RecordRef struct {
	SourceID string `json:"source_id" validate:"required"`
	LocalID  string `json:"local_id" validate:"required"`
}

// Key returns the canonical string form used for map keys and the Redis replica.
func (r RecordRef) Key() string {
	return fmt.Sprintf("%s:%s", r.SourceID, r.LocalID)
}

func (r RecordRef) String() string {
	return r.Key()
}

// SourceRecord is one adapter instance's latest snapshot of a real-world asset.
type SourceRecord struct {
	SourceID    string          `json:"source_id" db:"source_id"`
	AdapterType string          `json:"adapter_type" db:"adapter_type"`
	LocalID     string          `json:"local_id" db:"local_id"`
	ClientLabel string          `json:"client_label,omitempty" db:"client_label"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	CapturedAt  time.Time       `json:"captured_at" db:"captured_at"`
}

// Ref returns the record's identity pair.
func (r SourceRecord) Ref() RecordRef {
	return RecordRef{SourceID: r.SourceID, LocalID: r.LocalID}
}

// PrettyID derives a display name for the record: the payload's name or
// hostname when one is present, otherwise the local id, qualified by the
// adapter type.
func (r SourceRecord) PrettyID() string {
	var fields map[string]any
	if err := json.Unmarshal(r.Payload, &fields); err == nil {
		for _, key := range []string{"name", "hostname", "display_name"} {
			if v, ok := fields[key].(string); ok && v != "" {
				return fmt.Sprintf("%s/%s", r.AdapterType, v)
			}
		}
	}
	return fmt.Sprintf("%s/%s", r.AdapterType, r.LocalID)
}

// RecordView is a source record decorated for display.
type RecordView struct {
	SourceRecord
	PrettyID string `json:"pretty_id"`
}

// Tag is an annotation pinned to an entity through one of its records.
// Identity is (owner_source_id, name, applies_to); re-tagging the same
// identity replaces value and updated_at.
type Tag struct {
	OwnerSourceID string          `json:"owner_source_id"`
	Name          string          `json:"name"`
	Value         json.RawMessage `json:"value,omitempty"`
	AppliesTo     RecordRef       `json:"applies_to"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SameIdentity reports whether two tags share an upsert identity.
func (t Tag) SameIdentity(other Tag) bool {
	return t.OwnerSourceID == other.OwnerSourceID &&
		t.Name == other.Name &&
		t.AppliesTo == other.AppliesTo
}

// MergedEntity is one resolved asset: at most one record per source, plus tags.
type MergedEntity struct {
	EntityID    string                  `json:"entity_id"`
	Records     map[string]SourceRecord `json:"records"` // keyed by source_id
	Tags        []Tag                   `json:"tags,omitempty"`
	AccurateFor time.Time               `json:"accurate_for"`
}

// RecordFor returns the record reported by the given source, if any.
func (e *MergedEntity) RecordFor(sourceID string) (SourceRecord, bool) {
	rec, ok := e.Records[sourceID]
	return rec, ok
}

// Refs returns the identity pairs of every record in the entity.
func (e *MergedEntity) Refs() []RecordRef {
	refs := make([]RecordRef, 0, len(e.Records))
	for _, rec := range e.Records {
		refs = append(refs, rec.Ref())
	}
	return refs
}

// Clone deep-copies the entity so callers can hold it outside the engine lock.
func (e *MergedEntity) Clone() *MergedEntity {
	out := &MergedEntity{
		EntityID:    e.EntityID,
		Records:     make(map[string]SourceRecord, len(e.Records)),
		AccurateFor: e.AccurateFor,
	}
	for k, v := range e.Records {
		out.Records[k] = v
	}
	if len(e.Tags) > 0 {
		out.Tags = make([]Tag, len(e.Tags))
		copy(out.Tags, e.Tags)
	}
	return out
}

// MergeOp is the operation discriminator for merge requests.
type MergeOp string

const (
	// MergeOpLink collapses the entities owning the targets into one
	MergeOpLink MergeOp = "link"
	// MergeOpUnlink splits the targets out of their entity
	MergeOpUnlink MergeOp = "unlink"
	// MergeOpTag upserts an annotation on the targets' entity
	MergeOpTag MergeOp = "tag"
)

// MergeRequest is the POST /merge body and the Kafka directive payload.
type MergeRequest struct {
	Op      MergeOp     `json:"op" validate:"required,oneof=link unlink tag"`
	Targets []RecordRef `json:"targets" validate:"required,min=1,dive"`

	// Tag fields, required when Op == tag
	TagOwner string          `json:"tag_owner,omitempty" validate:"required_if=Op tag"`
	TagName  string          `json:"tag_name,omitempty" validate:"required_if=Op tag"`
	TagValue json.RawMessage `json:"tag_value,omitempty"`
}

// MergeResponse is returned on a successful merge operation.
type MergeResponse struct {
	EntityID string `json:"entity_id"`
}

// EntityListResponse is the full partition snapshot.
type EntityListResponse struct {
	Items      []*MergedEntity `json:"items"`
	TotalCount int             `json:"total_count"`
}
