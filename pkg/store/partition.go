// Package store holds the in-memory partition of source records into merged
// entities, plus the durable mirror writers that shadow it.
package store

import (
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Partition is the authoritative in-memory state: every known record belongs
// to exactly one entity, and each entity holds at most one record per source.
// It does no locking of its own; the engine's coordinating lock guards all
// access.
type Partition struct {
	entities map[string]*models.MergedEntity
	owners   map[models.RecordRef]string // record identity -> entity_id
}

// NewPartition returns an empty partition.
func NewPartition() *Partition {
	return &Partition{
		entities: make(map[string]*models.MergedEntity),
		owners:   make(map[models.RecordRef]string),
	}
}

// Load seeds the partition from a persisted snapshot. Existing state is
// discarded.
func (p *Partition) Load(entities []*models.MergedEntity) {
	p.entities = make(map[string]*models.MergedEntity, len(entities))
	p.owners = make(map[models.RecordRef]string)
	for _, e := range entities {
		p.Put(e)
	}
}

// Entity returns the entity with the given id.
func (p *Partition) Entity(id string) (*models.MergedEntity, bool) {
	e, ok := p.entities[id]
	return e, ok
}

// Owner returns the entity holding the given record.
func (p *Partition) Owner(ref models.RecordRef) (*models.MergedEntity, bool) {
	id, ok := p.owners[ref]
	if !ok {
		return nil, false
	}
	e, ok := p.entities[id]
	return e, ok
}

// Put inserts or replaces an entity and reindexes its records.
func (p *Partition) Put(e *models.MergedEntity) {
	if old, ok := p.entities[e.EntityID]; ok {
		for _, rec := range old.Records {
			delete(p.owners, rec.Ref())
		}
	}
	p.entities[e.EntityID] = e
	for _, rec := range e.Records {
		p.owners[rec.Ref()] = e.EntityID
	}
}

// Delete removes an entity and its record index entries.
func (p *Partition) Delete(id string) {
	e, ok := p.entities[id]
	if !ok {
		return
	}
	for _, rec := range e.Records {
		delete(p.owners, rec.Ref())
	}
	delete(p.entities, id)
}

// Len returns the number of entities.
func (p *Partition) Len() int {
	return len(p.entities)
}

// Snapshot returns deep copies of every entity, ordered by entity_id so the
// full-replace mirror write is deterministic.
func (p *Partition) Snapshot() []*models.MergedEntity {
	out := make([]*models.MergedEntity, 0, len(p.entities))
	for _, e := range p.entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}
