// Package engine implements the merge engine: the partition of source records
// into merged entities and the operations that reshape it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Committer persists one mutating batch. Called while the engine lock is
// held, so a batch either lands durably or the operation fails.
type Committer interface {
	Apply(ctx context.Context, c store.Commit) error
	Load(ctx context.Context) ([]*models.MergedEntity, error)
}

// Notifier publishes lifecycle and alert events. Implementations must not
// block indefinitely; the engine calls it outside its lock.
type Notifier interface {
	EntityChanged(ctx context.Context, event events.Type, entity *models.MergedEntity)
	Alert(ctx context.Context, event events.Type, detail map[string]any)
}

// Engine owns the partition. Every mutating operation runs under one
// process-wide lock covering resolve, mutate, and persist, so observers never
// see a half-applied merge.
type Engine struct {
	mu        sync.Mutex
	logger    ectologger.Logger
	partition *store.Partition
	mirror    Committer
	notifier  Notifier
	now       func() time.Time
}

// NewEngine creates a merge engine with an empty partition.
func NewEngine(logger ectologger.Logger, mirror Committer, notifier Notifier) *Engine {
	return &Engine{
		logger:    logger,
		partition: store.NewPartition(),
		mirror:    mirror,
		notifier:  notifier,
		now:       time.Now,
	}
}

// Load warm-starts the partition from the persisted current state.
func (e *Engine) Load(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "engine.Engine.Load")
	defer span.End()

	entities, err := e.mirror.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current state: %w", err)
	}

	e.mu.Lock()
	e.partition.Load(entities)
	size := e.partition.Len()
	e.mu.Unlock()

	metrics.EntitiesGauge.Set(float64(size))
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_count": size,
	}).Info("Partition loaded from current state")
	return nil
}

// batch accumulates the outcome of one locked mutation: what to persist and
// what to announce after the lock is released.
type batch struct {
	raw     []models.SourceRecord
	history []models.HistoryEntry
	touched map[string]*models.MergedEntity
	removed []string
	events  []pendingEvent
	alerts  []pendingAlert
}

type pendingEvent struct {
	event  events.Type
	entity *models.MergedEntity
}

type pendingAlert struct {
	event  events.Type
	detail map[string]any
}

func newBatch() *batch {
	return &batch{touched: make(map[string]*models.MergedEntity)}
}

func (b *batch) touch(e *models.MergedEntity) {
	b.touched[e.EntityID] = e
}

func (b *batch) announce(event events.Type, e *models.MergedEntity) {
	b.events = append(b.events, pendingEvent{event: event, entity: e.Clone()})
}

// Ingest upserts a single source record. Returns the owning entity id.
func (e *Engine) Ingest(ctx context.Context, rec models.SourceRecord) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.Engine.Ingest")
	defer span.End()

	if err := validateRecord(rec); err != nil {
		metrics.RecordMergeOperation("ingest", "invalid")
		return "", err
	}

	b := newBatch()

	e.mu.Lock()
	entityID := e.ingestLocked(rec, b)
	err := e.commitLocked(ctx, b)
	e.mu.Unlock()

	e.flush(ctx, b)
	if err != nil {
		metrics.RecordMergeOperation("ingest", "persist_error")
		return "", err
	}
	metrics.RecordMergeOperation("ingest", "ok")
	return entityID, nil
}

// IngestBatch upserts a batch of source records under one lock acquisition
// and one durable commit. The batch is validated up front; a malformed record
// rejects the whole batch before any mutation.
func (e *Engine) IngestBatch(ctx context.Context, recs []models.SourceRecord) error {
	ctx, span := tracing.StartSpan(ctx, "engine.Engine.IngestBatch")
	defer span.End()

	for i, rec := range recs {
		if err := validateRecord(rec); err != nil {
			metrics.RecordMergeOperation("ingest_batch", "invalid")
			return fmt.Errorf("record %d (%s): %w", i, rec.Ref(), err)
		}
	}
	if len(recs) == 0 {
		return nil
	}

	b := newBatch()

	e.mu.Lock()
	for _, rec := range recs {
		e.ingestLocked(rec, b)
	}
	err := e.commitLocked(ctx, b)
	e.mu.Unlock()

	e.flush(ctx, b)
	if err != nil {
		metrics.RecordMergeOperation("ingest_batch", "persist_error")
		return err
	}
	metrics.RecordMergeOperation("ingest_batch", "ok")

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"record_count": len(recs),
	}).Debug("Ingested record batch")
	return nil
}

// ingestLocked applies one record to the partition and stages its effects.
func (e *Engine) ingestLocked(rec models.SourceRecord, b *batch) string {
	now := e.now()
	rec.CapturedAt = normalizeCapturedAt(rec.CapturedAt, now)
	b.raw = append(b.raw, rec)

	if owner, ok := e.partition.Owner(rec.Ref()); ok {
		owner.Records[rec.SourceID] = rec
		owner.AccurateFor = now
		e.partition.Put(owner)
		b.touch(owner)
		b.announce(events.EntityUpdated, owner)
		metrics.RecordIngest(rec.SourceID, "updated")
		return owner.EntityID
	}

	entity := &models.MergedEntity{
		EntityID:    uuid.NewString(),
		Records:     map[string]models.SourceRecord{rec.SourceID: rec},
		AccurateFor: now,
	}
	e.partition.Put(entity)
	b.touch(entity)
	b.history = append(b.history, models.HistoryEntry{
		ID:          uuid.NewString(),
		EntityID:    entity.EntityID,
		Change:      models.HistoryCreated,
		Refs:        entity.Refs(),
		AccurateFor: now,
		RecordedAt:  now,
	})
	b.announce(events.EntityCreated, entity)
	metrics.RecordIngest(rec.SourceID, "created")
	return entity.EntityID
}

// Link collapses the entities owning the target records into one new entity.
// At least two distinct entities must be addressed.
func (e *Engine) Link(ctx context.Context, targets []models.RecordRef) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.Engine.Link")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"op":           "link",
		"target_count": len(targets),
	})

	b := newBatch()

	e.mu.Lock()
	entityID, err := e.linkLocked(ctx, targets, b, log)
	if err == nil {
		err = e.commitLocked(ctx, b)
	}
	e.mu.Unlock()

	e.flush(ctx, b)
	if err != nil {
		metrics.RecordMergeOperation("link", opStatus(err))
		return "", err
	}
	metrics.RecordMergeOperation("link", "ok")

	log.WithFields(map[string]any{"entity_id": entityID}).Info("Linked entities")
	return entityID, nil
}

func (e *Engine) linkLocked(ctx context.Context, targets []models.RecordRef, b *batch, log ectologger.Logger) (string, error) {
	owners, err := e.resolveOwners(targets)
	if err != nil {
		return "", err
	}
	if len(owners) < 2 {
		return "", fmt.Errorf("%w: resolved %d", ErrInsufficientCandidates, len(owners))
	}

	// The union must still hold at most one record per source. Two candidate
	// entities sharing a source means the stored partition already lies.
	seen := make(map[string]string) // source_id -> entity_id
	for _, owner := range owners {
		for sourceID := range owner.Records {
			if otherID, dup := seen[sourceID]; dup {
				log.WithFields(map[string]any{
					"source_id":   sourceID,
					"entity_id":   owner.EntityID,
					"other_id":    otherID,
					"owner_count": len(owners),
				}).Error("Contradiction: source present in multiple link candidates")
				metrics.RecordContradiction()
				b.alerts = append(b.alerts, pendingAlert{
					event: events.AlertContradiction,
					detail: map[string]any{
						"source_id": sourceID,
						"entities":  []string{otherID, owner.EntityID},
					},
				})
				return "", fmt.Errorf("%w: source %s owned by entities %s and %s",
					ErrContradiction, sourceID, otherID, owner.EntityID)
			}
			seen[sourceID] = owner.EntityID
		}
	}

	now := e.now()
	merged := &models.MergedEntity{
		EntityID:    uuid.NewString(),
		Records:     make(map[string]models.SourceRecord),
		AccurateFor: now,
	}
	for _, owner := range owners {
		for sourceID, rec := range owner.Records {
			merged.Records[sourceID] = rec
		}
		merged.Tags = mergeTags(merged.Tags, owner.Tags)
		e.partition.Delete(owner.EntityID)
		b.removed = append(b.removed, owner.EntityID)
	}
	e.partition.Put(merged)

	b.touch(merged)
	b.history = append(b.history, models.HistoryEntry{
		ID:          uuid.NewString(),
		EntityID:    merged.EntityID,
		Change:      models.HistoryLinked,
		Refs:        merged.Refs(),
		AccurateFor: now,
		RecordedAt:  now,
	})
	b.announce(events.EntityLinked, merged)
	return merged.EntityID, nil
}

// Unlink splits the target records out of their entity into a new one. All
// targets must belong to a single entity, and at least one record must remain
// behind.
func (e *Engine) Unlink(ctx context.Context, targets []models.RecordRef) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.Engine.Unlink")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"op":           "unlink",
		"target_count": len(targets),
	})

	b := newBatch()

	e.mu.Lock()
	entityID, err := e.unlinkLocked(targets, b)
	if err == nil {
		err = e.commitLocked(ctx, b)
	}
	e.mu.Unlock()

	e.flush(ctx, b)
	if err != nil {
		metrics.RecordMergeOperation("unlink", opStatus(err))
		return "", err
	}
	metrics.RecordMergeOperation("unlink", "ok")

	log.WithFields(map[string]any{"entity_id": entityID}).Info("Unlinked records")
	return entityID, nil
}

func (e *Engine) unlinkLocked(targets []models.RecordRef, b *batch) (string, error) {
	owners, err := e.resolveOwners(targets)
	if err != nil {
		return "", err
	}
	if len(owners) != 1 {
		return "", fmt.Errorf("%w: targets span %d entities", ErrNotSingleOwner, len(owners))
	}
	owner := owners[0]

	moving := make(map[models.RecordRef]bool, len(targets))
	for _, ref := range targets {
		moving[ref] = true
	}
	if len(moving) >= len(owner.Records) {
		return "", fmt.Errorf("%w: %d of %d records targeted",
			ErrWouldEmptyOriginal, len(moving), len(owner.Records))
	}

	now := e.now()
	split := &models.MergedEntity{
		EntityID:    uuid.NewString(),
		Records:     make(map[string]models.SourceRecord),
		AccurateFor: now,
	}
	for sourceID, rec := range owner.Records {
		if moving[rec.Ref()] {
			split.Records[sourceID] = rec
			delete(owner.Records, sourceID)
		}
	}

	// Tags follow the record they apply to.
	remaining := owner.Tags[:0]
	for _, tag := range owner.Tags {
		if moving[tag.AppliesTo] {
			split.Tags = append(split.Tags, tag)
		} else {
			remaining = append(remaining, tag)
		}
	}
	owner.Tags = remaining
	owner.AccurateFor = now

	e.partition.Put(owner)
	e.partition.Put(split)

	b.touch(owner)
	b.touch(split)
	b.history = append(b.history, models.HistoryEntry{
		ID:          uuid.NewString(),
		EntityID:    split.EntityID,
		Change:      models.HistoryUnlinked,
		Refs:        split.Refs(),
		AccurateFor: now,
		RecordedAt:  now,
	})
	b.announce(events.EntityUnlinked, split)
	b.announce(events.EntityUpdated, owner)
	return split.EntityID, nil
}

// Tag upserts an annotation on the entity owning the targets. All targets
// must resolve to the same entity; one tag is written per target ref.
func (e *Engine) Tag(ctx context.Context, targets []models.RecordRef, ownerSourceID, name string, value []byte) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.Engine.Tag")
	defer span.End()

	if ownerSourceID == "" || name == "" {
		metrics.RecordMergeOperation("tag", "invalid")
		return "", fmt.Errorf("%w: tag owner and name are required", ErrInvalidRecord)
	}

	b := newBatch()

	e.mu.Lock()
	entityID, err := e.tagLocked(targets, ownerSourceID, name, value, b)
	if err == nil {
		err = e.commitLocked(ctx, b)
	}
	e.mu.Unlock()

	e.flush(ctx, b)
	if err != nil {
		metrics.RecordMergeOperation("tag", opStatus(err))
		return "", err
	}
	metrics.RecordMergeOperation("tag", "ok")
	return entityID, nil
}

func (e *Engine) tagLocked(targets []models.RecordRef, ownerSourceID, name string, value []byte, b *batch) (string, error) {
	owners, err := e.resolveOwners(targets)
	if err != nil {
		return "", err
	}
	if len(owners) != 1 {
		return "", fmt.Errorf("%w: targets span %d entities", ErrAmbiguousTarget, len(owners))
	}
	owner := owners[0]

	now := e.now()
	for _, ref := range targets {
		tag := models.Tag{
			OwnerSourceID: ownerSourceID,
			Name:          name,
			Value:         value,
			AppliesTo:     ref,
			UpdatedAt:     now,
		}
		replaced := false
		for i := range owner.Tags {
			if owner.Tags[i].SameIdentity(tag) {
				owner.Tags[i] = tag
				replaced = true
				break
			}
		}
		if !replaced {
			owner.Tags = append(owner.Tags, tag)
		}
	}
	owner.AccurateFor = now
	e.partition.Put(owner)

	b.touch(owner)
	b.announce(events.EntityTagged, owner)
	return owner.EntityID, nil
}

// FindBySourceRecord returns the entity owning the given record.
func (e *Engine) FindBySourceRecord(ctx context.Context, ref models.RecordRef) (*models.MergedEntity, error) {
	_, span := tracing.StartSpan(ctx, "engine.Engine.FindBySourceRecord")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	owner, ok := e.partition.Owner(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, ref)
	}
	return owner.Clone(), nil
}

// Get returns one entity by id.
func (e *Engine) Get(ctx context.Context, entityID string) (*models.MergedEntity, error) {
	_, span := tracing.StartSpan(ctx, "engine.Engine.Get")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	entity, ok := e.partition.Entity(entityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return entity.Clone(), nil
}

// List returns the full partition snapshot.
func (e *Engine) List(ctx context.Context) ([]*models.MergedEntity, error) {
	_, span := tracing.StartSpan(ctx, "engine.Engine.List")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.partition.Snapshot(), nil
}

// resolveOwners maps targets to their distinct owning entities, in first-seen
// order. Any unresolved target fails the whole operation.
func (e *Engine) resolveOwners(targets []models.RecordRef) ([]*models.MergedEntity, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrInvalidRecord)
	}

	var owners []*models.MergedEntity
	seen := make(map[string]bool)
	for _, ref := range targets {
		if ref.SourceID == "" || ref.LocalID == "" {
			return nil, fmt.Errorf("%w: target %s", ErrInvalidRecord, ref)
		}
		owner, ok := e.partition.Owner(ref)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, ref)
		}
		if !seen[owner.EntityID] {
			seen[owner.EntityID] = true
			owners = append(owners, owner)
		}
	}
	return owners, nil
}

// commitLocked persists the staged batch while still holding the lock. On
// failure the in-memory partition keeps the mutation; the next successful
// commit rewrites the full mirror.
func (e *Engine) commitLocked(ctx context.Context, b *batch) error {
	if len(b.touched) == 0 && len(b.removed) == 0 && len(b.raw) == 0 {
		return nil
	}

	touched := make([]*models.MergedEntity, 0, len(b.touched))
	for _, entity := range b.touched {
		touched = append(touched, entity.Clone())
	}

	err := e.mirror.Apply(ctx, store.Commit{
		Snapshot: e.partition.Snapshot(),
		Raw:      b.raw,
		History:  b.history,
		Touched:  touched,
		Removed:  b.removed,
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Durable commit failed; in-memory state retained")
		b.alerts = append(b.alerts, pendingAlert{
			event:  events.AlertPersistence,
			detail: map[string]any{"error": err.Error()},
		})
		return err
	}

	metrics.EntitiesGauge.Set(float64(e.partition.Len()))
	return nil
}

// flush publishes staged events and alerts after the lock is released.
func (e *Engine) flush(ctx context.Context, b *batch) {
	if e.notifier == nil {
		return
	}
	for _, alert := range b.alerts {
		e.notifier.Alert(ctx, alert.event, alert.detail)
	}
	if len(b.alerts) > 0 && containsAlert(b.alerts, events.AlertPersistence) {
		// Persisted state diverged; suppress lifecycle events for this batch.
		return
	}
	for _, ev := range b.events {
		e.notifier.EntityChanged(ctx, ev.event, ev.entity)
	}
}

func containsAlert(alerts []pendingAlert, event events.Type) bool {
	for _, a := range alerts {
		if a.event == event {
			return true
		}
	}
	return false
}

// mergeTags appends src tags onto dst, collapsing duplicate identities and
// keeping the newest value.
func mergeTags(dst, src []models.Tag) []models.Tag {
	for _, tag := range src {
		replaced := false
		for i := range dst {
			if dst[i].SameIdentity(tag) {
				if tag.UpdatedAt.After(dst[i].UpdatedAt) {
					dst[i] = tag
				}
				replaced = true
				break
			}
		}
		if !replaced {
			dst = append(dst, tag)
		}
	}
	return dst
}

func validateRecord(rec models.SourceRecord) error {
	if rec.SourceID == "" || rec.LocalID == "" {
		return fmt.Errorf("%w: source_id and local_id are required", ErrInvalidRecord)
	}
	return nil
}

func normalizeCapturedAt(capturedAt, now time.Time) time.Time {
	if capturedAt.IsZero() {
		return now
	}
	return capturedAt
}

func opStatus(err error) string {
	switch {
	case IsPrecondition(err):
		return "rejected"
	default:
		return "error"
	}
}
