package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
)

type fakeMirror struct {
	commits  []store.Commit
	seed     []*models.MergedEntity
	applyErr error
}

func (f *fakeMirror) Apply(ctx context.Context, c store.Commit) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.commits = append(f.commits, c)
	return nil
}

func (f *fakeMirror) Load(ctx context.Context) ([]*models.MergedEntity, error) {
	return f.seed, nil
}

func (f *fakeMirror) last() store.Commit {
	return f.commits[len(f.commits)-1]
}

type notification struct {
	event  events.Type
	entity *models.MergedEntity
}

type fakeNotifier struct {
	events []notification
	alerts []events.Type
}

func (f *fakeNotifier) EntityChanged(ctx context.Context, event events.Type, entity *models.MergedEntity) {
	f.events = append(f.events, notification{event: event, entity: entity})
}

func (f *fakeNotifier) Alert(ctx context.Context, event events.Type, detail map[string]any) {
	f.alerts = append(f.alerts, event)
}

func newTestEngine(t *testing.T) (*Engine, *fakeMirror, *fakeNotifier) {
	t.Helper()
	mirror := &fakeMirror{}
	notifier := &fakeNotifier{}
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {})
	return NewEngine(logger, mirror, notifier), mirror, notifier
}

func rec(sourceID, localID string) models.SourceRecord {
	return models.SourceRecord{
		SourceID:    sourceID,
		AdapterType: "test_adapter",
		LocalID:     localID,
		ClientLabel: "default",
		Payload:     json.RawMessage(fmt.Sprintf(`{"id":%q}`, localID)),
		CapturedAt:  time.Now().UTC(),
	}
}

func ref(sourceID, localID string) models.RecordRef {
	return models.RecordRef{SourceID: sourceID, LocalID: localID}
}

func TestIngest(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a new entity for an unknown identity", func(t *testing.T) {
		e, mirror, notifier := newTestEngine(t)

		id, err := e.Ingest(ctx, rec("aws_1", "i-123"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		entity, err := e.Get(ctx, id)
		require.NoError(t, err)
		assert.Len(t, entity.Records, 1)
		assert.Equal(t, "i-123", entity.Records["aws_1"].LocalID)
		assert.False(t, entity.AccurateFor.IsZero())

		c := mirror.last()
		require.Len(t, c.History, 1)
		assert.Equal(t, models.HistoryCreated, c.History[0].Change)
		require.Len(t, c.Raw, 1)

		require.Len(t, notifier.events, 1)
		assert.Equal(t, events.EntityCreated, notifier.events[0].event)
	})

	t.Run("is idempotent for the same identity", func(t *testing.T) {
		e, mirror, _ := newTestEngine(t)

		first, err := e.Ingest(ctx, rec("aws_1", "i-123"))
		require.NoError(t, err)

		updated := rec("aws_1", "i-123")
		updated.Payload = json.RawMessage(`{"id":"i-123","state":"stopped"}`)
		second, err := e.Ingest(ctx, updated)
		require.NoError(t, err)

		assert.Equal(t, first, second)

		entities, err := e.List(ctx)
		require.NoError(t, err)
		assert.Len(t, entities, 1)

		entity, err := e.Get(ctx, first)
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"i-123","state":"stopped"}`, string(entity.Records["aws_1"].Payload))

		// Second ingest changed nothing shape-wise; no history row.
		assert.Empty(t, mirror.last().History)
	})

	t.Run("same source different local_id is a separate asset", func(t *testing.T) {
		e, _, _ := newTestEngine(t)

		a, err := e.Ingest(ctx, rec("aws_1", "i-123"))
		require.NoError(t, err)
		b, err := e.Ingest(ctx, rec("aws_1", "i-456"))
		require.NoError(t, err)

		assert.NotEqual(t, a, b)
	})

	t.Run("rejects a record without identity", func(t *testing.T) {
		e, _, _ := newTestEngine(t)

		_, err := e.Ingest(ctx, models.SourceRecord{SourceID: "aws_1"})
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})
}

func TestIngestBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("applies the whole batch under one commit", func(t *testing.T) {
		e, mirror, _ := newTestEngine(t)

		err := e.IngestBatch(ctx, []models.SourceRecord{
			rec("aws_1", "i-1"),
			rec("aws_1", "i-2"),
			rec("ad_1", "CN=host-1"),
		})
		require.NoError(t, err)

		entities, err := e.List(ctx)
		require.NoError(t, err)
		assert.Len(t, entities, 3)
		require.Len(t, mirror.commits, 1)
		assert.Len(t, mirror.last().Raw, 3)
	})

	t.Run("rejects the whole batch on a malformed record", func(t *testing.T) {
		e, mirror, _ := newTestEngine(t)

		err := e.IngestBatch(ctx, []models.SourceRecord{
			rec("aws_1", "i-1"),
			{SourceID: "", LocalID: "x"},
		})
		require.ErrorIs(t, err, ErrInvalidRecord)

		entities, err := e.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, entities)
		assert.Empty(t, mirror.commits)
	})
}

func TestLink(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, e *Engine) (string, string) {
		t.Helper()
		a, err := e.Ingest(ctx, rec("aws_1", "i-1"))
		require.NoError(t, err)
		b, err := e.Ingest(ctx, rec("ad_1", "CN=host-1"))
		require.NoError(t, err)
		return a, b
	}

	t.Run("collapses two entities into one", func(t *testing.T) {
		e, mirror, notifier := newTestEngine(t)
		a, b := seed(t, e)

		merged, err := e.Link(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("ad_1", "CN=host-1")})
		require.NoError(t, err)
		assert.NotEqual(t, a, merged)
		assert.NotEqual(t, b, merged)

		entity, err := e.Get(ctx, merged)
		require.NoError(t, err)
		assert.Len(t, entity.Records, 2)

		_, err = e.Get(ctx, a)
		assert.ErrorIs(t, err, ErrEntityNotFound)
		_, err = e.Get(ctx, b)
		assert.ErrorIs(t, err, ErrEntityNotFound)

		// Both records now resolve to the merged entity.
		found, err := e.FindBySourceRecord(ctx, ref("aws_1", "i-1"))
		require.NoError(t, err)
		assert.Equal(t, merged, found.EntityID)

		c := mirror.last()
		assert.ElementsMatch(t, []string{a, b}, c.Removed)
		require.Len(t, c.History, 1)
		assert.Equal(t, models.HistoryLinked, c.History[0].Change)
		assert.Len(t, c.History[0].Refs, 2)

		last := notifier.events[len(notifier.events)-1]
		assert.Equal(t, events.EntityLinked, last.event)
	})

	t.Run("link is monotone: relinking a superset keeps the union", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		seed(t, e)
		_, err := e.Ingest(ctx, rec("crowdstrike_1", "sensor-9"))
		require.NoError(t, err)

		_, err = e.Link(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("ad_1", "CN=host-1")})
		require.NoError(t, err)

		merged, err := e.Link(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("crowdstrike_1", "sensor-9")})
		require.NoError(t, err)

		entity, err := e.Get(ctx, merged)
		require.NoError(t, err)
		assert.Len(t, entity.Records, 3)

		entities, err := e.List(ctx)
		require.NoError(t, err)
		assert.Len(t, entities, 1)
	})

	t.Run("requires at least two distinct entities", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		seed(t, e)

		_, err := e.Link(ctx, []models.RecordRef{ref("aws_1", "i-1")})
		assert.ErrorIs(t, err, ErrInsufficientCandidates)

		// Two refs already in one entity is still insufficient.
		merged, err := e.Link(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("ad_1", "CN=host-1")})
		require.NoError(t, err)
		_, err = e.Link(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("ad_1", "CN=host-1")})
		assert.ErrorIs(t, err, ErrInsufficientCandidates)

		entity, err := e.Get(ctx, merged)
		require.NoError(t, err)
		assert.Len(t, entity.Records, 2)
	})

	t.Run("unknown target fails the whole link", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		seed(t, e)

		_, err := e.Link(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("nope", "x")})
		assert.ErrorIs(t, err, ErrRecordNotFound)

		entities, err := e.List(ctx)
		require.NoError(t, err)
		assert.Len(t, entities, 2)
	})

	t.Run("duplicate source across candidates is a contradiction", func(t *testing.T) {
		e, mirror, notifier := newTestEngine(t)

		// Seed a partition where two entities each hold a record from aws_1.
		mirror.seed = []*models.MergedEntity{
			{
				EntityID:    "e1",
				Records:     map[string]models.SourceRecord{"aws_1": rec("aws_1", "i-1")},
				AccurateFor: time.Now(),
			},
			{
				EntityID:    "e2",
				Records:     map[string]models.SourceRecord{"aws_1": rec("aws_1", "i-2")},
				AccurateFor: time.Now(),
			},
		}
		require.NoError(t, e.Load(ctx))

		_, err := e.Link(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("aws_1", "i-2")})
		require.ErrorIs(t, err, ErrContradiction)
		assert.False(t, IsPrecondition(err))

		// No mutation, loud alert, service still serves.
		entities, err := e.List(ctx)
		require.NoError(t, err)
		assert.Len(t, entities, 2)
		assert.Contains(t, notifier.alerts, events.AlertContradiction)
	})
}

func TestUnlink(t *testing.T) {
	ctx := context.Background()

	seedLinked := func(t *testing.T, e *Engine) string {
		t.Helper()
		require.NoError(t, e.IngestBatch(ctx, []models.SourceRecord{
			rec("aws_1", "i-1"),
			rec("ad_1", "CN=host-1"),
			rec("crowdstrike_1", "sensor-9"),
		}))
		merged, err := e.Link(ctx, []models.RecordRef{
			ref("aws_1", "i-1"), ref("ad_1", "CN=host-1"), ref("crowdstrike_1", "sensor-9"),
		})
		require.NoError(t, err)
		return merged
	}

	t.Run("splits targets into a new entity, complement stays", func(t *testing.T) {
		e, mirror, _ := newTestEngine(t)
		merged := seedLinked(t, e)

		split, err := e.Unlink(ctx, []models.RecordRef{ref("aws_1", "i-1")})
		require.NoError(t, err)
		assert.NotEqual(t, merged, split)

		splitEntity, err := e.Get(ctx, split)
		require.NoError(t, err)
		assert.Len(t, splitEntity.Records, 1)

		original, err := e.Get(ctx, merged)
		require.NoError(t, err)
		assert.Len(t, original.Records, 2)
		_, stillThere := original.RecordFor("aws_1")
		assert.False(t, stillThere)

		c := mirror.last()
		require.Len(t, c.History, 1)
		assert.Equal(t, models.HistoryUnlinked, c.History[0].Change)
	})

	t.Run("tags follow the record they apply to", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		seedLinked(t, e)

		_, err := e.Tag(ctx, []models.RecordRef{ref("aws_1", "i-1")}, "gui", "owner", []byte(`"alice"`))
		require.NoError(t, err)
		_, err = e.Tag(ctx, []models.RecordRef{ref("ad_1", "CN=host-1")}, "gui", "owner", []byte(`"bob"`))
		require.NoError(t, err)

		split, err := e.Unlink(ctx, []models.RecordRef{ref("aws_1", "i-1")})
		require.NoError(t, err)

		splitEntity, err := e.Get(ctx, split)
		require.NoError(t, err)
		require.Len(t, splitEntity.Tags, 1)
		assert.Equal(t, ref("aws_1", "i-1"), splitEntity.Tags[0].AppliesTo)

		remaining, err := e.FindBySourceRecord(ctx, ref("ad_1", "CN=host-1"))
		require.NoError(t, err)
		require.Len(t, remaining.Tags, 1)
		assert.Equal(t, ref("ad_1", "CN=host-1"), remaining.Tags[0].AppliesTo)
	})

	t.Run("refuses to empty the original", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		seedLinked(t, e)

		_, err := e.Unlink(ctx, []models.RecordRef{
			ref("aws_1", "i-1"), ref("ad_1", "CN=host-1"), ref("crowdstrike_1", "sensor-9"),
		})
		assert.ErrorIs(t, err, ErrWouldEmptyOriginal)
	})

	t.Run("targets must share one owner", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		seedLinked(t, e)
		_, err := e.Ingest(ctx, rec("gcp_1", "vm-7"))
		require.NoError(t, err)

		_, err = e.Unlink(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("gcp_1", "vm-7")})
		assert.ErrorIs(t, err, ErrNotSingleOwner)
	})

	t.Run("unknown target is not found", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		seedLinked(t, e)

		_, err := e.Unlink(ctx, []models.RecordRef{ref("aws_1", "i-404")})
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("unlink then link restores the union", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		seedLinked(t, e)

		split, err := e.Unlink(ctx, []models.RecordRef{ref("aws_1", "i-1")})
		require.NoError(t, err)
		require.NotEmpty(t, split)

		merged, err := e.Link(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("ad_1", "CN=host-1")})
		require.NoError(t, err)

		entity, err := e.Get(ctx, merged)
		require.NoError(t, err)
		assert.Len(t, entity.Records, 3)

		entities, err := e.List(ctx)
		require.NoError(t, err)
		assert.Len(t, entities, 1)
	})
}

func TestTag(t *testing.T) {
	ctx := context.Background()

	t.Run("upserts by owner, name and applies_to", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		_, err := e.Ingest(ctx, rec("aws_1", "i-1"))
		require.NoError(t, err)

		id, err := e.Tag(ctx, []models.RecordRef{ref("aws_1", "i-1")}, "gui", "owner", []byte(`"alice"`))
		require.NoError(t, err)

		entity, err := e.Get(ctx, id)
		require.NoError(t, err)
		require.Len(t, entity.Tags, 1)
		assert.JSONEq(t, `"alice"`, string(entity.Tags[0].Value))

		// Same identity replaces, different name appends.
		_, err = e.Tag(ctx, []models.RecordRef{ref("aws_1", "i-1")}, "gui", "owner", []byte(`"bob"`))
		require.NoError(t, err)
		_, err = e.Tag(ctx, []models.RecordRef{ref("aws_1", "i-1")}, "gui", "env", []byte(`"prod"`))
		require.NoError(t, err)

		entity, err = e.Get(ctx, id)
		require.NoError(t, err)
		require.Len(t, entity.Tags, 2)
		assert.JSONEq(t, `"bob"`, string(entity.Tags[0].Value))
	})

	t.Run("targets spanning entities are ambiguous", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		require.NoError(t, e.IngestBatch(ctx, []models.SourceRecord{
			rec("aws_1", "i-1"), rec("ad_1", "CN=host-1"),
		}))

		_, err := e.Tag(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("ad_1", "CN=host-1")}, "gui", "owner", []byte(`"x"`))
		assert.ErrorIs(t, err, ErrAmbiguousTarget)
	})

	t.Run("link dedups tags keeping the newest", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		require.NoError(t, e.IngestBatch(ctx, []models.SourceRecord{
			rec("aws_1", "i-1"), rec("ad_1", "CN=host-1"),
		}))

		_, err := e.Tag(ctx, []models.RecordRef{ref("aws_1", "i-1")}, "gui", "owner", []byte(`"old"`))
		require.NoError(t, err)
		_, err = e.Tag(ctx, []models.RecordRef{ref("ad_1", "CN=host-1")}, "gui", "owner", []byte(`"new"`))
		require.NoError(t, err)

		merged, err := e.Link(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("ad_1", "CN=host-1")})
		require.NoError(t, err)

		entity, err := e.Get(ctx, merged)
		require.NoError(t, err)
		// Different applies_to means different identities; both survive.
		assert.Len(t, entity.Tags, 2)
	})
}

func TestPersistenceFailure(t *testing.T) {
	ctx := context.Background()

	e, mirror, notifier := newTestEngine(t)
	_, err := e.Ingest(ctx, rec("aws_1", "i-1"))
	require.NoError(t, err)
	_, err = e.Ingest(ctx, rec("ad_1", "CN=host-1"))
	require.NoError(t, err)

	mirror.applyErr = errors.New("connection refused")

	_, err = e.Link(ctx, []models.RecordRef{ref("aws_1", "i-1"), ref("ad_1", "CN=host-1")})
	require.Error(t, err)
	assert.False(t, IsPrecondition(err))

	// In-memory mutation is retained; next commit rewrites the full mirror.
	entities, listErr := e.List(ctx)
	require.NoError(t, listErr)
	assert.Len(t, entities, 1)

	assert.Contains(t, notifier.alerts, events.AlertPersistence)
}

func TestFindAndGet(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	id, err := e.Ingest(ctx, rec("aws_1", "i-1"))
	require.NoError(t, err)

	t.Run("find by source record", func(t *testing.T) {
		entity, err := e.FindBySourceRecord(ctx, ref("aws_1", "i-1"))
		require.NoError(t, err)
		assert.Equal(t, id, entity.EntityID)

		_, err = e.FindBySourceRecord(ctx, ref("aws_1", "i-404"))
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("returned entities are copies", func(t *testing.T) {
		entity, err := e.Get(ctx, id)
		require.NoError(t, err)
		entity.Records["rogue"] = rec("rogue", "x")

		again, err := e.Get(ctx, id)
		require.NoError(t, err)
		assert.Len(t, again.Records, 1)
	})
}
