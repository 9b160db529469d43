package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func entity(id string, sources ...string) *models.MergedEntity {
	records := make(map[string]models.SourceRecord, len(sources))
	for _, s := range sources {
		records[s] = models.SourceRecord{SourceID: s, LocalID: "local-" + s, AdapterType: "test"}
	}
	return &models.MergedEntity{EntityID: id, Records: records, AccurateFor: time.Now()}
}

func TestPartition(t *testing.T) {
	t.Run("put indexes every record", func(t *testing.T) {
		p := NewPartition()
		p.Put(entity("e1", "aws_1", "ad_1"))

		owner, ok := p.Owner(models.RecordRef{SourceID: "aws_1", LocalID: "local-aws_1"})
		require.True(t, ok)
		assert.Equal(t, "e1", owner.EntityID)
	})

	t.Run("replacing an entity drops stale index entries", func(t *testing.T) {
		p := NewPartition()
		p.Put(entity("e1", "aws_1", "ad_1"))
		p.Put(entity("e1", "aws_1"))

		_, ok := p.Owner(models.RecordRef{SourceID: "ad_1", LocalID: "local-ad_1"})
		assert.False(t, ok)
	})

	t.Run("delete removes the entity and its index", func(t *testing.T) {
		p := NewPartition()
		p.Put(entity("e1", "aws_1"))
		p.Delete("e1")

		assert.Equal(t, 0, p.Len())
		_, ok := p.Owner(models.RecordRef{SourceID: "aws_1", LocalID: "local-aws_1"})
		assert.False(t, ok)
	})

	t.Run("snapshot is ordered and detached", func(t *testing.T) {
		p := NewPartition()
		p.Put(entity("b", "ad_1"))
		p.Put(entity("a", "aws_1"))

		snap := p.Snapshot()
		require.Len(t, snap, 2)
		assert.Equal(t, "a", snap[0].EntityID)
		assert.Equal(t, "b", snap[1].EntityID)

		snap[0].Records["rogue"] = models.SourceRecord{SourceID: "rogue", LocalID: "x"}
		stored, _ := p.Entity("a")
		assert.Len(t, stored.Records, 1)
	})

	t.Run("load replaces existing state", func(t *testing.T) {
		p := NewPartition()
		p.Put(entity("old", "aws_1"))
		p.Load([]*models.MergedEntity{entity("new", "ad_1")})

		assert.Equal(t, 1, p.Len())
		_, ok := p.Entity("old")
		assert.False(t, ok)
	})
}

type countingState struct {
	calls    int
	failures int
	replaced [][]*models.MergedEntity
}

func (s *countingState) ReplaceAll(ctx context.Context, entities []*models.MergedEntity) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("deadlock detected")
	}
	s.replaced = append(s.replaced, entities)
	return nil
}

func (s *countingState) ListAll(ctx context.Context) ([]*models.MergedEntity, error) {
	return nil, nil
}

type nopAppender struct{ err error }

func (a *nopAppender) Append(ctx context.Context, entries []models.HistoryEntry) error { return a.err }

type nopRawLog struct{ err error }

func (a *nopRawLog) Append(ctx context.Context, records []models.SourceRecord) error { return a.err }

func newTestMirror(state StateRepository, attempts int) *Mirror {
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {})
	return NewMirror(logger, state, &nopAppender{}, &nopRawLog{}, nil, nil, attempts, time.Millisecond)
}

func TestMirrorApply(t *testing.T) {
	ctx := context.Background()

	t.Run("retries the current state write until it lands", func(t *testing.T) {
		state := &countingState{failures: 2}
		m := newTestMirror(state, 3)

		err := m.Apply(ctx, Commit{Snapshot: []*models.MergedEntity{entity("e1", "aws_1")}})
		require.NoError(t, err)
		assert.Equal(t, 3, state.calls)
	})

	t.Run("returns the final error after exhausting retries", func(t *testing.T) {
		state := &countingState{failures: 10}
		m := newTestMirror(state, 3)

		err := m.Apply(ctx, Commit{Snapshot: []*models.MergedEntity{entity("e1", "aws_1")}})
		require.Error(t, err)
		assert.Equal(t, 3, state.calls)
	})

	t.Run("append failure fails the commit before the state write", func(t *testing.T) {
		state := &countingState{}
		logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {})
		m := NewMirror(logger, state, &nopAppender{}, &nopRawLog{err: errors.New("disk full")}, nil, nil, 2, time.Millisecond)

		err := m.Apply(ctx, Commit{
			Snapshot: []*models.MergedEntity{entity("e1", "aws_1")},
			Raw:      []models.SourceRecord{{SourceID: "aws_1", LocalID: "i-1"}},
		})
		require.Error(t, err)
		assert.Equal(t, 0, state.calls)
	})
}
