package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeFetcher struct {
	mu         sync.Mutex
	clients    []models.AdapterClient
	clientsErr error
	batches    map[string]*models.RawBatch
	batchErr   error
	fetchCount int
}

func (f *fakeFetcher) Clients(ctx context.Context) ([]models.AdapterClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clientsErr != nil {
		return nil, f.clientsErr
	}
	return f.clients, nil
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, clientLabel string) (*models.RawBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCount++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return f.batches[clientLabel], nil
}

func (f *fakeFetcher) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCount
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]models.SourceRecord
}

func (s *fakeSink) IngestBatch(ctx context.Context, recs []models.SourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, recs)
	return nil
}

func (s *fakeSink) records() []models.SourceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.SourceRecord
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

type fakeRegistry struct {
	mu        sync.Mutex
	instances []models.AdapterInstance
	err       error
}

func (r *fakeRegistry) List(ctx context.Context) ([]models.AdapterInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.instances, nil
}

func (r *fakeRegistry) set(instances []models.AdapterInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = instances
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {})
}

func TestParser(t *testing.T) {
	instance := models.AdapterInstance{
		SourceID:    "aws_1",
		AdapterType: "aws",
	}

	t.Run("extracts default id field", func(t *testing.T) {
		p, err := NewParser(instance)
		require.NoError(t, err)

		capturedAt := time.Now().UTC()
		rec, err := p.Parse(map[string]any{"id": "i-123", "name": "web"}, "prod", capturedAt)
		require.NoError(t, err)

		assert.Equal(t, "aws_1", rec.SourceID)
		assert.Equal(t, "aws", rec.AdapterType)
		assert.Equal(t, "i-123", rec.LocalID)
		assert.Equal(t, "prod", rec.ClientLabel)
		assert.Equal(t, capturedAt, rec.CapturedAt)
		assert.JSONEq(t, `{"id":"i-123","name":"web"}`, string(rec.Payload))
	})

	t.Run("extracts nested path", func(t *testing.T) {
		nested := instance
		nested.LocalIDPath = "metadata.instance_id"
		p, err := NewParser(nested)
		require.NoError(t, err)

		rec, err := p.Parse(map[string]any{
			"metadata": map[string]any{"instance_id": "i-456"},
		}, "prod", time.Now())
		require.NoError(t, err)
		assert.Equal(t, "i-456", rec.LocalID)
	})

	t.Run("formats numeric ids", func(t *testing.T) {
		p, err := NewParser(instance)
		require.NoError(t, err)

		rec, err := p.Parse(map[string]any{"id": float64(42)}, "prod", time.Now())
		require.NoError(t, err)
		assert.Equal(t, "42", rec.LocalID)
	})

	t.Run("rejects missing id", func(t *testing.T) {
		p, err := NewParser(instance)
		require.NoError(t, err)

		_, err = p.Parse(map[string]any{"name": "orphan"}, "prod", time.Now())
		assert.Error(t, err)
	})

	t.Run("rejects empty id", func(t *testing.T) {
		p, err := NewParser(instance)
		require.NoError(t, err)

		_, err = p.Parse(map[string]any{"id": ""}, "prod", time.Now())
		assert.Error(t, err)
	})

	t.Run("rejects invalid expression", func(t *testing.T) {
		bad := instance
		bad.LocalIDPath = "[[["
		_, err := NewParser(bad)
		assert.Error(t, err)
	})

	t.Run("batch keeps good items and reports bad ones", func(t *testing.T) {
		p, err := NewParser(instance)
		require.NoError(t, err)

		batch := &models.RawBatch{
			ClientLabel: "prod",
			Items: []map[string]any{
				{"id": "a"},
				{"name": "no-id"},
				{"id": "b"},
			},
		}
		records, errs := p.ParseBatch(batch, time.Now())
		assert.Len(t, records, 2)
		assert.Len(t, errs, 1)
		assert.Equal(t, "a", records[0].LocalID)
		assert.Equal(t, "b", records[1].LocalID)
	})
}

func TestLoopCycle(t *testing.T) {
	instance := models.AdapterInstance{SourceID: "aws_1", AdapterType: "aws"}
	parser, err := NewParser(instance)
	require.NoError(t, err)

	sem := make(chan struct{}, 1)

	t.Run("fetches every client and ingests", func(t *testing.T) {
		fetcher := &fakeFetcher{
			clients: []models.AdapterClient{{Label: "prod"}, {Label: "staging"}},
			batches: map[string]*models.RawBatch{
				"prod":    {ClientLabel: "prod", Items: []map[string]any{{"id": "p1"}, {"id": "p2"}}},
				"staging": {ClientLabel: "staging", Items: []map[string]any{{"id": "s1"}}},
			},
		}
		sink := &fakeSink{}
		l := newLoop(instance, fetcher, parser, sink, sem, time.Hour, testLogger())

		l.cycle(context.Background())

		recs := sink.records()
		require.Len(t, recs, 3)
		labels := map[string]int{}
		for _, rec := range recs {
			labels[rec.ClientLabel]++
			assert.Equal(t, "aws_1", rec.SourceID)
		}
		assert.Equal(t, 2, labels["prod"])
		assert.Equal(t, 1, labels["staging"])
	})

	t.Run("offline adapter skips the cycle", func(t *testing.T) {
		fetcher := &fakeFetcher{clientsErr: adapters.ErrAdapterOffline}
		sink := &fakeSink{}
		l := newLoop(instance, fetcher, parser, sink, sem, time.Hour, testLogger())

		l.cycle(context.Background())

		assert.Empty(t, sink.batches)
	})

	t.Run("fetch failure mid cycle stops the cycle", func(t *testing.T) {
		fetcher := &fakeFetcher{
			clients:  []models.AdapterClient{{Label: "prod"}},
			batchErr: adapters.ErrAdapterOffline,
		}
		sink := &fakeSink{}
		l := newLoop(instance, fetcher, parser, sink, sem, time.Hour, testLogger())

		l.cycle(context.Background())

		assert.Empty(t, sink.batches)
	})

	t.Run("bad items are dropped without losing the rest", func(t *testing.T) {
		fetcher := &fakeFetcher{
			clients: []models.AdapterClient{{Label: "prod"}},
			batches: map[string]*models.RawBatch{
				"prod": {ClientLabel: "prod", Items: []map[string]any{{"id": "ok"}, {"broken": true}}},
			},
		}
		sink := &fakeSink{}
		l := newLoop(instance, fetcher, parser, sink, sem, time.Hour, testLogger())

		l.cycle(context.Background())

		recs := sink.records()
		require.Len(t, recs, 1)
		assert.Equal(t, "ok", recs[0].LocalID)
	})
}

func TestManager(t *testing.T) {
	newManager := func(registry *fakeRegistry, sink Sink, fetchers map[string]*fakeFetcher) *Manager {
		factory := func(instance models.AdapterInstance) Fetcher {
			if f, ok := fetchers[instance.SourceID]; ok {
				return f
			}
			return &fakeFetcher{}
		}
		return NewManager(registry, factory, sink, Config{
			PollInterval:      20 * time.Millisecond,
			WorkerCount:       4,
			DefaultSampleRate: time.Hour,
		}, testLogger())
	}

	t.Run("starts a loop per registered adapter", func(t *testing.T) {
		registry := &fakeRegistry{instances: []models.AdapterInstance{
			{SourceID: "aws_1", AdapterType: "aws"},
			{SourceID: "ad_1", AdapterType: "active_directory"},
		}}
		fetchers := map[string]*fakeFetcher{
			"aws_1": {clients: []models.AdapterClient{{Label: "prod"}}, batches: map[string]*models.RawBatch{
				"prod": {Items: []map[string]any{{"id": "a"}}},
			}},
			"ad_1": {},
		}
		sink := &fakeSink{}
		m := newManager(registry, sink, fetchers)

		require.NoError(t, m.Start(context.Background()))
		defer m.Stop(context.Background())

		require.Eventually(t, func() bool {
			return m.LoopCount() == 2
		}, time.Second, 5*time.Millisecond)

		require.Eventually(t, func() bool {
			return len(sink.records()) >= 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("removes loops for vanished adapters", func(t *testing.T) {
		registry := &fakeRegistry{instances: []models.AdapterInstance{
			{SourceID: "aws_1", AdapterType: "aws"},
		}}
		m := newManager(registry, &fakeSink{}, nil)

		require.NoError(t, m.Start(context.Background()))
		defer m.Stop(context.Background())

		require.Eventually(t, func() bool {
			return m.LoopCount() == 1
		}, time.Second, 5*time.Millisecond)

		registry.set(nil)
		require.Eventually(t, func() bool {
			return m.LoopCount() == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("restarts loop when instance config changes", func(t *testing.T) {
		registry := &fakeRegistry{instances: []models.AdapterInstance{
			{SourceID: "aws_1", AdapterType: "aws", SampleRateSeconds: 3600},
		}}
		m := newManager(registry, &fakeSink{}, nil)

		require.NoError(t, m.Start(context.Background()))
		defer m.Stop(context.Background())

		require.Eventually(t, func() bool {
			return m.LoopCount() == 1
		}, time.Second, 5*time.Millisecond)

		registry.set([]models.AdapterInstance{
			{SourceID: "aws_1", AdapterType: "aws", SampleRateSeconds: 7200},
		})
		require.Eventually(t, func() bool {
			m.mu.RLock()
			defer m.mu.RUnlock()
			l, ok := m.loops["aws_1"]
			return ok && l.instance.SampleRateSeconds == 7200
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("rescan fires every loop", func(t *testing.T) {
		registry := &fakeRegistry{instances: []models.AdapterInstance{
			{SourceID: "aws_1", AdapterType: "aws"},
		}}
		fetcher := &fakeFetcher{clients: []models.AdapterClient{{Label: "prod"}}, batches: map[string]*models.RawBatch{
			"prod": {Items: []map[string]any{{"id": "a"}}},
		}}
		sink := &fakeSink{}
		m := newManager(registry, sink, map[string]*fakeFetcher{"aws_1": fetcher})

		require.NoError(t, m.Start(context.Background()))
		defer m.Stop(context.Background())

		require.Eventually(t, func() bool {
			return fetcher.fetches() >= 1
		}, time.Second, 5*time.Millisecond)
		before := fetcher.fetches()

		count, err := m.Rescan(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		require.Eventually(t, func() bool {
			return fetcher.fetches() > before
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("rescan after stop fails", func(t *testing.T) {
		registry := &fakeRegistry{}
		m := newManager(registry, &fakeSink{}, nil)

		require.NoError(t, m.Start(context.Background()))
		require.NoError(t, m.Stop(context.Background()))

		_, err := m.Rescan(context.Background())
		assert.ErrorIs(t, err, ErrManagerStopped)
	})

	t.Run("double start fails", func(t *testing.T) {
		registry := &fakeRegistry{}
		m := newManager(registry, &fakeSink{}, nil)

		require.NoError(t, m.Start(context.Background()))
		defer m.Stop(context.Background())

		assert.ErrorIs(t, m.Start(context.Background()), ErrManagerAlreadyRunning)
	})
}
