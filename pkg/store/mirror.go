package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Commit is everything one mutating engine batch needs persisted: the full
// partition snapshot for the current-state mirror, append-only rows, and the
// delta for the best-effort read replicas.
type Commit struct {
	Snapshot []*models.MergedEntity
	Raw      []models.SourceRecord
	History  []models.HistoryEntry
	Touched  []*models.MergedEntity
	Removed  []string
}

// StateRepository is the current-state mirror: full replace per commit.
type StateRepository interface {
	ReplaceAll(ctx context.Context, entities []*models.MergedEntity) error
	ListAll(ctx context.Context) ([]*models.MergedEntity, error)
}

// HistoryRepository appends audit rows.
type HistoryRepository interface {
	Append(ctx context.Context, entries []models.HistoryEntry) error
}

// RawLogRepository appends full ingested payloads.
type RawLogRepository interface {
	Append(ctx context.Context, records []models.SourceRecord) error
}

// GraphMirror shadows the partition shape into the graph database.
type GraphMirror interface {
	Sync(ctx context.Context, touched []*models.MergedEntity, removed []string) error
}

// RecordReplica shadows the record -> entity index for fast lookups. Records
// only ever move between entities, so repointing touched entities is enough.
type RecordReplica interface {
	SetOwners(ctx context.Context, entities []*models.MergedEntity) error
}

// Mirror orchestrates the durable and best-effort mirrors for each commit.
// The durable write retries with backoff; the engine calls Apply while still
// holding its lock, so a commit either lands or the operation fails loudly.
type Mirror struct {
	logger  ectologger.Logger
	state   StateRepository
	history HistoryRepository
	raw     RawLogRepository
	graph   GraphMirror   // optional
	replica RecordReplica // optional

	maxAttempts int
	retryDelay  time.Duration
}

// NewMirror creates a mirror. graph and replica may be nil.
func NewMirror(
	logger ectologger.Logger,
	state StateRepository,
	history HistoryRepository,
	raw RawLogRepository,
	graph GraphMirror,
	replica RecordReplica,
	maxAttempts int,
	retryDelay time.Duration,
) *Mirror {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Mirror{
		logger:      logger,
		state:       state,
		history:     history,
		raw:         raw,
		graph:       graph,
		replica:     replica,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// Load reads the persisted snapshot for warm start.
func (m *Mirror) Load(ctx context.Context) ([]*models.MergedEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "store.Mirror.Load")
	defer span.End()

	return m.state.ListAll(ctx)
}

// Apply persists one commit. The raw log and history rows land first, then
// the current-state replace with bounded retry. Read replicas are refreshed
// best-effort after the durable write succeeds.
func (m *Mirror) Apply(ctx context.Context, c Commit) error {
	ctx, span := tracing.StartSpan(ctx, "store.Mirror.Apply")
	defer span.End()

	log := m.logger.WithContext(ctx)
	start := time.Now()

	if len(c.Raw) > 0 {
		if err := m.appendWithRetry(ctx, "raw_log", func() error {
			return m.raw.Append(ctx, c.Raw)
		}); err != nil {
			metrics.RecordPersist(time.Since(start).Seconds(), m.maxAttempts-1, true)
			return fmt.Errorf("failed to append raw log: %w", err)
		}
	}

	if len(c.History) > 0 {
		if err := m.appendWithRetry(ctx, "history", func() error {
			return m.history.Append(ctx, c.History)
		}); err != nil {
			metrics.RecordPersist(time.Since(start).Seconds(), m.maxAttempts-1, true)
			return fmt.Errorf("failed to append history: %w", err)
		}
	}

	retries := 0
	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err = m.state.ReplaceAll(ctx, c.Snapshot)
		if err == nil {
			break
		}
		if attempt < m.maxAttempts {
			retries++
			log.WithError(err).WithFields(map[string]any{
				"attempt": attempt,
			}).Warn("Current state write failed; retrying")
			time.Sleep(m.retryDelay * time.Duration(attempt))
		}
	}
	metrics.RecordPersist(time.Since(start).Seconds(), retries, err != nil)
	if err != nil {
		return fmt.Errorf("failed to replace current state after %d attempts: %w", m.maxAttempts, err)
	}

	m.refreshReplicas(ctx, c)
	return nil
}

func (m *Mirror) appendWithRetry(ctx context.Context, name string, write func() error) error {
	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err = write()
		if err == nil {
			return nil
		}
		if attempt < m.maxAttempts {
			m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"collection": name,
				"attempt":    attempt,
			}).Warn("Append failed; retrying")
			time.Sleep(m.retryDelay * time.Duration(attempt))
		}
	}
	return err
}

// refreshReplicas updates the graph mirror and the record replica. Failures
// are logged and counted but never fail the commit; the replicas are allowed
// to lag one mutation cycle.
func (m *Mirror) refreshReplicas(ctx context.Context, c Commit) {
	log := m.logger.WithContext(ctx)

	if m.graph != nil && (len(c.Touched) > 0 || len(c.Removed) > 0) {
		if err := m.graph.Sync(ctx, c.Touched, c.Removed); err != nil {
			log.WithError(err).Warn("Graph mirror sync failed; replica will lag")
		}
	}

	if m.replica != nil && len(c.Touched) > 0 {
		if err := m.replica.SetOwners(ctx, c.Touched); err != nil {
			log.WithError(err).Warn("Record replica refresh failed; replica will lag")
		}
	}
}
