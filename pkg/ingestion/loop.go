package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Fetcher is the adapter surface one loop needs.
type Fetcher interface {
	Clients(ctx context.Context) ([]models.AdapterClient, error)
	FetchBatch(ctx context.Context, clientLabel string) (*models.RawBatch, error)
}

// Sink receives parsed record batches. The engine implements it.
type Sink interface {
	IngestBatch(ctx context.Context, recs []models.SourceRecord) error
}

// loop runs the fetch cycle for one adapter instance on its own ticker.
// The trigger channel forces an immediate cycle (rescan).
type loop struct {
	instance models.AdapterInstance
	fetcher  Fetcher
	parser   *Parser
	sink     Sink
	sem      chan struct{}
	interval time.Duration
	logger   ectologger.Logger

	trigger  chan struct{}
	stopCh   chan struct{}
	stoppedC chan struct{}
}

func newLoop(
	instance models.AdapterInstance,
	fetcher Fetcher,
	parser *Parser,
	sink Sink,
	sem chan struct{},
	interval time.Duration,
	logger ectologger.Logger,
) *loop {
	return &loop{
		instance: instance,
		fetcher:  fetcher,
		parser:   parser,
		sink:     sink,
		sem:      sem,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

func (l *loop) start(ctx context.Context) {
	go l.run(ctx)
}

func (l *loop) stop() {
	close(l.stopCh)
	<-l.stoppedC
}

// fire requests an immediate cycle without waiting for the ticker. A cycle
// already pending coalesces with the new request.
func (l *loop) fire() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

func (l *loop) run(ctx context.Context) {
	defer close(l.stoppedC)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	// First cycle on start, so a fresh adapter shows up without waiting a
	// full period.
	l.cycle(ctx)

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cycle(ctx)
		case <-l.trigger:
			l.cycle(ctx)
		}
	}
}

// cycle fetches, parses and ingests one snapshot. The semaphore bounds how
// many adapters fetch at once; the engine lock is never held during fetch.
func (l *loop) cycle(ctx context.Context) {
	select {
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
	case <-l.stopCh:
		return
	case <-ctx.Done():
		return
	}

	ctx, span := tracing.StartSpan(ctx, "ingestion.loop.cycle")
	defer span.End()

	log := l.logger.WithContext(ctx).WithFields(map[string]any{
		"source_id":    l.instance.SourceID,
		"adapter_type": l.instance.AdapterType,
	})

	start := time.Now()

	clients, err := l.fetcher.Clients(ctx)
	if err != nil {
		l.skip(log, err)
		return
	}

	capturedAt := time.Now().UTC()
	total := 0
	for _, client := range clients {
		batch, err := l.fetcher.FetchBatch(ctx, client.Label)
		if err != nil {
			l.skip(log, err)
			return
		}

		records, parseErrs := l.parser.ParseBatch(batch, capturedAt)
		for _, perr := range parseErrs {
			log.WithError(perr).WithFields(map[string]any{
				"client_label": client.Label,
			}).Error("Rejected raw item")
			metrics.RecordIngest(l.instance.SourceID, "parse_error")
		}
		if len(records) == 0 {
			continue
		}

		if err := l.sink.IngestBatch(ctx, records); err != nil {
			log.WithError(err).WithFields(map[string]any{
				"client_label": client.Label,
				"record_count": len(records),
			}).Error("Failed to ingest batch")
			return
		}
		total += len(records)
	}

	metrics.RecordFetchCycle(l.instance.SourceID, time.Since(start).Seconds())
	log.WithFields(map[string]any{
		"record_count": total,
		"duration":     time.Since(start).String(),
	}).Debug("Fetch cycle completed")
}

// skip logs an unreachable adapter and leaves the partition untouched until
// the next cycle.
func (l *loop) skip(log ectologger.Logger, err error) {
	reason := "error"
	switch {
	case errors.Is(err, adapters.ErrAdapterOffline):
		reason = "offline"
	case errors.Is(err, adapters.ErrClientsUnavailable):
		reason = "clients_unavailable"
	}
	metrics.RecordSkippedCycle(l.instance.SourceID, reason)
	log.WithError(err).Warn("Skipping fetch cycle")
}
