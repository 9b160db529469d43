// Package ingestion schedules periodic snapshot fetches: one interval loop
// per registered adapter instance, driven by polling the adapter registry.
package ingestion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrManagerStopped is returned when the manager is stopped
	ErrManagerStopped = errors.New("ingestion manager stopped")
	// ErrManagerAlreadyRunning is returned when trying to start a running manager
	ErrManagerAlreadyRunning = errors.New("ingestion manager already running")
)

// RegistryLister polls the adapter registry.
type RegistryLister interface {
	List(ctx context.Context) ([]models.AdapterInstance, error)
}

// FetcherFactory builds a fetcher for one adapter instance.
type FetcherFactory func(instance models.AdapterInstance) Fetcher

// Config holds ingestion manager configuration
type Config struct {
	// PollInterval is how often to reconcile against the registry
	PollInterval time.Duration
	// WorkerCount bounds concurrent fetch cycles across all adapters
	WorkerCount int
	// DefaultSampleRate is used when an instance does not set one
	DefaultSampleRate time.Duration
}

// Manager reconciles running loops against the registry: new instances get a
// loop, vanished instances lose theirs, changed instances restart.
type Manager struct {
	registry   RegistryLister
	newFetcher FetcherFactory
	sink       Sink
	config     Config
	logger     ectologger.Logger

	sem   chan struct{}
	loops map[string]*loop // keyed by source_id

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewManager creates an ingestion manager
func NewManager(
	registry RegistryLister,
	newFetcher FetcherFactory,
	sink Sink,
	config Config,
	logger ectologger.Logger,
) *Manager {
	if config.PollInterval <= 0 {
		config.PollInterval = 60 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 10
	}
	if config.DefaultSampleRate <= 0 {
		config.DefaultSampleRate = 60 * time.Second
	}

	return &Manager{
		registry:   registry,
		newFetcher: newFetcher,
		sink:       sink,
		config:     config,
		logger:     logger,
		sem:        make(chan struct{}, config.WorkerCount),
		loops:      make(map[string]*loop),
		stopCh:     make(chan struct{}),
		stoppedC:   make(chan struct{}),
	}
}

// Start starts the registry poll loop
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrManagerAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	m.logger.WithContext(ctx).Infof("Starting ingestion manager: poll_interval=%s workers=%d",
		m.config.PollInterval, m.config.WorkerCount)

	go m.pollLoop(ctx)
	return nil
}

// Stop stops the manager and every adapter loop
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.stoppedC:
	case <-ctx.Done():
		m.logger.WithContext(ctx).Warn("Ingestion manager shutdown timed out")
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for sourceID, l := range m.loops {
		l.stop()
		delete(m.loops, sourceID)
	}
	m.logger.WithContext(ctx).Info("Ingestion manager stopped")
	return nil
}

// IsRunning returns whether the manager is running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Rescan fires every adapter loop immediately. Cycles still serialize
// through the engine; this only skips the wait for the next tick.
func (m *Manager) Rescan(ctx context.Context) (int, error) {
	_, span := tracing.StartSpan(ctx, "ingestion.Manager.Rescan")
	defer span.End()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return 0, ErrManagerStopped
	}
	for _, l := range m.loops {
		l.fire()
	}
	return len(m.loops), nil
}

func (m *Manager) pollLoop(ctx context.Context) {
	defer close(m.stoppedC)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	m.reconcile(ctx)

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

// reconcile diffs the registry listing against the running loops.
func (m *Manager) reconcile(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Manager.reconcile")
	defer span.End()

	instances, err := m.registry.List(ctx)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Error("Failed to poll adapter registry")
		return
	}

	wanted := make(map[string]models.AdapterInstance, len(instances))
	for _, instance := range instances {
		wanted[instance.SourceID] = instance
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for sourceID, l := range m.loops {
		instance, ok := wanted[sourceID]
		if ok && instance == l.instance {
			continue
		}
		l.stop()
		delete(m.loops, sourceID)
		if !ok {
			m.logger.WithContext(ctx).WithFields(map[string]any{
				"source_id": sourceID,
			}).Info("Adapter gone from registry; loop removed")
		}
	}

	for sourceID, instance := range wanted {
		if _, ok := m.loops[sourceID]; ok {
			continue
		}
		if err := m.startLoop(ctx, instance); err != nil {
			m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"source_id": sourceID,
			}).Error("Failed to start adapter loop")
		}
	}
}

func (m *Manager) startLoop(ctx context.Context, instance models.AdapterInstance) error {
	parser, err := NewParser(instance)
	if err != nil {
		return err
	}

	l := newLoop(
		instance,
		m.newFetcher(instance),
		parser,
		m.sink,
		m.sem,
		instance.SampleRate(m.config.DefaultSampleRate),
		m.logger,
	)
	m.loops[instance.SourceID] = l
	l.start(ctx)

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"source_id":    instance.SourceID,
		"adapter_type": instance.AdapterType,
		"sample_rate":  instance.SampleRate(m.config.DefaultSampleRate).String(),
	}).Info("Adapter loop started")
	return nil
}

// LoopCount returns the number of running adapter loops.
func (m *Manager) LoopCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loops)
}
