// Package events handles event emission for entity lifecycle changes
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Emitter publishes lifecycle and alert events to the entity events topic.
// Emission is fire-and-forget: a failed publish is logged, never surfaced to
// the operation that triggered it.
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EntityChanged emits a lifecycle event for one entity.
func (e *Emitter) EntityChanged(ctx context.Context, event Type, entity *models.MergedEntity) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EntityChanged")
	defer span.End()

	payload := &EntityEvent{
		EventType:     event,
		SchemaVersion: SchemaVersion,
		EntityID:      entity.EntityID,
		Entity:        entity,
		Timestamp:     time.Now().UTC(),
	}

	if err := e.producer.Publish(ctx, entity.EntityID, string(event), payload); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": event,
			"entity_id":  entity.EntityID,
		}).Error("Failed to emit entity event")
	}
}

// Alert emits an invariant-violation alert.
func (e *Emitter) Alert(ctx context.Context, event Type, detail map[string]any) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.Alert")
	defer span.End()

	payload := &AlertEvent{
		EventType:     event,
		SchemaVersion: SchemaVersion,
		Detail:        detail,
		Timestamp:     time.Now().UTC(),
	}

	if err := e.producer.Publish(ctx, string(event), string(event), payload); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": event,
		}).Error("Failed to emit alert event")
	}
}
