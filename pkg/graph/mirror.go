package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Mirror shadows the partition into the graph: one (:Entity) node per merged
// entity, one (:Record) node per source record, connected by [:BELONGS_TO]
// edges. Each entity node also carries the full entity doc for fast reads.
type Mirror struct {
	client *Client
	logger ectologger.Logger
}

// NewMirror creates a new graph mirror
func NewMirror(client *Client, logger ectologger.Logger) *Mirror {
	return &Mirror{
		client: client,
		logger: logger,
	}
}

// Sync upserts touched entities and removes absorbed ones.
func (m *Mirror) Sync(ctx context.Context, touched []*models.MergedEntity, removed []string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Mirror.Sync")
	defer span.End()

	for _, entity := range touched {
		if err := m.upsertEntity(ctx, entity); err != nil {
			return err
		}
	}
	for _, entityID := range removed {
		if err := m.removeEntity(ctx, entityID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) upsertEntity(ctx context.Context, entity *models.MergedEntity) error {
	doc, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal entity doc: %w", err)
	}

	refs := make([]map[string]any, 0, len(entity.Records))
	for _, rec := range entity.Records {
		refs = append(refs, map[string]any{
			"source_id": rec.SourceID,
			"local_id":  rec.LocalID,
		})
	}

	// A record node can only belong to one entity; drop edges pointing
	// anywhere else before merging the new ones.
	cypher := `
		MERGE (e:Entity {entity_id: $entity_id})
		SET e.accurate_for = $accurate_for,
		    e.record_count = $record_count,
		    e.doc = $doc
		WITH e
		UNWIND $refs AS ref
		MERGE (r:Record {source_id: ref.source_id, local_id: ref.local_id})
		WITH e, r
		OPTIONAL MATCH (r)-[old:BELONGS_TO]->(other:Entity)
		WHERE other.entity_id <> e.entity_id
		DELETE old
		MERGE (r)-[:BELONGS_TO]->(e)
	`

	_, err = m.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"entity_id":    entity.EntityID,
			"accurate_for": entity.AccurateFor.UTC().Format(time.RFC3339),
			"record_count": len(entity.Records),
			"doc":          string(doc),
			"refs":         refs,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id": entity.EntityID,
		}).Error("Failed to upsert entity in graph")
		return fmt.Errorf("failed to upsert entity in graph: %w", err)
	}
	return nil
}

func (m *Mirror) removeEntity(ctx context.Context, entityID string) error {
	cypher := `
		MATCH (e:Entity {entity_id: $entity_id})
		DETACH DELETE e
	`

	_, err := m.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"entity_id": entityID})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id": entityID,
		}).Error("Failed to remove entity from graph")
		return fmt.Errorf("failed to remove entity from graph: %w", err)
	}
	return nil
}

// Entity reads one entity doc from the graph. Returns nil when the node is
// missing or carries no doc; callers fall back to the engine.
func (m *Mirror) Entity(ctx context.Context, entityID string) (*models.MergedEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Mirror.Entity")
	defer span.End()

	cypher := `
		MATCH (e:Entity {entity_id: $entity_id})
		RETURN e.doc AS doc
	`

	result, err := m.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"entity_id": entityID})
		if err != nil {
			return nil, err
		}
		if result.Next(ctx) {
			doc, _ := result.Record().Get("doc")
			return doc, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read entity from graph: %w", err)
	}

	doc, ok := result.(string)
	if !ok || doc == "" {
		return nil, nil
	}

	var entity models.MergedEntity
	if err := json.Unmarshal([]byte(doc), &entity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph entity doc: %w", err)
	}
	return &entity, nil
}
