// Package currentstate persists the full partition snapshot. Writes are a
// delete-all plus insert-all in one transaction so readers of the table only
// ever see a complete, consistent partition.
package currentstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const insertChunkSize = 500

// Repository handles current state persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new current state repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type row struct {
	EntityID    string                              `db:"entity_id"`
	AccurateFor time.Time                           `db:"accurate_for"`
	Doc         database.JSONB[models.MergedEntity] `db:"doc"`
	WrittenAt   time.Time                           `db:"written_at"`
}

// ReplaceAll replaces the stored snapshot with the given partition.
func (r *Repository) ReplaceAll(ctx context.Context, entities []*models.MergedEntity) error {
	ctx, span := tracing.StartSpan(ctx, "currentstate.Repository.ReplaceAll")
	defer span.End()

	ctxTx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin current state transaction")
	}
	defer tx.Rollback(ctxTx)

	db := database.NewDeleteBuilder()
	db.DeleteFrom("current_state")
	query, args := db.Build()
	if _, err := tx.ExecContext(ctxTx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to clear current state")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to clear current state")
	}

	now := time.Now().UTC()
	for start := 0; start < len(entities); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(entities) {
			end = len(entities)
		}

		sb := database.NewInsertBuilder()
		sb.InsertInto("current_state")
		sb.Cols("entity_id", "accurate_for", "doc", "written_at")
		for _, entity := range entities[start:end] {
			doc, err := json.Marshal(entity)
			if err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"entity_id": entity.EntityID,
				}).Error("Failed to marshal entity doc")
				return httperror.NewHTTPError(http.StatusInternalServerError, "failed to marshal entity doc")
			}
			sb.Values(entity.EntityID, entity.AccurateFor, doc, now)
		}

		query, args := sb.Build()
		if _, err := tx.ExecContext(ctxTx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to write current state")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to write current state")
		}
	}

	if err := tx.Commit(ctxTx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit current state")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_count": len(entities),
	}).Debug("Replaced current state")
	return nil
}

// ListAll returns the stored partition snapshot.
func (r *Repository) ListAll(ctx context.Context) ([]*models.MergedEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "currentstate.Repository.ListAll")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("entity_id", "accurate_for", "doc", "written_at")
	sb.From("current_state")
	sb.OrderBy("entity_id")

	query, args := sb.Build()
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list current state")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list current state")
	}

	entities := make([]*models.MergedEntity, 0, len(rows))
	for _, rw := range rows {
		entity := rw.Doc.GetValue()
		entities = append(entities, &entity)
	}
	return entities, nil
}

// Count returns the number of stored entities.
func (r *Repository) Count(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "currentstate.Repository.Count")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("current_state")

	query, args := sb.Build()
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count current state")
	}
	return count, nil
}
