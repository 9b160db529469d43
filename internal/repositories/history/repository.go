// Package history persists the append-only audit trail of partition-shape
// changes. Rows carry identifiers only.
package history

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository handles history persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new history repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Append writes audit rows. Entries without an id or timestamp get them here.
func (r *Repository) Append(ctx context.Context, entries []models.HistoryEntry) error {
	ctx, span := tracing.StartSpan(ctx, "history.Repository.Append")
	defer span.End()

	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UTC()
	sb := database.NewInsertBuilder()
	sb.InsertInto("history")
	sb.Cols("id", "entity_id", "change", "refs", "accurate_for", "recorded_at")
	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.RecordedAt.IsZero() {
			entry.RecordedAt = now
		}
		refs, err := json.Marshal(entry.Refs)
		if err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to marshal history refs")
		}
		sb.Values(entry.ID, entry.EntityID, string(entry.Change), refs, entry.AccurateFor, entry.RecordedAt)
	}

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to append history")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append history")
	}
	return nil
}

type row struct {
	ID          string                             `db:"id"`
	EntityID    string                             `db:"entity_id"`
	Change      string                             `db:"change"`
	Refs        database.JSONB[[]models.RecordRef] `db:"refs"`
	AccurateFor time.Time                          `db:"accurate_for"`
	RecordedAt  time.Time                          `db:"recorded_at"`
}

// ListByEntity returns the audit trail for one entity, newest first.
func (r *Repository) ListByEntity(ctx context.Context, entityID string, limit int) ([]models.HistoryEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "history.Repository.ListByEntity")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	sb := database.NewSelectBuilder()
	sb.Select("id", "entity_id", "change", "refs", "accurate_for", "recorded_at")
	sb.From("history")
	sb.Where(sb.Equal("entity_id", entityID))
	sb.OrderBy("recorded_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list history")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list history")
	}

	entries := make([]models.HistoryEntry, 0, len(rows))
	for _, rw := range rows {
		entries = append(entries, models.HistoryEntry{
			ID:          rw.ID,
			EntityID:    rw.EntityID,
			Change:      models.HistoryChange(rw.Change),
			Refs:        rw.Refs.GetValue(),
			AccurateFor: rw.AccurateFor,
			RecordedAt:  rw.RecordedAt,
		})
	}
	return entries, nil
}
