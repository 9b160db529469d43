// Package rawlog persists every ingested record in full, before and
// regardless of its effect on the partition.
package rawlog

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const insertChunkSize = 500

// Repository handles raw log persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new raw log repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Append writes one row per ingested record.
func (r *Repository) Append(ctx context.Context, records []models.SourceRecord) error {
	ctx, span := tracing.StartSpan(ctx, "rawlog.Repository.Append")
	defer span.End()

	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for start := 0; start < len(records); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(records) {
			end = len(records)
		}

		sb := database.NewInsertBuilder()
		sb.InsertInto("raw_log")
		sb.Cols("id", "source_id", "adapter_type", "local_id", "client_label", "payload", "captured_at", "recorded_at")
		for _, rec := range records[start:end] {
			sb.Values(uuid.NewString(), rec.SourceID, rec.AdapterType, rec.LocalID, rec.ClientLabel, []byte(rec.Payload), rec.CapturedAt, now)
		}

		query, args := sb.Build()
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to append raw log")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append raw log")
		}
	}
	return nil
}

// ListByRef returns the capture history for one record identity, newest first.
func (r *Repository) ListByRef(ctx context.Context, ref models.RecordRef, limit int) ([]models.SourceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "rawlog.Repository.ListByRef")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	sb := database.NewSelectBuilder()
	sb.Select("source_id", "adapter_type", "local_id", "client_label", "payload", "captured_at")
	sb.From("raw_log")
	sb.Where(
		sb.Equal("source_id", ref.SourceID),
		sb.Equal("local_id", ref.LocalID),
	)
	sb.OrderBy("recorded_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	var records []models.SourceRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list raw log")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list raw log")
	}
	return records, nil
}
