package entity

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/history"
	"github.com/Ramsey-B/fern/internal/repositories/rawlog"
	"github.com/Ramsey-B/fern/pkg/engine"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redisreplica"
	"github.com/Ramsey-B/fern/pkg/routes/merge"
)

// Register registers entity routes
func Register(g *echo.Group) {
	g.GET("", ListEntities)
	g.GET("/find", FindEntity)
	g.GET("/:id", GetEntity)
	g.GET("/:id/records", GetEntityRecords)
	g.GET("/:id/history", GetEntityHistory)
}

// ListEntities lists every merged entity
func ListEntities(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, eng, err := ectoinject.GetContext[*engine.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entities, err := eng.List(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.EntityListResponse{
		Items:      entities,
		TotalCount: len(entities),
	})
}

// GetEntity gets a merged entity by ID
func GetEntity(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	// Try the graph mirror first for fast reads
	ctx, mirror, err := ectoinject.GetContext[*graph.Mirror](ctx)
	if err == nil && mirror != nil {
		entity, err := mirror.Entity(ctx, id)
		if err == nil && entity != nil {
			return c.JSON(http.StatusOK, entity)
		}
	}

	// Fall back to the authoritative engine
	ctx, eng, err := ectoinject.GetContext[*engine.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entity, err := eng.Get(ctx, id)
	if err != nil {
		return merge.AsHTTPError(err)
	}

	return c.JSON(http.StatusOK, entity)
}

// FindEntity resolves a (source_id, local_id) pair to its owning entity
func FindEntity(c echo.Context) error {
	ctx := c.Request().Context()

	ref := models.RecordRef{
		SourceID: c.QueryParam("source_id"),
		LocalID:  c.QueryParam("local_id"),
	}
	if ref.SourceID == "" || ref.LocalID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "source_id and local_id query parameters are required")
	}

	ctx, eng, err := ectoinject.GetContext[*engine.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	// Replica fast path. The replica may lag one mutation cycle, so a hit is
	// re-read through the engine and a miss falls back to the engine index.
	ctx, replica, rerr := ectoinject.GetContext[*redisreplica.Client](ctx)
	if rerr == nil && replica != nil {
		entityID, err := replica.Lookup(ctx, ref)
		if err == nil && entityID != "" {
			if entity, err := eng.Get(ctx, entityID); err == nil {
				return c.JSON(http.StatusOK, entity)
			}
		}
	}

	entity, err := eng.FindBySourceRecord(ctx, ref)
	if err != nil {
		return merge.AsHTTPError(err)
	}

	return c.JSON(http.StatusOK, entity)
}

// GetEntityRecords returns the source records held by an entity, with the
// raw capture log for each when raw=true.
func GetEntityRecords(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, eng, err := ectoinject.GetContext[*engine.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entity, err := eng.Get(ctx, id)
	if err != nil {
		return merge.AsHTTPError(err)
	}

	records := make([]models.RecordView, 0, len(entity.Records))
	for _, rec := range entity.Records {
		records = append(records, models.RecordView{SourceRecord: rec, PrettyID: rec.PrettyID()})
	}

	if c.QueryParam("raw") != "true" {
		return c.JSON(http.StatusOK, records)
	}

	ctx, rawRepo, err := ectoinject.GetContext[*rawlog.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	raw := make(map[string][]models.SourceRecord, len(records))
	for _, rec := range records {
		captures, err := rawRepo.ListByRef(ctx, rec.Ref(), parseLimit(c))
		if err != nil {
			return err
		}
		raw[rec.Ref().Key()] = captures
	}

	return c.JSON(http.StatusOK, raw)
}

// GetEntityHistory returns the recorded composition changes for an entity,
// newest first.
func GetEntityHistory(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*history.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entries, err := repo.ListByEntity(ctx, id, parseLimit(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entries)
}

func parseLimit(c echo.Context) int {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return limit
}
