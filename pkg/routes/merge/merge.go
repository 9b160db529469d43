package merge

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/engine"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Register registers merge routes
func Register(g *echo.Group) {
	g.POST("", PostMerge)
}

// PostMerge applies one merge directive: link, unlink, or tag
func PostMerge(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[models.MergeRequest](c)
	if err != nil {
		return err
	}

	ctx, eng, err := ectoinject.GetContext[*engine.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	var entityID string
	switch req.Op {
	case models.MergeOpLink:
		entityID, err = eng.Link(ctx, req.Targets)
	case models.MergeOpUnlink:
		entityID, err = eng.Unlink(ctx, req.Targets)
	case models.MergeOpTag:
		entityID, err = eng.Tag(ctx, req.Targets, req.TagOwner, req.TagName, req.TagValue)
	default:
		return httperror.NewHTTPError(http.StatusBadRequest, "unknown merge op")
	}
	if err != nil {
		return AsHTTPError(err)
	}

	return c.JSON(http.StatusOK, models.MergeResponse{EntityID: entityID})
}

// AsHTTPError maps engine errors onto response codes. Precondition failures
// are the caller's problem; a contradiction or persistence failure is ours.
func AsHTTPError(err error) error {
	switch {
	case errors.Is(err, engine.ErrInvalidRecord):
		return httperror.WrapError(http.StatusBadRequest, err)
	case errors.Is(err, engine.ErrRecordNotFound),
		errors.Is(err, engine.ErrEntityNotFound):
		return httperror.WrapError(http.StatusNotFound, err)
	case errors.Is(err, engine.ErrInsufficientCandidates),
		errors.Is(err, engine.ErrNotSingleOwner),
		errors.Is(err, engine.ErrWouldEmptyOriginal),
		errors.Is(err, engine.ErrAmbiguousTarget):
		return httperror.WrapError(http.StatusConflict, err)
	case errors.Is(err, engine.ErrContradiction):
		return httperror.WrapError(http.StatusInternalServerError, err)
	default:
		return err
	}
}
