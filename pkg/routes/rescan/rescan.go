package rescan

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/ingestion"
)

// Register registers rescan routes
func Register(g *echo.Group) {
	g.POST("", PostRescan)
}

// PostRescan triggers an immediate fetch cycle on every adapter loop. The
// cycles run asynchronously; the response only confirms they were fired.
func PostRescan(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, manager, err := ectoinject.GetContext[*ingestion.Manager](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	count, err := manager.Rescan(ctx)
	if err != nil {
		if errors.Is(err, ingestion.ErrManagerStopped) {
			return httperror.WrapError(http.StatusServiceUnavailable, err)
		}
		return err
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"status":   "triggered",
		"adapters": count,
	})
}
