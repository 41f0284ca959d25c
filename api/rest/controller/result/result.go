package result

import (
	"errors"
	"net/http"

	"github.com/caesium-cloud/fleetline/internal/logstore"
	"github.com/caesium-cloud/fleetline/internal/queue"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	jobs *queue.Store
	logs *logstore.Store
}

func New(jobs *queue.Store, logs *logstore.Store) *Controller {
	return &Controller{jobs: jobs, logs: logs}
}

// Get returns the job's result with its log fragments folded in.
func (ctrl *Controller) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := queue.ParseID(c.Param("id"))
	if err != nil {
		return storeError(err)
	}

	data, err := ctrl.jobs.Result(ctx, id)
	if err != nil {
		return storeError(err)
	}

	flat, err := ctrl.logs.Reconstruct(ctx, id, data)
	if err != nil {
		return storeError(err)
	}

	return c.JSON(http.StatusOK, flat)
}

// Post merges a partial result into the job's result document.
func (ctrl *Controller) Post(c echo.Context) error {
	id, err := queue.ParseID(c.Param("id"))
	if err != nil {
		return storeError(err)
	}

	partial := map[string]any{}
	if err := c.Bind(&partial); err != nil {
		return err
	}

	if err := ctrl.jobs.UpdateResult(c.Request().Context(), id, partial); err != nil {
		return storeError(err)
	}

	return c.JSON(http.StatusOK, "OK")
}

func storeError(err error) error {
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error()).SetInternal(err)
	case errors.Is(err, logstore.ErrInvalidFragment):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.Is(err, queue.ErrNotFound):
		return echo.ErrNotFound.SetInternal(err)
	default:
		log.Error("result request failed", "error", err)
		return echo.ErrInternalServerError.SetInternal(err)
	}
}
