package job

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/caesium-cloud/fleetline/internal/event"
	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/internal/queue"
	"github.com/labstack/echo/v4"
)

type EventsRequest struct {
	Events []event.Event `json:"events"`
}

// Events publishes lifecycle events reported by the agent running a job.
func (ctrl *Controller) Events(c echo.Context) error {
	id, err := queue.ParseID(c.Param("id"))
	if err != nil {
		return storeError(err)
	}

	req := &EventsRequest{}
	if err := c.Bind(req); err != nil {
		return err
	}

	known := lifecycle.Events()
	for _, e := range req.Events {
		if !slices.Contains(known, e.Name) {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown event %q", e.Name))
		}
	}

	j, err := ctrl.jobs.Get(c.Request().Context(), id)
	if err != nil {
		return storeError(err)
	}

	if ctrl.bus != nil {
		for _, e := range req.Events {
			e.JobID = j.ID
			e.Queue = j.Queue
			ctrl.bus.Publish(e)
		}
	}

	return c.JSON(http.StatusOK, "OK")
}
