package job

import (
	"fmt"
	"net/http"

	"github.com/caesium-cloud/fleetline/internal/queue"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/labstack/echo/v4"
)

type ActionRequest struct {
	Action string `json:"action"`
}

func (ctrl *Controller) Action(c echo.Context) error {
	id, err := queue.ParseID(c.Param("id"))
	if err != nil {
		return storeError(err)
	}

	req := &ActionRequest{}
	if err := c.Bind(req); err != nil {
		return err
	}

	switch req.Action {
	case "cancel":
		if err := ctrl.jobs.Cancel(c.Request().Context(), id); err != nil {
			return storeError(err)
		}
		log.Info("job cancelled", "job_id", id)
		return c.JSON(http.StatusOK, "OK")
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unsupported action %q", req.Action))
	}
}

func (ctrl *Controller) Attachments(c echo.Context) error {
	id, err := queue.ParseID(c.Param("id"))
	if err != nil {
		return storeError(err)
	}

	if err := ctrl.jobs.CompleteAttachments(c.Request().Context(), id); err != nil {
		return storeError(err)
	}

	return c.JSON(http.StatusOK, "OK")
}
