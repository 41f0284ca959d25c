package job

import (
	"net/http"

	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type PostResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

func (ctrl *Controller) Post(c echo.Context) error {
	data := map[string]any{}
	if err := c.Bind(&data); err != nil {
		return err
	}

	id, err := ctrl.jobs.Enqueue(c.Request().Context(), data)
	if err != nil {
		return storeError(err)
	}

	log.Info("job submitted", "job_id", id, "job_queue", data["job_queue"])

	return c.JSON(http.StatusCreated, PostResponse{JobID: id})
}
