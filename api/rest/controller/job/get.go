package job

import (
	"net/http"

	"github.com/caesium-cloud/fleetline/internal/queue"
	"github.com/caesium-cloud/fleetline/pkg/jsonmap"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/labstack/echo/v4"
)

func (ctrl *Controller) Get(c echo.Context) error {
	id, err := queue.ParseID(c.Param("id"))
	if err != nil {
		return storeError(err)
	}

	j, err := ctrl.jobs.Get(c.Request().Context(), id)
	if err != nil {
		return storeError(err)
	}

	return c.JSON(http.StatusOK, j.JobData)
}

// Poll hands the next waiting job on one of the requested queues to the
// calling agent.
func (ctrl *Controller) Poll(c echo.Context) error {
	queues := c.QueryParams()["queue"]
	agentID := c.Request().Header.Get(AgentIDHeader)

	j, err := ctrl.jobs.Dequeue(c.Request().Context(), agentID, queues)
	if err != nil {
		return storeError(err)
	}
	if j == nil {
		return c.NoContent(http.StatusNoContent)
	}

	log.Info("job dequeued", "job_id", j.ID, "job_queue", j.Queue, "agent_id", agentID)

	resp := jsonmap.Merge(nil, j.JobData)
	resp["job_id"] = j.ID.String()
	return c.JSON(http.StatusOK, resp)
}

func (ctrl *Controller) Position(c echo.Context) error {
	id, err := queue.ParseID(c.Param("id"))
	if err != nil {
		return storeError(err)
	}

	pos, err := ctrl.jobs.Position(c.Request().Context(), id)
	if err != nil {
		return storeError(err)
	}

	return c.JSON(http.StatusOK, pos)
}
