package result

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/internal/logstore"
	"github.com/caesium-cloud/fleetline/internal/models"
	"github.com/caesium-cloud/fleetline/internal/queue"
	"github.com/labstack/echo/v4"
)

type LogRequest struct {
	FragmentNumber *int      `json:"fragment_number"`
	Timestamp      time.Time `json:"timestamp"`
	Phase          string    `json:"phase"`
	LogData        string    `json:"log_data"`
}

// PostLog appends one fragment of phase output.
func (ctrl *Controller) PostLog(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := queue.ParseID(c.Param("id"))
	if err != nil {
		return storeError(err)
	}

	req := &LogRequest{}
	if err := c.Bind(req); err != nil {
		return err
	}
	if req.FragmentNumber == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "fragment_number is required")
	}

	if _, err := ctrl.jobs.Get(ctx, id); err != nil {
		return storeError(err)
	}

	err = ctrl.logs.Append(ctx, &models.LogFragment{
		JobID:          id,
		LogType:        c.Param("log_type"),
		Phase:          req.Phase,
		FragmentNumber: *req.FragmentNumber,
		Timestamp:      req.Timestamp,
		LogData:        req.LogData,
	})
	if err != nil {
		return storeError(err)
	}

	return c.JSON(http.StatusOK, "OK")
}

// Logs returns the stored fragments of one log type. Without a phase
// filter the fragments of every phase are returned in lifecycle order.
func (ctrl *Controller) Logs(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := queue.ParseID(c.Param("id"))
	if err != nil {
		return storeError(err)
	}

	logType, ok := lifecycle.ParseLogType(c.Param("log_type"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown log type %q", c.Param("log_type")))
	}

	q := logstore.Query{JobID: id, LogType: logType}

	if raw := c.QueryParam("start_fragment"); raw != "" {
		if q.StartFragment, err = strconv.Atoi(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "start_fragment must be an integer").SetInternal(err)
		}
	}
	if raw := c.QueryParam("start_timestamp"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "start_timestamp must be RFC 3339").SetInternal(err)
		}
		q.StartTimestamp = &ts
	}

	phases := lifecycle.Phases
	if raw := c.QueryParam("phase"); raw != "" {
		phase, ok := lifecycle.ParsePhase(raw)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown phase %q", raw))
		}
		phases = []lifecycle.Phase{phase}
	}

	if _, err := ctrl.jobs.Get(ctx, id); err != nil {
		return storeError(err)
	}

	fragments := make(models.LogFragments, 0)
	for _, phase := range phases {
		q.Phase = phase
		found, err := ctrl.logs.Retrieve(ctx, q)
		if err != nil {
			return storeError(err)
		}
		fragments = append(fragments, found...)
	}

	return c.JSON(http.StatusOK, fragments)
}
