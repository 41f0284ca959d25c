package job

import (
	"errors"
	"net/http"

	"github.com/caesium-cloud/fleetline/internal/event"
	"github.com/caesium-cloud/fleetline/internal/queue"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/labstack/echo/v4"
)

// AgentIDHeader identifies the agent polling for work.
const AgentIDHeader = "X-Agent-ID"

type Controller struct {
	jobs *queue.Store
	bus  event.Bus
}

func New(jobs *queue.Store, bus event.Bus) *Controller {
	return &Controller{jobs: jobs, bus: bus}
}

func storeError(err error) error {
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error()).SetInternal(err)
	case errors.Is(err, queue.ErrNotFound):
		return echo.ErrNotFound.SetInternal(err)
	case errors.Is(err, queue.ErrAlreadyTerminal):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error()).SetInternal(err)
	case errors.Is(err, queue.ErrNotWaiting):
		return echo.NewHTTPError(http.StatusConflict, err.Error()).SetInternal(err)
	default:
		log.Error("job request failed", "error", err)
		return echo.ErrInternalServerError.SetInternal(err)
	}
}
