package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caesium-cloud/fleetline/api/rest/bind"
	"github.com/caesium-cloud/fleetline/api/rest/controller/job"
	"github.com/caesium-cloud/fleetline/api/rest/controller/result"
	"github.com/caesium-cloud/fleetline/internal/event"
	"github.com/caesium-cloud/fleetline/internal/logstore"
	"github.com/caesium-cloud/fleetline/internal/queue"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
)

const shutdownTimeout = 10 * time.Second

// Dependencies are the stores the API serves.
type Dependencies struct {
	Jobs *queue.Store
	Logs *logstore.Store
	Bus  event.Bus
}

// New builds fleetline's HTTP API.
func New(deps Dependencies) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// health
	e.GET("/health", Health)

	// REST
	bind.All(
		e.Group("/v1"),
		job.New(deps.Jobs, deps.Bus),
		result.New(deps.Jobs, deps.Logs),
	)

	return e
}

// Start serves the API on port until ctx is done.
func Start(ctx context.Context, deps Dependencies, port int) error {
	e := New(deps)

	// metrics
	prometheus.NewPrometheus("fleetline", nil).Use(e)

	errs := make(chan error, 1)
	go func() {
		log.Info("starting api", "port", port)
		errs <- e.Start(fmt.Sprintf(":%v", port))
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
