package bind

import (
	"github.com/caesium-cloud/fleetline/api/rest/controller/job"
	"github.com/caesium-cloud/fleetline/api/rest/controller/result"
	"github.com/labstack/echo/v4"
)

func All(g *echo.Group, jobs *job.Controller, results *result.Controller) {
	Jobs(g.Group("/job"), jobs)
	Results(g.Group("/result"), results)
}

func Jobs(g *echo.Group, ctrl *job.Controller) {
	g.POST("", ctrl.Post)
	g.GET("", ctrl.Poll)
	g.GET("/:id", ctrl.Get)
	g.GET("/:id/position", ctrl.Position)
	g.POST("/:id/action", ctrl.Action)
	g.POST("/:id/attachments", ctrl.Attachments)
	g.POST("/:id/events", ctrl.Events)
}

func Results(g *echo.Group, ctrl *result.Controller) {
	g.GET("/:id", ctrl.Get)
	g.POST("/:id", ctrl.Post)
	g.GET("/:id/log/:log_type", ctrl.Logs)
	g.POST("/:id/log/:log_type", ctrl.PostLog)
}
