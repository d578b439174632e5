package main

import (
	"io"
	"net/http"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lyzr/coordinator-core/internal/action"
	"github.com/lyzr/coordinator-core/internal/obslog"
	"github.com/lyzr/coordinator-core/internal/runctl"
	"github.com/lyzr/coordinator-core/internal/storage"
)

// registerRoutes wires the admin HTTP surface SPEC_FULL.md names for
// cmd/coordinatord: health, metrics, run submission/cancellation, and the
// action-result callback an external worker posts back to after consuming
// a dispatched task off a coordinator:tasks:<kind> stream.
func registerRoutes(e *echo.Echo, controller *runctl.Controller, db *storage.DB, rdb *redis.Client, registry *prometheus.Registry, log *obslog.Logger) {
	e.GET("/healthz", func(c echo.Context) error {
		ctx := c.Request().Context()
		if err := db.Health(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unhealthy", "error": err.Error()})
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unhealthy", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "healthy"})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	runs := e.Group("/runs")
	runs.POST("", handleStartRun(controller))
	runs.POST("/:id/cancel", handleCancelRun(controller))
	runs.POST("/:id/patch", handlePatchRun(controller))

	e.POST("/actions/results", handleActionResult(controller, log))
}

type startRunRequest struct {
	WorkflowID      string                 `json:"workflowId"`
	WorkflowVersion string                 `json:"workflowVersion"`
	Input           map[string]interface{} `json:"input"`
}

func handleStartRun(controller *runctl.Controller) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req startRunRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}

		runID, err := controller.Start(c.Request().Context(), runctl.StartInput{
			WorkflowID:      req.WorkflowID,
			WorkflowVersion: req.WorkflowVersion,
			Input:           req.Input,
		})
		if err != nil {
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
		}
		return c.JSON(http.StatusAccepted, echo.Map{"workflowRunId": runID})
	}
}

// handleCancelRun marks the run-status projection cancelled. The
// coordinator core's planner has no decision kind for tearing down
// in-flight tokens mid-run (spec.md never names one), so this is a
// best-effort signal for external pollers, not a guarantee that every
// dispatched task stops.
func handleCancelRun(controller *runctl.Controller) echo.HandlerFunc {
	return func(c echo.Context) error {
		runID := c.Param("id")
		if err := controller.MarkCancelled(c.Request().Context(), runID); err != nil {
			return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
		}
		return c.NoContent(http.StatusAccepted)
	}
}

// handlePatchRun accepts an RFC 6902 JSON Patch body and recompiles the
// named run's effective definition from it, the admin-surface equivalent
// of the teacher's run-patch feature.
func handlePatchRun(controller *runctl.Controller) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		patch, err := jsonpatch.DecodePatch(body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}

		if err := controller.ApplyDefinitionPatch(c.Request().Context(), c.Param("id"), patch); err != nil {
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
		}
		return c.NoContent(http.StatusAccepted)
	}
}

type actionResultRequest struct {
	TokenID string                 `json:"tokenId"`
	Status  action.ResultStatus    `json:"status"`
	Output  map[string]interface{} `json:"output"`
	Err     string                 `json:"error"`
}

func handleActionResult(controller *runctl.Controller, log *obslog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req actionResultRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}

		result := action.Result{
			TokenID: req.TokenID,
			Status:  req.Status,
			Output:  req.Output,
			Err:     req.Err,
		}
		if err := controller.HandleTaskResult(c.Request().Context(), result); err != nil {
			log.Error("action result handling failed", "tokenId", req.TokenID, "error", err)
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
		}
		return c.NoContent(http.StatusAccepted)
	}
}
