// Package api translates HTTP requests into lifecycle-manager and FaaS calls.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaderyang/voidrun/internal/backend"
	"github.com/vaderyang/voidrun/internal/faas"
	"github.com/vaderyang/voidrun/internal/runtime"
	"github.com/vaderyang/voidrun/internal/sandbox"
)

// Handler carries the API dependencies.
type Handler struct {
	sandboxes   *sandbox.Manager
	deployments *faas.Manager
	started     time.Time
}

// NewHandler wires the API surface.
func NewHandler(sm *sandbox.Manager, fm *faas.Manager) *Handler {
	return &Handler{
		sandboxes:   sm,
		deployments: fm,
		started:     time.Now(),
	}
}

// RegisterRoutes mounts all non-proxy endpoints.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/sandbox", h.createSandbox)
	e.GET("/sandbox/:id", h.getSandbox)
	e.POST("/sandbox/:id/execute", h.executeSandbox)
	e.POST("/sandbox/:id/files", h.updateSandboxFiles)
	e.GET("/sandbox/:id/stats", h.sandboxStats)
	e.DELETE("/sandbox/:id", h.deleteSandbox)
	e.GET("/sandboxes", h.listSandboxes)

	e.POST("/faas/deploy", h.deploy)
	e.GET("/faas/deployments", h.listDeployments)
	e.GET("/faas/deployments/:id", h.getDeployment)
	e.DELETE("/faas/deployments/:id", h.undeploy)
	e.PUT("/faas/deployments/:id/files", h.updateDeploymentFiles)

	h.registerAdmin(e)
}

// httpError maps domain errors onto the API status taxonomy.
func httpError(err error) error {
	switch {
	case errors.Is(err, sandbox.ErrNotFound), errors.Is(err, faas.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found").SetInternal(err)
	case errors.Is(err, sandbox.ErrBadState):
		return echo.NewHTTPError(http.StatusConflict, err.Error()).SetInternal(err)
	case errors.Is(err, sandbox.ErrExhausted):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error()).SetInternal(err)
	case errors.Is(err, sandbox.ErrValidation), errors.Is(err, runtime.ErrUnknownRuntime):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"backend": h.sandboxes.Backend().Name(),
		"uptime":  time.Since(h.started).String(),
	})
}

// CreateSandboxRequest is the wire shape of POST /sandbox.
type CreateSandboxRequest struct {
	Runtime       string             `json:"runtime"`
	Code          string             `json:"code"`
	EntryPoint    string             `json:"entry_point"`
	TimeoutMS     int                `json:"timeout_ms"`
	MemoryLimitMB int                `json:"memory_limit_mb"`
	EnvVars       map[string]string  `json:"env_vars"`
	Files         []sandbox.FileSpec `json:"files"`
	Mode          string             `json:"mode"`
	InstallDeps   bool               `json:"install_deps"`
	DevServer     bool               `json:"dev_server"`
}

func (r *CreateSandboxRequest) toSpec() (sandbox.Spec, error) {
	rt, err := runtime.Parse(r.Runtime)
	if err != nil {
		return sandbox.Spec{}, err
	}
	return sandbox.Spec{
		Runtime:       rt,
		Code:          r.Code,
		EntryPoint:    r.EntryPoint,
		TimeoutMS:     r.TimeoutMS,
		MemoryLimitMB: r.MemoryLimitMB,
		EnvVars:       r.EnvVars,
		Files:         r.Files,
		Mode:          sandbox.Mode(r.Mode),
		InstallDeps:   r.InstallDeps,
		DevServer:     r.DevServer,
	}, nil
}

func (h *Handler) createSandbox(c echo.Context) error {
	var req CreateSandboxRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	spec, err := req.toSpec()
	if err != nil {
		return httpError(err)
	}

	rec, err := h.sandboxes.Create(c.Request().Context(), spec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec.Info())
}

func (h *Handler) getSandbox(c echo.Context) error {
	rec, err := h.sandboxes.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec.Info())
}

// ExecuteResponse augments the raw result with the success flag clients
// branch on.
type ExecuteResponse struct {
	backend.ExecResult
	Success bool `json:"success"`
}

func (h *Handler) executeSandbox(c echo.Context) error {
	res, err := h.sandboxes.Execute(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ExecuteResponse{
		ExecResult: res,
		Success:    res.ExitCode == 0 && !res.TimedOut,
	})
}

// UpdateFilesRequest is shared by sandbox and deployment file updates.
type UpdateFilesRequest struct {
	Files            []sandbox.FileSpec `json:"files"`
	RestartDevServer bool               `json:"restart_dev_server"`
}

func (h *Handler) updateSandboxFiles(c echo.Context) error {
	var req UpdateFilesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	if len(req.Files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "files required")
	}
	err := h.sandboxes.UpdateFiles(c.Request().Context(), c.Param("id"), req.Files, req.RestartDevServer)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) sandboxStats(c echo.Context) error {
	stats, err := h.sandboxes.Stats(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) deleteSandbox(c echo.Context) error {
	if err := h.sandboxes.Destroy(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) listSandboxes(c echo.Context) error {
	infos := h.sandboxes.List()
	if infos == nil {
		infos = []sandbox.Info{}
	}
	return c.JSON(http.StatusOK, infos)
}

// DeployRequest is the wire shape of POST /faas/deploy.
type DeployRequest struct {
	Name string `json:"name"`
	CreateSandboxRequest
	MinInstances   int `json:"min_instances"`
	MaxInstances   int `json:"max_instances"`
	IdleTimeoutMin int `json:"idle_timeout_minutes"`
}

func (h *Handler) deploy(c echo.Context) error {
	var req DeployRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	spec, err := req.toSpec()
	if err != nil {
		return httpError(err)
	}

	policy := faas.Policy{
		MinInstances:   req.MinInstances,
		MaxInstances:   req.MaxInstances,
		IdleTimeoutMin: req.IdleTimeoutMin,
	}
	dep, err := h.deployments.Deploy(c.Request().Context(), req.Name, spec, policy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, dep)
}

func (h *Handler) listDeployments(c echo.Context) error {
	deps := h.deployments.List()
	if deps == nil {
		deps = []*faas.Deployment{}
	}
	return c.JSON(http.StatusOK, deps)
}

func (h *Handler) getDeployment(c echo.Context) error {
	dep, err := h.deployments.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, dep)
}

func (h *Handler) undeploy(c echo.Context) error {
	if err := h.deployments.Undeploy(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) updateDeploymentFiles(c echo.Context) error {
	var req UpdateFilesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	if len(req.Files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "files required")
	}
	err := h.deployments.UpdateFiles(c.Request().Context(), c.Param("id"), req.Files, req.RestartDevServer)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
}
