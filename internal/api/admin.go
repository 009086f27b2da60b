package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/vaderyang/voidrun/internal/runtime"
	"github.com/vaderyang/voidrun/internal/sandbox"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // CLI/SDK directly connecting
		}
		return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1")
	},
}

func (h *Handler) registerAdmin(e *echo.Echo) {
	admin := e.Group("/admin/api")
	admin.GET("/status", h.adminStatus)
	admin.GET("/sandboxes", h.listSandboxes)
	admin.GET("/sandboxes/:id/logs", h.adminLogs)
	admin.GET("/sandboxes/:id/logs/stream", h.adminLogStream)
	admin.POST("/sandboxes/:id/force-stop", h.adminForceStop)
	admin.GET("/docs", h.adminDocs)
	admin.POST("/test", h.adminSelfTest)
}

func (h *Handler) adminStatus(c echo.Context) error {
	byState := make(map[sandbox.State]int)
	for _, info := range h.sandboxes.List() {
		byState[info.State]++
	}
	return c.JSON(http.StatusOK, map[string]any{
		"backend":     h.sandboxes.Backend().Name(),
		"uptime":      time.Since(h.started).String(),
		"sandboxes":   byState,
		"deployments": len(h.deployments.List()),
	})
}

func (h *Handler) adminLogs(c echo.Context) error {
	rec, err := h.sandboxes.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"logs": rec.Logs()})
}

// adminLogStream feeds retained log lines over a websocket and follows new
// ones until the client disconnects or the sandbox goes away.
func (h *Handler) adminLogStream(c echo.Context) error {
	rec, err := h.sandboxes.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	sent := 0
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		lines := rec.Logs()
		for ; sent < len(lines); sent++ {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(lines[sent])); err != nil {
				return nil
			}
		}
		if rec.State().Terminal() {
			return nil
		}
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *Handler) adminForceStop(c echo.Context) error {
	if err := h.sandboxes.ForceStop(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) adminDocs(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"endpoints": []map[string]string{
			{"method": "GET", "path": "/health", "description": "liveness"},
			{"method": "POST", "path": "/sandbox", "description": "create a sandbox"},
			{"method": "GET", "path": "/sandbox/{id}", "description": "sandbox info"},
			{"method": "POST", "path": "/sandbox/{id}/execute", "description": "run a one-shot sandbox"},
			{"method": "POST", "path": "/sandbox/{id}/files", "description": "add or overwrite files"},
			{"method": "GET", "path": "/sandbox/{id}/stats", "description": "resource usage sample"},
			{"method": "DELETE", "path": "/sandbox/{id}", "description": "destroy a sandbox"},
			{"method": "GET", "path": "/sandboxes", "description": "list sandboxes"},
			{"method": "POST", "path": "/faas/deploy", "description": "create a deployment"},
			{"method": "GET", "path": "/faas/deployments", "description": "list deployments"},
			{"method": "GET", "path": "/faas/deployments/{id}", "description": "deployment info"},
			{"method": "DELETE", "path": "/faas/deployments/{id}", "description": "undeploy"},
			{"method": "PUT", "path": "/faas/deployments/{id}/files", "description": "update files, optional reload"},
			{"method": "ANY", "path": "/proxy/{id}/...", "description": "reverse proxy to a sandbox"},
			{"method": "ANY", "path": "/faas/{id}/...", "description": "reverse proxy to a deployment"},
			{"method": "GET", "path": "/metrics", "description": "prometheus metrics"},
		},
	})
}

// adminSelfTest runs a canned one-shot sandbox end to end and reports the
// round trip. Useful as a smoke check that the backend is actually usable.
func (h *Handler) adminSelfTest(c echo.Context) error {
	ctx := c.Request().Context()

	spec := sandbox.Spec{
		Runtime: runtime.Node,
		Code:    `console.log("voidrun self-test ok");`,
		Mode:    sandbox.ModeOneShot,
	}
	rec, err := h.sandboxes.Create(ctx, spec)
	if err != nil {
		return httpError(err)
	}
	defer h.sandboxes.Destroy(ctx, rec.ID)

	res, err := h.sandboxes.Execute(ctx, rec.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":     res.ExitCode == 0 && strings.Contains(res.Stdout, "self-test ok"),
		"result": res,
	})
}
