// Package proxy forwards external HTTP traffic to the dev server behind a
// sandbox or FaaS deployment.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/vaderyang/voidrun/internal/faas"
	"github.com/vaderyang/voidrun/internal/metrics"
	"github.com/vaderyang/voidrun/internal/sandbox"
)

// Hop-by-hop headers are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler resolves sandbox/deployment ids to host ports and streams requests
// through. No caching, no retries, no authentication.
type Handler struct {
	sandboxes   *sandbox.Manager
	deployments *faas.Manager
	transport   http.RoundTripper
}

// NewHandler wires the proxy to its lookup sources.
func NewHandler(sm *sandbox.Manager, fm *faas.Manager) *Handler {
	return &Handler{
		sandboxes:   sm,
		deployments: fm,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 5 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// RegisterRoutes mounts the proxy paths on the echo instance.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.Any("/proxy/:id/*", h.proxySandbox)
	e.Any("/proxy/:id", h.proxySandbox)
	e.Any("/faas/:id/*", h.proxyDeployment)
	e.Any("/faas/:id", h.proxyDeployment)
}

func (h *Handler) proxySandbox(c echo.Context) error {
	rec, err := h.sandboxes.Get(c.Param("id"))
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("unknown").Inc()
		return echo.NewHTTPError(http.StatusNotFound, "sandbox not found")
	}
	return h.forward(c, rec)
}

func (h *Handler) proxyDeployment(c echo.Context) error {
	rec, err := h.deployments.Resolve(c.Param("id"))
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("unknown").Inc()
		return echo.NewHTTPError(http.StatusNotFound, "deployment not found")
	}
	return h.forward(c, rec)
}

// forward streams the request to the record's published port, preserving
// method, query, headers, and body; upgrade handshakes pass through and the
// resulting byte streams are piped bidirectionally by the reverse proxy.
func (h *Handler) forward(c echo.Context, rec *sandbox.Record) error {
	if rec.Port == 0 || rec.State() != sandbox.StateDevServer {
		metrics.ProxyRequests.WithLabelValues("unprovisioned").Inc()
		return echo.NewHTTPError(http.StatusNotFound, "sandbox has no reachable server")
	}

	rec.Touch()

	target := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("127.0.0.1:%d", rec.Port),
	}
	rest := c.Param("*")

	rp := &httputil.ReverseProxy{
		Transport: h.transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = "/" + rest
			req.URL.RawQuery = c.Request().URL.RawQuery
			req.Host = target.Host
			for _, hdr := range hopHeaders {
				// The Upgrade/Connection pair must survive for websocket
				// handshakes; ReverseProxy re-adds them for upgrades.
				if hdr == "Upgrade" || hdr == "Connection" {
					continue
				}
				req.Header.Del(hdr)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode != http.StatusSwitchingProtocols {
				for _, hdr := range hopHeaders {
					resp.Header.Del(hdr)
				}
			}
			metrics.ProxyRequests.WithLabelValues("ok").Inc()
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, context.Canceled):
				// Client went away; both sides are already torn down.
				metrics.ProxyRequests.WithLabelValues("cancelled").Inc()
				return
			case errors.Is(err, syscall.ECONNREFUSED), isTimeout(err):
				// Typically the dev server is still starting; no retry.
				status = http.StatusBadGateway
			}
			metrics.ProxyRequests.WithLabelValues("upstream_error").Inc()
			log.Warn().
				Str("sandbox_id", rec.ID).
				Int("port", rec.Port).
				Err(err).
				Msg("Proxy upstream error")
			w.WriteHeader(status)
		},
	}

	rp.ServeHTTP(c.Response(), c.Request())
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
