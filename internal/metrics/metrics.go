// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SandboxCreates counts sandbox create attempts by outcome.
	SandboxCreates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voidrun",
		Name:      "sandbox_creates_total",
		Help:      "Sandbox create attempts by outcome.",
	}, []string{"outcome"})

	// SandboxExecutes counts one-shot executions by outcome.
	SandboxExecutes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voidrun",
		Name:      "sandbox_executes_total",
		Help:      "One-shot executions by outcome.",
	}, []string{"outcome"})

	// SandboxTeardowns counts sandbox teardowns by reason.
	SandboxTeardowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voidrun",
		Name:      "sandbox_teardowns_total",
		Help:      "Sandbox teardowns by reason.",
	}, []string{"reason"})

	// ProxyRequests counts reverse-proxy hits by result (ok, unknown,
	// unprovisioned, cancelled, upstream_error).
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voidrun",
		Name:      "proxy_requests_total",
		Help:      "Reverse-proxy requests by result.",
	}, []string{"result"})

	// ActiveSandboxes tracks the number of live registry records.
	ActiveSandboxes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voidrun",
		Name:      "active_sandboxes",
		Help:      "Number of live sandboxes.",
	})
)
