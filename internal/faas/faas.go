// Package faas layers named deployments over persistent sandboxes: stable
// deployment ids, public URLs, live file updates, and autoscale-to-zero.
package faas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vaderyang/voidrun/internal/sandbox"
)

// ErrNotFound indicates an unknown deployment id.
var ErrNotFound = errors.New("deployment not found")

// DefaultScaleInterval is how often the autoscaler compares idle times.
const DefaultScaleInterval = 30 * time.Second

// Policy is the autoscale configuration of a deployment.
type Policy struct {
	MinInstances   int `json:"min_instances"`
	MaxInstances   int `json:"max_instances"`
	IdleTimeoutMin int `json:"idle_timeout_minutes"`
}

// Deployment wraps a persistent dev-server sandbox under a stable id.
type Deployment struct {
	ID        string    `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	Name      string    `json:"name,omitempty"`
	URL       string    `json:"url"`
	Policy    Policy    `json:"policy"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager owns the deployment table and the autoscale loop. It holds the
// sandbox manager, never the records: the timer looks sandboxes up by id so a
// destroyed sandbox cannot be resurrected by a stale wakeup.
type Manager struct {
	sandboxes  *sandbox.Manager
	publicBase string // e.g. "http://127.0.0.1:8070"
	interval   time.Duration
	now        func() time.Time

	mu          sync.RWMutex
	deployments map[string]*Deployment
}

// NewManager creates the FaaS layer. publicBase is the scheme://host:port the
// service is reachable on; deployment URLs are synthesised under it.
func NewManager(sm *sandbox.Manager, publicBase string, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultScaleInterval
	}
	return &Manager{
		sandboxes:   sm,
		publicBase:  publicBase,
		interval:    interval,
		now:         time.Now,
		deployments: make(map[string]*Deployment),
	}
}

// Deploy creates the backing persistent sandbox and registers the deployment.
func (m *Manager) Deploy(ctx context.Context, name string, spec sandbox.Spec, policy Policy) (*Deployment, error) {
	spec.Mode = sandbox.ModePersistent
	spec.DevServer = true

	rec, err := m.sandboxes.Create(ctx, spec)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dep := &Deployment{
		ID:        id,
		SandboxID: rec.ID,
		Name:      name,
		URL:       fmt.Sprintf("%s/faas/%s", m.publicBase, id),
		Policy:    policy,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.deployments[id] = dep
	m.mu.Unlock()

	log.Info().
		Str("deployment_id", id).
		Str("sandbox_id", rec.ID).
		Str("url", dep.URL).
		Msg("Deployment created")
	return dep, nil
}

// Get returns the deployment for id.
func (m *Manager) Get(id string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dep, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return dep, nil
}

// List returns all deployments.
func (m *Manager) List() []*Deployment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		out = append(out, d)
	}
	return out
}

// Resolve maps a deployment id to its backing sandbox record for the proxy.
func (m *Manager) Resolve(id string) (*sandbox.Record, error) {
	dep, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	rec, err := m.sandboxes.Get(dep.SandboxID)
	if err != nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// UpdateFiles overwrites files in the backing sandbox, optionally restarting
// the dev server. Hot-reload runtimes pick the change up without a restart.
func (m *Manager) UpdateFiles(ctx context.Context, id string, files []sandbox.FileSpec, restart bool) error {
	dep, err := m.Get(id)
	if err != nil {
		return err
	}
	return m.sandboxes.UpdateFiles(ctx, dep.SandboxID, files, restart)
}

// Undeploy removes the deployment and tears down the backing sandbox.
func (m *Manager) Undeploy(ctx context.Context, id string) error {
	m.mu.Lock()
	dep, ok := m.deployments[id]
	delete(m.deployments, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := m.sandboxes.Destroy(ctx, dep.SandboxID); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		log.Error().Str("deployment_id", id).Err(err).Msg("Failed to destroy backing sandbox")
	}
	log.Info().Str("deployment_id", id).Msg("Deployment removed")
	return nil
}

// Start runs the autoscale loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.interval).Msg("Autoscaler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Autoscaler stopped")
			return
		case <-ticker.C:
			m.scaleIdle(ctx)
		}
	}
}

// scaleIdle tears down deployments whose backing sandbox has been idle past
// the policy's idle timeout. MinInstances > 0 pins the deployment up.
func (m *Manager) scaleIdle(ctx context.Context) {
	now := m.now()
	for _, dep := range m.List() {
		if dep.Policy.IdleTimeoutMin <= 0 || dep.Policy.MinInstances > 0 {
			continue
		}
		rec, err := m.sandboxes.Get(dep.SandboxID)
		if err != nil {
			// Backing sandbox already gone; drop the stale deployment.
			m.mu.Lock()
			delete(m.deployments, dep.ID)
			m.mu.Unlock()
			continue
		}
		idle := now.Sub(rec.LastActivity())
		if idle > time.Duration(dep.Policy.IdleTimeoutMin)*time.Minute {
			log.Info().
				Str("deployment_id", dep.ID).
				Dur("idle", idle).
				Msg("Autoscaling idle deployment to zero")
			if err := m.Undeploy(ctx, dep.ID); err != nil {
				log.Warn().Str("deployment_id", dep.ID).Err(err).Msg("Idle teardown failed")
			}
		}
	}
}
