// Package engine implements the sandbox orchestration core: lifecycle of
// the agent/qdrant container pair, readiness gating, and compensating
// cleanup. A sandbox is not a stored record; it is a view computed on
// demand from two labeled containers sharing one ID.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modernalchemist/magic/internal/config"
	"github.com/modernalchemist/magic/internal/runtime"
	"github.com/modernalchemist/magic/internal/telemetry"
)

const logTailLines = 100

// Sandbox is the caller-visible view of one sandbox, derived from its
// agent container.
type Sandbox struct {
	ID        string
	Status    string
	CreatedAt time.Time
	StartedAt *time.Time
	IPAddress string
}

// readinessProber gates container usability after (re)start.
type readinessProber interface {
	WaitReady(ctx context.Context, url string, maxAttempts int, interval time.Duration) error
}

// Engine orchestrates sandbox container pairs against a container
// runtime. It holds no sandbox state of its own; the runtime's labels are
// the sole source of truth.
type Engine struct {
	cfg     config.Config
	client  runtime.Client
	prober  readinessProber
	auth    tokenSource
	locks   *keyedMutex
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithTokenSource overrides the auth-service client. Used in tests.
func WithTokenSource(ts tokenSource) Option {
	return func(e *Engine) { e.auth = ts }
}

// New constructs the engine. The configuration must already be validated.
func New(cfg config.Config, client runtime.Client, prober readinessProber, logger *slog.Logger, metrics *telemetry.Metrics, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		client:  client,
		prober:  prober,
		auth:    newAuthClient(cfg.AuthServiceURL, cfg.AuthServiceAPIKey),
		locks:   newKeyedMutex(),
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// role describes how to ensure one container of the pair.
type role struct {
	kind       string // for logs: "agent" or "qdrant"
	image      string
	label      string
	namePrefix string
	healthPath func(ip string) string
	env        func(ctx context.Context, sandboxID string) (map[string]string, error)
	binds      func() []string
}

func (e *Engine) qdrantRole() role {
	return role{
		kind:       "qdrant",
		image:      e.cfg.QdrantImage,
		label:      runtime.QdrantLabel,
		namePrefix: runtime.QdrantNamePrefix,
		healthPath: func(ip string) string {
			return fmt.Sprintf("http://%s:%d", ip, e.cfg.QdrantPort)
		},
	}
}

func (e *Engine) agentRole() role {
	return role{
		kind:       "agent",
		image:      e.cfg.AgentImage,
		label:      runtime.AgentLabel,
		namePrefix: runtime.AgentNamePrefix,
		healthPath: func(ip string) string {
			return fmt.Sprintf("http://%s:%d/api/health", ip, e.cfg.AgentPort)
		},
		env:   e.agentEnvironment,
		binds: e.agentBinds,
	}
}

// Create provisions (or revives) the container pair for a sandbox and
// returns its ID. When no ID is supplied a fresh one is generated. The
// qdrant container is guaranteed ready before agent provisioning begins.
// Any failure aborts the whole call; no partial ID is returned.
func (e *Engine) Create(ctx context.Context, requestedID string) (id string, err error) {
	defer func() { e.metrics.Operation("create", err) }()

	id = requestedID
	if id == "" {
		id = newSandboxID()
	}

	unlock := e.locks.lock(id)
	defer unlock()

	if _, err = e.ensure(ctx, e.qdrantRole(), id); err != nil {
		return "", err
	}
	e.logger.Info("qdrant container ready", "sandbox_id", id)

	if _, err = e.ensure(ctx, e.agentRole(), id); err != nil {
		return "", err
	}
	e.logger.Info("agent container ready", "sandbox_id", id)

	return id, nil
}

// Get returns the sandbox view for id, or NotFoundError. No side effects.
func (e *Engine) Get(ctx context.Context, id string) (sb *Sandbox, err error) {
	defer func() { e.metrics.Operation("get", err) }()

	agent, err := e.findByLabel(ctx, runtime.AgentLabel, id)
	if err != nil {
		return nil, opError("looking up agent container", err)
	}
	if agent == nil {
		return nil, &NotFoundError{SandboxID: id}
	}
	return sandboxView(id, agent), nil
}

// List enumerates every sandbox known to the runtime. A failure
// inspecting one container is logged and that container skipped.
func (e *Engine) List(ctx context.Context) (out []Sandbox, err error) {
	defer func() { e.metrics.Operation("list", err) }()

	summaries, err := e.client.List(ctx, runtime.SandboxLabel, "", "")
	if err != nil {
		return nil, opError("listing sandbox containers", err)
	}

	out = make([]Sandbox, 0, len(summaries))
	for _, s := range summaries {
		id := s.Labels[runtime.SandboxLabel]
		if id == "" || !strings.HasPrefix(s.Name, runtime.AgentNamePrefix) {
			continue // qdrant sidecars share the sandbox label
		}
		c, inspectErr := e.client.Inspect(ctx, s.ID)
		if inspectErr != nil {
			e.logger.Error("inspecting sandbox container, skipping",
				"sandbox_id", id, "container_id", s.ID, "error", inspectErr)
			continue
		}
		out = append(out, *sandboxView(id, c))
	}
	return out, nil
}

// Delete removes the container pair for id. The qdrant container is
// removed best-effort; only the agent container's removal decides the
// outcome.
func (e *Engine) Delete(ctx context.Context, id string) (err error) {
	defer func() { e.metrics.Operation("delete", err) }()

	unlock := e.locks.lock(id)
	defer unlock()

	agent, err := e.findByLabel(ctx, runtime.AgentLabel, id)
	if err != nil {
		return opError("looking up agent container", err)
	}
	if agent == nil {
		return &NotFoundError{SandboxID: id}
	}

	qdrant, err := e.findByLabel(ctx, runtime.QdrantLabel, id)
	if err != nil {
		e.logger.Error("looking up qdrant container", "sandbox_id", id, "error", err)
	}
	if qdrant != nil {
		if err := e.stopAndRemove(ctx, qdrant.ID); err != nil {
			e.logger.Error("removing qdrant container", "sandbox_id", id, "error", err)
		} else {
			e.logger.Info("qdrant container removed", "sandbox_id", id)
		}
	}

	if err := e.stopAndRemove(ctx, agent.ID); err != nil {
		return opError(fmt.Sprintf("removing sandbox %s", id), err)
	}
	e.logger.Info("sandbox containers removed", "sandbox_id", id)
	return nil
}

// ControlEndpoint resolves the agent container's internal control address
// ("ip:port") for the stream and download proxies.
func (e *Engine) ControlEndpoint(ctx context.Context, id string) (string, error) {
	agent, err := e.findByLabel(ctx, runtime.AgentLabel, id)
	if err != nil {
		return "", opError("looking up agent container", err)
	}
	if agent == nil {
		return "", &NotFoundError{SandboxID: id}
	}
	if agent.IP == "" {
		return "", opErrorf("sandbox %s has no network address", id)
	}
	return fmt.Sprintf("%s:%d", agent.IP, e.cfg.AgentPort), nil
}

// ensure brings one container of the pair to a confirmed-ready state,
// reusing a running container, restarting an exited one, or creating a
// fresh one. Readiness-gate exhaustion triggers compensating stop+remove
// so failed provisioning never leaves a partial container behind.
func (e *Engine) ensure(ctx context.Context, r role, sandboxID string) (*runtime.Container, error) {
	existing, err := e.findByLabel(ctx, r.label, sandboxID)
	if err != nil {
		return nil, opError(fmt.Sprintf("looking up %s container", r.kind), err)
	}

	var containerID string
	switch {
	case existing == nil:
		containerID, err = e.createContainer(ctx, r, sandboxID)
		if err != nil {
			return nil, err
		}
	case existing.Status == runtime.StatusRunning:
		e.logger.Info("reusing running container", "name", existing.Name, "sandbox_id", sandboxID)
		containerID = existing.ID
	case existing.Status == runtime.StatusExited:
		e.logger.Info("restarting exited container", "name", existing.Name, "sandbox_id", sandboxID)
		if err := e.client.Start(ctx, existing.ID); err != nil {
			return nil, opError(fmt.Sprintf("restarting %s container", r.kind), err)
		}
		containerID = existing.ID
	default:
		return nil, opErrorf("%s container in unexpected status: %s", r.kind, existing.Status)
	}

	c, err := e.client.Inspect(ctx, containerID)
	if err != nil {
		return nil, opError(fmt.Sprintf("inspecting %s container", r.kind), err)
	}

	if c.IP == "" {
		e.compensate(ctx, r, c, "container has no network address")
		return nil, opErrorf("unable to determine %s container ip address", r.kind)
	}

	url := r.healthPath(c.IP)
	e.logger.Info("waiting for container readiness",
		"kind", r.kind, "sandbox_id", sandboxID, "url", url, "max_attempts", e.cfg.ProbeMaxAttempts)
	if err := e.prober.WaitReady(ctx, url, e.cfg.ProbeMaxAttempts, e.cfg.ProbeInterval); err != nil {
		e.compensate(ctx, r, c, "readiness check failed")
		return nil, opError(fmt.Sprintf("%s container failed readiness check", r.kind), err)
	}

	return c, nil
}

// createContainer verifies the image, assembles environment and mounts,
// and creates+starts a fresh container for the role.
func (e *Engine) createContainer(ctx context.Context, r role, sandboxID string) (string, error) {
	exists, err := e.client.ImageExists(ctx, r.image)
	if err != nil {
		return "", opError(fmt.Sprintf("checking %s image", r.kind), err)
	}
	if !exists {
		return "", opErrorf("image not found: %s", r.image)
	}

	env := map[string]string{}
	if r.env != nil {
		env, err = r.env(ctx, sandboxID)
		if err != nil {
			return "", err
		}
	}
	var binds []string
	if r.binds != nil {
		binds = r.binds()
	}

	spec := runtime.CreateSpec{
		Image: r.image,
		Name:  r.namePrefix + sandboxID,
		Labels: map[string]string{
			runtime.SandboxLabel: sandboxID,
			r.label:              sandboxID,
		},
		Env:     env,
		Network: e.cfg.Network,
		Binds:   binds,
	}

	id, err := e.client.Create(ctx, spec)
	if err != nil {
		return "", opError(fmt.Sprintf("creating %s container", r.kind), err)
	}
	if err := e.client.Start(ctx, id); err != nil {
		if rmErr := e.client.Remove(ctx, id); rmErr != nil {
			e.logger.Error("removing container after failed start", "container_id", id, "error", rmErr)
		}
		return "", opError(fmt.Sprintf("starting %s container", r.kind), err)
	}
	e.logger.Info("container created", "name", spec.Name, "sandbox_id", sandboxID, "network", e.cfg.Network)
	return id, nil
}

// compensate captures diagnostics and tears down a container that failed
// its readiness gate. Cleanup failures are logged, never masking the
// original error.
func (e *Engine) compensate(ctx context.Context, r role, c *runtime.Container, reason string) {
	logs, logErr := e.client.Logs(ctx, c.ID, logTailLines)
	if logErr != nil {
		logs = fmt.Sprintf("<unavailable: %v>", logErr)
	}
	e.logger.Error("tearing down unready container",
		"kind", r.kind, "name", c.Name, "reason", reason, "container_logs", logs)

	if err := e.stopAndRemove(ctx, c.ID); err != nil {
		e.logger.Error("cleaning up unready container", "name", c.Name, "error", err)
	}
}

func (e *Engine) stopAndRemove(ctx context.Context, id string) error {
	if err := e.client.Stop(ctx, id); err != nil {
		return err
	}
	return e.client.Remove(ctx, id)
}

// findByLabel returns the first container carrying labelKey=id, in any
// state, or nil when none exists. Uniqueness is a convention, not a
// runtime guarantee.
func (e *Engine) findByLabel(ctx context.Context, labelKey, id string) (*runtime.Container, error) {
	summaries, err := e.client.List(ctx, labelKey, id, "")
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return e.client.Inspect(ctx, summaries[0].ID)
}

func sandboxView(id string, c *runtime.Container) *Sandbox {
	return &Sandbox{
		ID:        id,
		Status:    c.Status,
		CreatedAt: c.CreatedAt,
		StartedAt: c.StartedAt,
		IPAddress: c.IP,
	}
}

// newSandboxID generates a short opaque token. The collision probability
// over a host's worth of sandboxes is negligible.
func newSandboxID() string {
	return uuid.NewString()[:8]
}
