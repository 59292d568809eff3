// Package runtime wraps the Docker control API behind a small typed
// client and derives normalized container snapshots from raw inspection
// records. The daemon's live state is the gateway's only store: nothing
// here is cached across calls.
package runtime

import (
	"context"
	"time"
)

// Label families attached to every managed container. The shared sandbox
// label is present on both containers of a pair; the role labels
// distinguish agent from qdrant. All are valued by the sandbox ID.
const (
	SandboxLabel = "com.magic.sandbox.id"
	AgentLabel   = "com.magic.sandbox.agent"
	QdrantLabel  = "com.magic.sandbox.qdrant"
)

// Container name prefixes per role. The qdrant name doubles as its DNS
// address inside the shared network, so the agent reaches it by name.
const (
	AgentNamePrefix  = "magic-sandbox-agent-"
	QdrantNamePrefix = "magic-sandbox-qdrant-"
)

// Runtime-reported container statuses the engine branches on. Anything
// else is carried opaquely.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusExited  = "exited"
)

// Container is a normalized snapshot of one managed container, derived
// entirely from a single inspection and never reused across requests.
type Container struct {
	ID        string
	Name      string
	Labels    map[string]string
	Status    string
	IP        string
	CreatedAt time.Time
	StartedAt *time.Time
	ExitedAt  *time.Time
}

// Summary identifies a container returned from a filtered listing.
// Listings carry too little state to act on; callers inspect the ID.
type Summary struct {
	ID     string
	Name   string
	Labels map[string]string
	Status string
}

// CreateSpec describes a container to create.
type CreateSpec struct {
	Image   string
	Name    string
	Labels  map[string]string
	Env     map[string]string
	Network string
	// Binds are host:container:mode mount specs.
	Binds []string
}

// Client is the capability surface the orchestration engine needs from a
// container runtime.
type Client interface {
	// List returns summaries of containers carrying the given label. An
	// empty labelValue matches any value; an empty status matches all
	// states (including stopped ones).
	List(ctx context.Context, labelKey, labelValue, status string) ([]Summary, error)
	// Inspect returns the normalized snapshot for one container.
	Inspect(ctx context.Context, id string) (*Container, error)
	// Create creates (but does not start) a container, returning its ID.
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// Logs returns up to tail lines of combined, timestamped output.
	Logs(ctx context.Context, id string, tail int) (string, error)
	ImageExists(ctx context.Context, ref string) (bool, error)
}
