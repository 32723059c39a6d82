// Package runtime implements the Runtime Adapter capability: the single
// interface the Reconciler drives against, with two implementations — an
// orchestrator (Kubernetes) variant and a single-host (Docker) variant. The
// state machine in internal/reconciler is written only against Adapter.
package runtime

import (
	"context"
	"time"
)

// HealthState is the three-valued result of probing a workload.
type HealthState int

const (
	Ready HealthState = iota
	NotReady
	Gone
)

// WorkloadSpec is everything the adapter needs to create or update a
// deployment's backing workload.
type WorkloadSpec struct {
	ProjectName    string
	DeploymentID   string
	Group          string
	ImageRef       string
	HTTPPort       int
	Env            map[string]string
	PullSecretRef  string
	Hostnames      []string // computed URL + verified custom domains
	PathPrefix     string   // non-empty when the group's URL template embeds a prefix
	Private        bool     // gates the ingress auth-subrequest annotation
}

// WorkloadHandle identifies a provisioned workload to later adapter calls.
type WorkloadHandle struct {
	ProjectName  string
	DeploymentID string
	Group        string
	// Opaque is adapter-specific: a container ID for the Docker variant, or
	// empty for the K8s variant, which addresses everything by label.
	Opaque string
}

// LifecycleEvent is one entry in a workload's event stream, consumed by the
// Reconciler's watch_events fan-out (served over the websocket hub to API
// subscribers).
type LifecycleEvent struct {
	DeploymentID string
	Type         string // e.g. "ScheduleFailed", "PullBackOff", "Ready"
	Message      string
	ObservedAt   time.Time
}

// Adapter is the capability interface for one runtime backend, consumed by
// the Reconciler without it ever knowing which implementation it's talking
// to.
type Adapter interface {
	// ApplyWorkload creates or updates the workload described by spec,
	// idempotently — re-applying the same spec produces no additional
	// side effects.
	ApplyWorkload(ctx context.Context, spec WorkloadSpec) (WorkloadHandle, error)

	// DeleteWorkload releases every runtime resource backing handle.
	DeleteWorkload(ctx context.Context, handle WorkloadHandle) error

	// SetGroupTraffic atomically repoints (project, group)'s routing target
	// at deploymentID. Calling it twice in a row with the same arguments is
	// a no-op the second time.
	SetGroupTraffic(ctx context.Context, projectName, group, deploymentID string) error

	// ProbeHealth reports whether handle currently has at least one ready
	// replica answering its HTTP port.
	ProbeHealth(ctx context.Context, handle WorkloadHandle) (HealthState, error)

	// ActiveConnections reports, where the adapter can observe it, how many
	// connections are still open against handle, the drain-window signal
	// used during supersession. A negative return means "unknown"; callers
	// fall back to the configured drain timeout.
	ActiveConnections(ctx context.Context, handle WorkloadHandle) (int, error)

	// ApplyPullSecret upserts the runtime-stored image-pull credential for
	// a project, idempotently, annotating it with the refresh time.
	ApplyPullSecret(ctx context.Context, projectName string, dockerConfigJSON []byte, ttl time.Duration) error

	// WatchEvents streams lifecycle events for handle until ctx is done.
	WatchEvents(ctx context.Context, handle WorkloadHandle) (<-chan LifecycleEvent, error)

	// TailLogs streams the workload's log output, backing the
	// GET .../deployments/{id}/logs endpoint.
	TailLogs(ctx context.Context, handle WorkloadHandle, follow bool) (<-chan string, error)
}
