package models

import (
	"regexp"
	"time"
)

// Status is a deployment's position in the reconciler's state machine.
// Terminal statuses are never mutated again once reached.
type Status string

const (
	StatusPending     Status = "Pending"
	StatusBuilding    Status = "Building"
	StatusPushing     Status = "Pushing"
	StatusPushed      Status = "Pushed"
	StatusDeploying   Status = "Deploying"
	StatusHealthy     Status = "Healthy"
	StatusUnhealthy   Status = "Unhealthy"
	StatusCancelling  Status = "Cancelling"
	StatusCancelled   Status = "Cancelled"
	StatusTerminating Status = "Terminating"
	StatusStopped     Status = "Stopped"
	StatusSuperseded  Status = "Superseded"
	StatusExpired     Status = "Expired"
	StatusFailed      Status = "Failed"
)

// Terminal reports whether a status is a resting state the reconciler will
// never transition out of.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusSuperseded, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Serving reports whether a deployment in this status may hold a group's
// traffic-routing target.
func (s Status) Serving() bool {
	return s == StatusHealthy || s == StatusUnhealthy
}

var groupPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9/-]*[a-z0-9]$|^[a-z0-9]$`)

// ValidGroup reports whether g is a legal deployment group name per
// spec: [a-z0-9][a-z0-9/-]*[a-z0-9], at most 100 characters.
func ValidGroup(g string) bool {
	if len(g) == 0 || len(g) > 100 {
		return false
	}
	return groupPattern.MatchString(g)
}

var digestRefPattern = regexp.MustCompile(`^[^@\s]+@sha256:[0-9a-f]{64}$`)

// ValidDigestRef reports whether ref is a digest-pinned image reference
// (name@sha256:<hex64>), the only form a non-Pending deployment may carry.
func ValidDigestRef(ref string) bool {
	return digestRefPattern.MatchString(ref)
}

// EscapeGroupLabel replaces every character illegal in a DNS label with
// "--", per the orchestrator Runtime Adapter's naming rule.
func EscapeGroupLabel(group string) string {
	out := make([]byte, 0, len(group)+8)
	for i := 0; i < len(group); i++ {
		c := group[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			out = append(out, c)
		} else {
			out = append(out, '-', '-')
		}
	}
	return string(out)
}

// Deployment is one attempt to run a project's workload in a given group.
//
// ProjectID, Group, ImageRef, HTTPPort, EnvSnapshot, ExpireAfter, CreatedAt
// are set at creation and never mutated thereafter. Status, TerminalAt,
// HealthyAt and FailReason are the only fields written after creation.
type Deployment struct {
	ID          string            `json:"id" db:"id"`
	ProjectID   string            `json:"projectId" db:"project_id"`
	Group       string            `json:"group" db:"group_name"`
	CreatedAt   time.Time         `json:"createdAt" db:"created_at"`
	Status      Status            `json:"status" db:"status"`
	ImageRef    string            `json:"imageRef" db:"image_ref"`
	HTTPPort    int               `json:"httpPort" db:"http_port"`
	EnvSnapshot map[string]string `json:"-" db:"-"`
	ExpireAfter *time.Duration    `json:"expireAfter,omitempty" db:"expire_after_seconds"`
	Supersedes  *string           `json:"supersedes,omitempty" db:"supersedes"`
	TerminalAt  *time.Time        `json:"terminalAt,omitempty" db:"terminal_at"`
	HealthyAt   *time.Time        `json:"healthyAt,omitempty" db:"healthy_at"`
	FailReason  string            `json:"failReason,omitempty" db:"fail_reason"`
}

// SigningKey is one generation of an asymmetric keypair used to sign
// app-user JWTs. Every stored key is accepted for verification; only a
// first-run key is ever generated, so keys do not rotate.
type SigningKey struct {
	KID        string    `json:"kid" db:"kid"`
	PrivateKey []byte    `json:"-" db:"private_key"`
	PublicKey  []byte    `json:"-" db:"public_key"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// IngressSession is a signed-in end-user's session against a private
// project's ingress, keyed by an opaque cookie value.
type IngressSession struct {
	Cookie    string    `json:"-"`
	Subject   string    `json:"sub"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
	Issuer    string    `json:"iss"`
	Audience  string    `json:"aud"`
}
