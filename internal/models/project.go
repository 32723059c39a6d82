package models

import "time"

// AccessClass controls whether a project's ingress requires a signed-in
// session (Private) or not (Public).
type AccessClass string

const (
	AccessClassPublic  AccessClass = "Public"
	AccessClassPrivate AccessClass = "Private"
)

// OwnerKind distinguishes a user-owned project from a team-owned one. Rise
// never models this as two nullable foreign keys; exactly one of the pair
// is meaningful, selected by OwnerKind.
type OwnerKind string

const (
	OwnerKindUser OwnerKind = "User"
	OwnerKindTeam OwnerKind = "Team"
)

// Project is the unit of deployment ownership. Name is the natural key used
// by the CLI and must be unique and URL-safe ([a-z0-9][a-z0-9-]*[a-z0-9]).
//
// OwnerKind/OwnerID are immutable except through Transfer, which is a
// distinct, audited operation rather than a field update on this struct.
type Project struct {
	ID          string      `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	AccessClass AccessClass `json:"accessClass" db:"access_class"`
	OwnerKind   OwnerKind   `json:"ownerKind" db:"owner_kind"`
	OwnerID     string      `json:"ownerId" db:"owner_id"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time   `json:"updatedAt" db:"updated_at"`
}

// AppUser grants a specific user access to an otherwise-private project
// without making them an owner or team member (project_app_users).
type AppUser struct {
	ProjectID string    `json:"projectId" db:"project_id"`
	UserID    string    `json:"userId" db:"user_id"`
	AddedAt   time.Time `json:"addedAt" db:"added_at"`
}

// CustomDomain binds an additional hostname to a project. At most one row
// per project may have IsPrimary=true. For the "default" group a verified
// primary (or, absent one, the default computed URL) determines
// RISE_APP_URL; other groups always use their computed URL, and unverified
// domains are ignored.
type CustomDomain struct {
	ProjectID  string     `json:"projectId" db:"project_id"`
	Name       string     `json:"name" db:"name"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty" db:"verified_at"`
	IsPrimary  bool       `json:"isPrimary" db:"is_primary"`
}

// ServiceAccount authorizes bearer JWTs from a given issuer to act as a
// machine identity against one project, provided every required claim
// matches its glob pattern.
type ServiceAccount struct {
	ID                string            `json:"id" db:"id"`
	ProjectID         string            `json:"projectId" db:"project_id"`
	IssuerURL         string            `json:"issuerUrl" db:"issuer_url"`
	ClaimRequirements map[string]string `json:"claimRequirements" db:"-"`
	CreatedAt         time.Time         `json:"createdAt" db:"created_at"`
}

// ValueKind is the sensitivity class of an EnvVar.
type ValueKind string

const (
	ValueKindPlain     ValueKind = "Plain"
	ValueKindSecret    ValueKind = "Secret"
	ValueKindProtected ValueKind = "Protected"
)

// EnvVar is a project-scoped configuration entry. For Secret and Protected
// kinds the value is stored only as Ciphertext; Protected values are never
// decrypted back out through the HTTP API.
type EnvVar struct {
	ProjectID string    `json:"projectId" db:"project_id"`
	Key       string    `json:"key" db:"key"`
	ValueKind ValueKind `json:"valueKind" db:"value_kind"`
	Value     string    `json:"value,omitempty" db:"-"`
	Ciphertext []byte   `json:"-" db:"ciphertext"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
