package ingressauth

import (
	"context"
	"fmt"

	"github.com/rise-platform/rise/internal/db"
	"github.com/rise-platform/rise/internal/models"
)

// AccessPolicy answers may_access(sub, project): whether a signed-in user
// may reach a private project's ingress. Re-evaluated against the database
// on every call — never cached across the lifetime of a session token — so
// a team-membership or app-user grant change takes effect on the very next
// subrequest.
type AccessPolicy struct {
	Projects *db.ProjectDB
	Teams    *db.TeamDB
	Users    *db.UserDB
}

// MayAccess reports whether the user identified by sub (the ingress
// token's subject, a user id) may reach project. Public projects admit
// anyone holding a valid ingress session; private projects require either
// project ownership, team membership (when the project is team-owned), or
// an explicit app-user grant.
func (p *AccessPolicy) MayAccess(ctx context.Context, sub string, project *models.Project) (bool, error) {
	if project.AccessClass == models.AccessClassPublic {
		return true, nil
	}

	switch project.OwnerKind {
	case models.OwnerKindUser:
		if project.OwnerID == sub {
			return true, nil
		}
	case models.OwnerKindTeam:
		isMember, err := p.Teams.IsMember(ctx, project.OwnerID, sub)
		if err != nil {
			return false, fmt.Errorf("check team membership: %w", err)
		}
		if isMember {
			return true, nil
		}
	}

	granted, err := p.Projects.IsAppUser(ctx, project.ID, sub)
	if err != nil {
		return false, fmt.Errorf("check app user grant: %w", err)
	}
	return granted, nil
}
