package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/rise-platform/rise/internal/errors"
)

func (s *Server) listServiceAccounts(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	accounts, err := s.ServiceAccounts.ListByProject(c.Request.Context(), proj.ID)
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("list service accounts"))
		return
	}
	c.JSON(http.StatusOK, accounts)
}

type createServiceAccountRequest struct {
	IssuerURL         string            `json:"issuerUrl" binding:"required"`
	ClaimRequirements map[string]string `json:"claimRequirements" binding:"required"`
}

// createServiceAccount binds an external OIDC issuer's tokens to this
// project, gated on every value in ClaimRequirements matching as a glob
// pattern (models.ServiceAccount.Satisfies).
func (s *Server) createServiceAccount(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	var req createServiceAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation("invalid request body"))
		return
	}
	if len(req.ClaimRequirements) == 0 {
		apperrors.HandleError(c, apperrors.Validation("at least one claim requirement is required"))
		return
	}

	sa, err := s.ServiceAccounts.Create(c.Request.Context(), proj.ID, req.IssuerURL, req.ClaimRequirements)
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("create service account"))
		return
	}
	id, _ := currentIdentity(c)
	_ = s.Audit.Record(c.Request.Context(), id.UserID, "serviceaccount.create", "project", proj.ID, map[string]interface{}{"serviceAccountId": sa.ID})
	c.JSON(http.StatusCreated, sa)
}

func (s *Server) deleteServiceAccount(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	if err := s.ServiceAccounts.Delete(c.Request.Context(), c.Param("id")); err != nil {
		apperrors.HandleError(c, apperrors.NotFound("service account"))
		return
	}
	id, _ := currentIdentity(c)
	_ = s.Audit.Record(c.Request.Context(), id.UserID, "serviceaccount.delete", "project", proj.ID, map[string]interface{}{"serviceAccountId": c.Param("id")})
	c.Status(http.StatusNoContent)
}
