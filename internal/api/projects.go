package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/rise-platform/rise/internal/errors"
	"github.com/rise-platform/rise/internal/middleware"
	"github.com/rise-platform/rise/internal/models"
)

type createProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	AccessClass string `json:"accessClass"`
	TeamID      string `json:"teamId"`
}

// createProject provisions a project owned by the calling user, or by a
// team the caller belongs to when teamId is set.
func (s *Server) createProject(c *gin.Context) {
	id, _ := currentIdentity(c)
	if id.UserID == "" {
		apperrors.HandleError(c, apperrors.Forbidden("only a signed-in user may create a project"))
		return
	}

	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation("invalid request body"))
		return
	}
	name := s.sanitize(req.Name)
	if err := middleware.ValidateResourceName(name); err != nil {
		apperrors.HandleError(c, apperrors.Validation(err.Error()))
		return
	}

	ownerKind, ownerID := models.OwnerKindUser, id.UserID
	if req.TeamID != "" {
		member, err := s.Teams.IsMember(c.Request.Context(), req.TeamID, id.UserID)
		if err != nil {
			apperrors.HandleError(c, apperrors.FatalInternal("check team membership"))
			return
		}
		if !member {
			apperrors.HandleError(c, apperrors.Forbidden("not a member of the requested team"))
			return
		}
		ownerKind, ownerID = models.OwnerKindTeam, req.TeamID
	}

	accessClass := models.AccessClassPrivate
	if req.AccessClass == string(models.AccessClassPublic) {
		accessClass = models.AccessClassPublic
	}

	proj, err := s.Projects.CreateProject(c.Request.Context(), name, accessClass, ownerKind, ownerID)
	if err != nil {
		apperrors.HandleError(c, apperrors.Conflict("a project with that name already exists"))
		return
	}
	if err := s.Registry.EnsureRepository(c.Request.Context(), proj.Name); err != nil {
		apperrors.HandleError(c, apperrors.TransientExternal("registry", errors.New("provision repository")))
		return
	}
	_ = s.Audit.Record(c.Request.Context(), id.UserID, "project.create", "project", proj.ID, nil)
	c.JSON(http.StatusCreated, proj)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.Projects.ListProjects(c.Request.Context())
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("list projects"))
		return
	}
	c.JSON(http.StatusOK, projects)
}

func (s *Server) loadProjectOr404(c *gin.Context) *models.Project {
	proj, err := s.Projects.GetProjectByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("load project"))
		return nil
	}
	if proj == nil {
		apperrors.HandleError(c, apperrors.NotFound("project"))
		return nil
	}
	return proj
}

func (s *Server) getProject(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	c.JSON(http.StatusOK, proj)
}

type updateProjectRequest struct {
	AccessClass string `json:"accessClass" binding:"required"`
}

func (s *Server) updateProject(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	var req updateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation("invalid request body"))
		return
	}
	ac := models.AccessClass(req.AccessClass)
	if ac != models.AccessClassPublic && ac != models.AccessClassPrivate {
		apperrors.HandleError(c, apperrors.Validation("accessClass must be Public or Private"))
		return
	}
	if err := s.Projects.UpdateProjectAccessClass(c.Request.Context(), proj.ID, ac); err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("update project"))
		return
	}
	id, _ := currentIdentity(c)
	_ = s.Audit.Record(c.Request.Context(), id.UserID, "project.update", "project", proj.ID, map[string]interface{}{"accessClass": ac})
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteProject(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	if err := s.Registry.RemoveRepository(c.Request.Context(), proj.Name, false); err != nil {
		apperrors.HandleError(c, apperrors.TransientExternal("registry", errors.New("retire repository")))
		return
	}
	if err := s.Projects.DeleteProject(c.Request.Context(), proj.ID); err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("delete project"))
		return
	}
	id, _ := currentIdentity(c)
	_ = s.Audit.Record(c.Request.Context(), id.UserID, "project.delete", "project", proj.ID, nil)
	c.Status(http.StatusNoContent)
}

type transferProjectRequest struct {
	OwnerKind string `json:"ownerKind" binding:"required"`
	OwnerID   string `json:"ownerId" binding:"required"`
}

// transferProject is the audited, distinct operation models.Project's doc
// comment calls for rather than an ordinary field update.
func (s *Server) transferProject(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	var req transferProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation("invalid request body"))
		return
	}
	kind := models.OwnerKind(req.OwnerKind)
	if kind != models.OwnerKindUser && kind != models.OwnerKindTeam {
		apperrors.HandleError(c, apperrors.Validation("ownerKind must be User or Team"))
		return
	}
	if err := s.Projects.TransferProject(c.Request.Context(), proj.ID, kind, req.OwnerID); err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("transfer project"))
		return
	}
	id, _ := currentIdentity(c)
	_ = s.Audit.Record(c.Request.Context(), id.UserID, "project.transfer", "project", proj.ID,
		map[string]interface{}{"ownerKind": kind, "ownerId": req.OwnerID})
	c.Status(http.StatusNoContent)
}

func (s *Server) listDomains(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	domains, err := s.Projects.ListCustomDomains(c.Request.Context(), proj.ID)
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("list domains"))
		return
	}
	c.JSON(http.StatusOK, domains)
}

type addDomainRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) addDomain(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	var req addDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation("invalid request body"))
		return
	}
	dom, err := s.Projects.AddCustomDomain(c.Request.Context(), proj.ID, s.sanitize(req.Name))
	if err != nil {
		apperrors.HandleError(c, apperrors.Conflict("domain already bound to a project"))
		return
	}
	c.JSON(http.StatusCreated, dom)
}

func (s *Server) deleteDomain(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	if err := s.Projects.DeleteCustomDomain(c.Request.Context(), proj.ID, c.Param("dom")); err != nil {
		apperrors.HandleError(c, apperrors.NotFound("domain"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setPrimaryDomain(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	if err := s.Projects.SetPrimaryDomain(c.Request.Context(), proj.ID, c.Param("dom")); err != nil {
		apperrors.HandleError(c, apperrors.NotFound("domain"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listProjectAudit(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	entries, err := s.Audit.ListByResource(c.Request.Context(), "project", proj.ID)
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("load audit log"))
		return
	}
	c.JSON(http.StatusOK, entries)
}
