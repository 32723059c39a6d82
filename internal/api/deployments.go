package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/rise-platform/rise/internal/errors"
	"github.com/rise-platform/rise/internal/middleware"
	"github.com/rise-platform/rise/internal/models"
	"github.com/rise-platform/rise/internal/runtime"
)

type createDeploymentRequest struct {
	Group              string            `json:"group" binding:"required"`
	ImageRef           string            `json:"imageRef" binding:"required"`
	HTTPPort           int               `json:"httpPort" binding:"required"`
	Env                map[string]string `json:"env"`
	ExpireAfterSeconds *int64            `json:"expireAfterSeconds"`
}

// createDeployment enters a new deployment at Pending; the Reconciler owns
// every transition from here.
func (s *Server) createDeployment(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	var req createDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation("invalid request body"))
		return
	}
	if !models.ValidGroup(req.Group) {
		apperrors.HandleError(c, apperrors.Validation("group must match [a-z0-9][a-z0-9/-]*[a-z0-9], <=100 chars"))
		return
	}
	if err := middleware.ValidateContainerImage(req.ImageRef); err != nil {
		apperrors.HandleError(c, apperrors.Validation(err.Error()))
		return
	}

	var expireAfter *time.Duration
	if req.ExpireAfterSeconds != nil {
		d := time.Duration(*req.ExpireAfterSeconds) * time.Second
		expireAfter = &d
	}

	dep, err := s.Deployments.CreateDeployment(c.Request.Context(), proj.ID, req.Group, req.ImageRef, req.HTTPPort, req.Env, expireAfter)
	if err != nil {
		apperrors.HandleError(c, apperrors.Validation(err.Error()))
		return
	}
	id, _ := currentIdentity(c)
	_ = s.Audit.Record(c.Request.Context(), id.UserID, "deployment.create", "deployment", dep.ID,
		map[string]interface{}{"projectId": proj.ID, "group": req.Group, "imageRef": req.ImageRef})
	DeploymentsTotal.WithLabelValues("created").Inc()
	c.JSON(http.StatusCreated, dep)
}

func (s *Server) listDeployments(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	deps, err := s.Deployments.ListByProject(c.Request.Context(), proj.ID)
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("list deployments"))
		return
	}
	c.JSON(http.StatusOK, deps)
}

// loadDeploymentOr404 loads a deployment and verifies it belongs to proj,
// so one project's caller can never address another project's deployment
// by guessing its id.
func (s *Server) loadDeploymentOr404(c *gin.Context, proj *models.Project) *models.Deployment {
	dep, err := s.Deployments.GetDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("load deployment"))
		return nil
	}
	if dep == nil || dep.ProjectID != proj.ID {
		apperrors.HandleError(c, apperrors.NotFound("deployment"))
		return nil
	}
	return dep
}

func (s *Server) getDeployment(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	dep := s.loadDeploymentOr404(c, proj)
	if dep == nil {
		return
	}
	c.JSON(http.StatusOK, dep)
}

// stopDeployment requests termination. Already-terminal deployments (e.g.
// already Superseded) are left untouched: stopping one twice is a no-op.
func (s *Server) stopDeployment(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	dep := s.loadDeploymentOr404(c, proj)
	if dep == nil {
		return
	}
	if dep.Status.Terminal() {
		c.Status(http.StatusNoContent)
		return
	}
	if _, err := s.Deployments.RequestStop(c.Request.Context(), dep.ID, dep.Status); err != nil {
		apperrors.HandleError(c, apperrors.Conflict("deployment changed state concurrently, retry"))
		return
	}
	id, _ := currentIdentity(c)
	_ = s.Audit.Record(c.Request.Context(), id.UserID, "deployment.stop", "deployment", dep.ID, nil)
	c.Status(http.StatusNoContent)
}

// rollbackDeployment is not a state transition of the target deployment: it
// creates a new deployment carrying the target's image_ref and runs it
// through the ordinary state machine.
func (s *Server) rollbackDeployment(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	target := s.loadDeploymentOr404(c, proj)
	if target == nil {
		return
	}

	envVars, err := s.EnvVars.List(c.Request.Context(), proj.ID)
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("load env vars"))
		return
	}
	env := make(map[string]string, len(envVars))
	for _, ev := range envVars {
		switch ev.ValueKind {
		case models.ValueKindSecret:
			if pt, err := s.Secrets.Decrypt(ev.Ciphertext); err == nil {
				env[ev.Key] = string(pt)
			}
		case models.ValueKindProtected:
			continue
		default:
			env[ev.Key] = ev.Value
		}
	}

	dep, err := s.Deployments.CreateDeployment(c.Request.Context(), proj.ID, target.Group, target.ImageRef, target.HTTPPort, env, target.ExpireAfter)
	if err != nil {
		apperrors.HandleError(c, apperrors.Validation(err.Error()))
		return
	}
	id, _ := currentIdentity(c)
	_ = s.Audit.Record(c.Request.Context(), id.UserID, "deployment.rollback", "deployment", dep.ID,
		map[string]interface{}{"rolledBackFrom": target.ID})
	c.JSON(http.StatusCreated, dep)
}

func workloadHandle(proj *models.Project, dep *models.Deployment) runtime.WorkloadHandle {
	return runtime.WorkloadHandle{ProjectName: proj.Name, DeploymentID: dep.ID, Group: dep.Group}
}

// tailDeploymentLogs streams the workload's log output as newline-delimited
// chunked text; ?follow=true keeps the connection open for new lines.
func (s *Server) tailDeploymentLogs(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	dep := s.loadDeploymentOr404(c, proj)
	if dep == nil {
		return
	}
	follow := c.Query("follow") == "true"

	lines, err := s.Runtime.TailLogs(c.Request.Context(), workloadHandle(proj, dep), follow)
	if err != nil {
		apperrors.HandleError(c, apperrors.TransientExternal("runtime", errors.New("tail logs")))
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Stream(func(w io.Writer) bool {
		line, ok := <-lines
		if !ok {
			return false
		}
		_, writeErr := io.WriteString(w, line+"\n")
		return writeErr == nil
	})
}

// watchDeploymentEvents upgrades to a websocket and streams lifecycle
// events via the shared Hub, fanned out per subscriber rather than per
// adapter watch.
func (s *Server) watchDeploymentEvents(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	dep := s.loadDeploymentOr404(c, proj)
	if dep == nil {
		return
	}
	if err := s.Events.ServeWS(c, s.Runtime, workloadHandle(proj, dep)); err != nil {
		apperrors.HandleError(c, apperrors.TransientExternal("runtime", errors.New("watch events")))
	}
}

// mintRegistryCredentials issues a short-lived, repository-scoped push
// credential for the caller's project.
func (s *Server) mintRegistryCredentials(c *gin.Context) {
	id, _ := currentIdentity(c)
	if id.ProjectID == "" {
		apperrors.HandleError(c, apperrors.Forbidden("registry credentials require a project-scoped service account token"))
		return
	}
	proj, err := s.Projects.GetProjectByID(c.Request.Context(), id.ProjectID)
	if err != nil || proj == nil {
		apperrors.HandleError(c, apperrors.NotFound("project"))
		return
	}

	creds, err := s.Registry.MintPush(c.Request.Context(), proj.Name)
	if err != nil {
		apperrors.HandleError(c, apperrors.TransientExternal("registry", errors.New("mint push credentials")))
		return
	}
	_ = s.Audit.Record(c.Request.Context(), "", "registry.credentials.mint", "project", proj.ID, nil)
	c.JSON(http.StatusOK, creds)
}
