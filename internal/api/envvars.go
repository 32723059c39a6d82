package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/rise-platform/rise/internal/errors"
	"github.com/rise-platform/rise/internal/models"
)

func (s *Server) listEnvVars(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	vars, err := s.EnvVars.List(c.Request.Context(), proj.ID)
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("list env vars"))
		return
	}

	// Plain values are returned verbatim; Secret values are decrypted for a
	// caller already authorized against this project; Protected values are
	// never decrypted back out over the API (models.EnvVar doc comment).
	out := make([]*models.EnvVar, 0, len(vars))
	for _, ev := range vars {
		switch ev.ValueKind {
		case models.ValueKindSecret:
			if pt, err := s.Secrets.Decrypt(ev.Ciphertext); err == nil {
				ev.Value = string(pt)
			}
		case models.ValueKindProtected:
			ev.Value = ""
		}
		ev.Ciphertext = nil
		out = append(out, ev)
	}
	c.JSON(http.StatusOK, out)
}

type setEnvVarRequest struct {
	Key       string `json:"key" binding:"required"`
	Value     string `json:"value"`
	ValueKind string `json:"valueKind"`
}

func (s *Server) setEnvVar(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	var req setEnvVarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation("invalid request body"))
		return
	}
	key := req.Key
	if fromPath := c.Param("key"); fromPath != "" {
		key = fromPath
	}

	kind := models.ValueKindPlain
	switch models.ValueKind(req.ValueKind) {
	case models.ValueKindSecret:
		kind = models.ValueKindSecret
	case models.ValueKindProtected:
		kind = models.ValueKindProtected
	}

	var ciphertext []byte
	if kind == models.ValueKindPlain {
		req.Value = s.sanitize(req.Value)
	} else {
		ct, err := s.Secrets.Encrypt([]byte(req.Value))
		if err != nil {
			apperrors.HandleError(c, apperrors.FatalInternal("encrypt env var"))
			return
		}
		ciphertext = ct
	}

	if err := s.EnvVars.Set(c.Request.Context(), proj.ID, key, kind, ciphertext); err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("set env var"))
		return
	}
	id, _ := currentIdentity(c)
	_ = s.Audit.Record(c.Request.Context(), id.UserID, "envvar.set", "project", proj.ID, map[string]interface{}{"key": key, "kind": kind})
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteEnvVar(c *gin.Context) {
	proj := s.loadProjectOr404(c)
	if proj == nil {
		return
	}
	if err := s.EnvVars.Delete(c.Request.Context(), proj.ID, c.Param("key")); err != nil {
		apperrors.HandleError(c, apperrors.NotFound("env var"))
		return
	}
	c.Status(http.StatusNoContent)
}
