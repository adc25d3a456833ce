package api

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/craterd/craterd/pkg/experiment"
	"github.com/craterd/craterd/pkg/models"
	"github.com/craterd/craterd/pkg/store"
)

// requireAdmin authenticates the `Authorization: CraterAdmin <token>` header
// against the second token class spec §6 names ("administrative tokens"),
// separate from and never interchangeable with the per-agent tokens
// requireAgent checks. An empty tokens list rejects every request, closing
// the admin surface entirely rather than defaulting it open.
func requireAdmin(tokens []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "CraterAdmin "
		if !strings.HasPrefix(header, prefix) {
			writeUnauthorized(c)
			c.Abort()
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		if token == "" || !tokenAllowed(tokens, token) {
			writeUnauthorized(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

func tokenAllowed(tokens []string, token string) bool {
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// createExperimentRequest is the wire shape of an operator-submitted
// experiment, mirroring experiment.CreateParams.
type createExperimentRequest struct {
	Name            string           `json:"name" binding:"required"`
	ToolchainStart  string           `json:"toolchain_start" binding:"required"`
	ToolchainEnd    string           `json:"toolchain_end" binding:"required"`
	Mode            models.Mode      `json:"mode"`
	CapLints        models.CapLints  `json:"cap_lints"`
	Priority        int              `json:"priority"`
	Crates          []models.Crate   `json:"crates" binding:"required"`
	Issue           *models.IssueRef `json:"issue,omitempty"`
	IgnoreBlacklist bool             `json:"ignore_blacklist"`
}

// handleCreateExperiment serves POST /admin-api/experiments: the operator
// path for submitting a new experiment, which experiment.Service.Create
// otherwise has no caller for outside of tests.
func (s *Server) handleCreateExperiment(c *gin.Context) {
	var req createExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInternalError(c, err.Error())
		return
	}

	e, err := s.Experiments.Create(c.Request.Context(), experiment.CreateParams{
		Name:            req.Name,
		ToolchainStart:  req.ToolchainStart,
		ToolchainEnd:    req.ToolchainEnd,
		Mode:            req.Mode,
		CapLints:        req.CapLints,
		Priority:        req.Priority,
		Crates:          req.Crates,
		Issue:           req.Issue,
		IgnoreBlacklist: req.IgnoreBlacklist,
	})
	if err != nil {
		writeInternalError(c, err.Error())
		return
	}
	writeSuccess(c, e)
}

// editExperimentRequest mirrors store.ExperimentEdit; every field is
// optional, matching Edit's patch semantics.
type editExperimentRequest struct {
	ToolchainStart *string          `json:"toolchain_start,omitempty"`
	ToolchainEnd   *string          `json:"toolchain_end,omitempty"`
	Mode           *models.Mode     `json:"mode,omitempty"`
	CapLints       *models.CapLints `json:"cap_lints,omitempty"`
	Priority       *int             `json:"priority,omitempty"`
	Crates         []models.Crate   `json:"crates,omitempty"`
}

// handleEditExperiment serves PATCH /admin-api/experiments/:name.
func (s *Server) handleEditExperiment(c *gin.Context) {
	var req editExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInternalError(c, err.Error())
		return
	}

	err := s.Experiments.Edit(c.Request.Context(), c.Param("name"), store.ExperimentEdit{
		ToolchainStart: req.ToolchainStart,
		ToolchainEnd:   req.ToolchainEnd,
		Mode:           req.Mode,
		CapLints:       req.CapLints,
		Priority:       req.Priority,
		Crates:         req.Crates,
	})
	if err != nil {
		if err == experiment.ErrNotFound {
			writeNotFound(c)
			return
		}
		writeInternalError(c, err.Error())
		return
	}
	writeSuccess(c, true)
}

// handleReopenExperiment serves POST /admin-api/experiments/:name/reopen:
// the operator action that moves a Failed experiment to NeedsReport so its
// partial results still get a report, per Service.Reopen.
func (s *Server) handleReopenExperiment(c *gin.Context) {
	name := c.Param("name")
	if err := s.Experiments.Reopen(c.Request.Context(), name); err != nil {
		if err == experiment.ErrNotFound {
			writeNotFound(c)
			return
		}
		writeInternalError(c, err.Error())
		return
	}
	writeSuccess(c, true)
}
