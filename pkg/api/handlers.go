package api

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/craterd/craterd/pkg/experiment"
	"github.com/craterd/craterd/pkg/models"
	"github.com/craterd/craterd/pkg/store"
)

// ReportNudger is satisfied by *report.Worker; it lets the API wake the
// report worker immediately after a chunk completes instead of waiting for
// the next poll tick, without pkg/api importing pkg/report.
type ReportNudger interface {
	RequestRun()
}

// Server bundles the dependencies the agent-facing handlers need. It holds
// no state of its own.
type Server struct {
	Store       *store.Store
	Experiments *experiment.Service
	Config      CraterConfig
	ReportNudge ReportNudger
	Log         *slog.Logger

	// AdminTokens gates /admin-api/, the operator-facing surface for
	// submitting and managing experiments (spec §6's administrative token
	// class). Empty closes the surface entirely.
	AdminTokens []string

	httpServer *http.Server
}

func (s *Server) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Router builds the gin engine serving /agent-api/, per spec §4.4: every
// route requires the CraterToken bearer header and every response is the
// tagged envelope, including unmatched routes and recovered panics. It also
// serves /admin-api/, gated by the separate CraterAdmin bearer token (§6),
// for operator experiment management.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.recoverToEnvelope)
	r.NoRoute(func(c *gin.Context) { writeNotFound(c) })

	group := r.Group("/agent-api", requireAgent(s.Store))
	group.GET("/config", s.handleConfig)
	group.GET("/next-experiment-chunk", s.handleNextChunk)
	group.POST("/complete-experiment-chunk", s.handleCompleteChunk)
	group.POST("/record-progress", s.handleRecordProgress)
	group.POST("/heartbeat", s.handleHeartbeat)
	group.POST("/error", s.handleError)

	admin := r.Group("/admin-api", requireAdmin(s.AdminTokens))
	admin.POST("/experiments", s.handleCreateExperiment)
	admin.PATCH("/experiments/:name", s.handleEditExperiment)
	admin.POST("/experiments/:name/reopen", s.handleReopenExperiment)

	return r
}

// recoverToEnvelope converts a panic surfaced past gin.Recovery (which
// otherwise answers a bare 500) into the tagged InternalError envelope, so
// agents never have to special-case a non-200 transport status from a
// coordinator bug the way they do for genuine network failures.
func (s *Server) recoverToEnvelope(c *gin.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log().Error("panic handling agent request", "path", c.Request.URL.Path, "panic", rec)
			writeInternalError(c, fmt.Sprintf("internal error: %v", rec))
			c.Abort()
		}
	}()
	c.Next()
}

// handleConfig serves GET config.
func (s *Server) handleConfig(c *gin.Context) {
	agent := currentAgent(c)
	writeSuccess(c, AgentConfigResponse{
		AgentName:    agent.Name,
		CraterConfig: s.Config,
	})
}

// chunkPayload is the wire shape of an assigned chunk, joining the chunk's
// own crate subset with its parent experiment's run parameters so the
// agent never needs a second round-trip to start work.
type chunkPayload struct {
	Name           string          `json:"name"`
	ExperimentName string          `json:"experiment_name"`
	ToolchainStart string          `json:"toolchain_start"`
	ToolchainEnd   string          `json:"toolchain_end"`
	Mode           models.Mode     `json:"mode"`
	CapLints       models.CapLints `json:"cap_lints"`
	Crates         []models.Crate  `json:"crates"`
}

// handleNextChunk serves GET next-experiment-chunk: assigns (or re-returns
// the agent's already-Running) chunk, transitions a first-claimed parent
// Queued -> Running with a notification, and prunes crates that already
// have both toolchain results before handing the chunk back, per
// agent.rs's endpoint_next_experiment_chunk.
func (s *Server) handleNextChunk(c *gin.Context) {
	ctx := c.Request.Context()
	agent := currentAgent(c)

	chunk, _, err := s.Experiments.NextFor(ctx, agent.Name)
	if err != nil {
		writeInternalError(c, err.Error())
		return
	}
	if chunk == nil {
		writeSuccess(c, nil)
		return
	}

	parent, err := s.Experiments.Get(ctx, chunk.ParentName)
	if err != nil {
		writeInternalError(c, err.Error())
		return
	}

	// Pruned unconditionally: a fresh claim may inherit already-completed
	// crates from a prior agent's partial progress, and a resumed
	// (isNew == false) chunk is exactly the mid-chunk-crash case this
	// exists for, per spec §4.2.
	if err := s.Store.RemoveCompletedCrates(ctx, chunk.Name); err != nil {
		writeInternalError(c, err.Error())
		return
	}
	chunk, err = s.Store.RunningChunkFor(ctx, agent.Name)
	if err != nil {
		writeInternalError(c, err.Error())
		return
	}

	writeSuccess(c, chunkPayload{
		Name:           chunk.Name,
		ExperimentName: parent.Name,
		ToolchainStart: parent.ToolchainStart,
		ToolchainEnd:   parent.ToolchainEnd,
		Mode:           parent.Mode,
		CapLints:       parent.CapLints,
		Crates:         chunk.Crates,
	})
}

// handleCompleteChunk serves POST complete-experiment-chunk: completes the
// calling agent's currently-Running chunk and, once its parent's last
// chunk lands, nudges the report worker awake instead of waiting for its
// next tick.
func (s *Server) handleCompleteChunk(c *gin.Context) {
	ctx := c.Request.Context()
	agent := currentAgent(c)

	chunk, err := s.Store.RunningChunkFor(ctx, agent.Name)
	if err != nil {
		writeInternalError(c, err.Error())
		return
	}
	if chunk == nil {
		writeInternalError(c, "no experiment chunk run by this agent")
		return
	}

	_, readyForReport, err := s.Experiments.CompleteChunk(ctx, chunk.Name)
	if err != nil {
		writeInternalError(c, err.Error())
		return
	}
	if readyForReport && s.ReportNudge != nil {
		s.ReportNudge.RequestRun()
	}

	writeSuccess(c, true)
}

// handleRecordProgress serves POST record-progress: the agent's batched
// results and captured shas for the chunk it currently holds.
func (s *Server) handleRecordProgress(c *gin.Context) {
	ctx := c.Request.Context()
	agent := currentAgent(c)

	chunk, err := s.Store.RunningChunkFor(ctx, agent.Name)
	if err != nil {
		writeInternalError(c, err.Error())
		return
	}
	if chunk == nil {
		writeInternalError(c, "no experiment chunk run by this agent")
		return
	}

	var body RecordProgressRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeInternalError(c, err.Error())
		return
	}

	s.log().Info("received progress", "experiment", chunk.ParentName, "agent", agent.Name, "results", len(body.Results), "shas", len(body.Shas))

	now := time.Now().UTC()
	for _, rr := range body.Results {
		log, err := base64.StdEncoding.DecodeString(rr.LogBase64)
		if err != nil {
			writeInternalError(c, fmt.Sprintf("decode log for %s: %v", rr.Crate.Key(), err))
			return
		}
		result := &models.Result{
			ExperimentName: chunk.ParentName,
			Crate:          rr.Crate,
			Toolchain:      rr.Toolchain,
			TestResult:     rr.Result,
			Log:            log,
			RecordedAt:     now,
		}
		if err := s.Store.RecordResult(ctx, result); err != nil {
			writeInternalError(c, err.Error())
			return
		}
	}
	for _, sh := range body.Shas {
		if err := s.Store.UpsertSha(ctx, &models.Sha{
			ExperimentName: chunk.ParentName,
			Org:            sh.Org,
			Name:           sh.Name,
			SHA:            sh.Sha,
		}); err != nil {
			writeInternalError(c, err.Error())
			return
		}
	}

	writeSuccess(c, true)
}

// handleHeartbeat serves POST heartbeat; the git-revision refresh itself
// already happened in requireAgent when the header was present, so this
// only needs to bump the timestamp.
func (s *Server) handleHeartbeat(c *gin.Context) {
	agent := currentAgent(c)
	if err := s.Store.Heartbeat(c.Request.Context(), agent.Name, agent.GitRevision); err != nil {
		writeInternalError(c, err.Error())
		return
	}
	writeSuccess(c, true)
}

// handleError serves POST error: the agent reporting a local failure it
// cannot recover from fails the experiment owning its current chunk, per
// agent.rs's endpoint_error.
func (s *Server) handleError(c *gin.Context) {
	ctx := c.Request.Context()
	agent := currentAgent(c)

	chunk, err := s.Store.RunningChunkFor(ctx, agent.Name)
	if err != nil {
		writeInternalError(c, err.Error())
		return
	}
	if chunk == nil {
		writeInternalError(c, "no experiment chunk run by this agent")
		return
	}

	var body ErrorRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeInternalError(c, err.Error())
		return
	}
	if body.Error == "" {
		body.Error = "no error"
	}

	if err := s.Experiments.SetFailed(ctx, chunk.ParentName, body.Error); err != nil {
		writeInternalError(c, err.Error())
		return
	}

	writeSuccess(c, true)
}
