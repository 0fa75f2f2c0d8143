package web

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/api"
	"github.com/bigredeye/deploygate/internal/gates"
	"github.com/bigredeye/deploygate/internal/graph"
	lf "github.com/bigredeye/deploygate/internal/logfield"
	"github.com/bigredeye/deploygate/internal/scheduler"
)

const defaultHistoryLimit = 50

type apiService struct {
	webService
}

func setupAPIService(server *Server, r *gin.Engine) {
	s := apiService{webService{server, server.config, server.logger.Named("api")}}

	g := r.Group("/api", server.identify)
	g.POST("/runs", s.trigger)
	g.GET("/runs", s.listRuns)
	g.GET("/runs/:run", s.getRun)
	g.POST("/runs/:run/gates/:gate/:decision", s.resolveGate)
	g.POST("/runs/:run/cancel", s.cancel)
	g.POST("/runs/:run/rerun", s.rerun)
	g.GET("/history", s.history)
}

// errorCode maps domain errors onto HTTP statuses.
func errorCode(err error) int {
	switch {
	case scheduler.IsRunNotFound(err), gates.IsNotFound(err):
		return http.StatusNotFound
	case gates.IsUnauthorizedApprover(err):
		return http.StatusForbidden
	case scheduler.IsRunFinished(err), gates.IsAlreadyResolved(err):
		return http.StatusConflict
	case graph.IsCycle(err), graph.IsUnknownReference(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s apiService) fail(c *gin.Context, code int, err error) {
	s.log.Warn("Request failed", zap.String("path", c.FullPath()), zap.Int("code", code), zap.Error(err))
	c.JSON(code, &api.Status{Error: err.Error()})
}

func (s apiService) trigger(c *gin.Context) {
	req := api.TriggerRequest{}
	if err := c.BindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	def, err := s.server.deps.Definitions.Load(c, req.Pipeline, req.Variables)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	run, err := s.server.deps.Scheduler.Start(c, def, scheduler.Trigger{
		Pipeline:  def.Name,
		Ref:       req.Ref,
		Event:     scheduler.EventManual,
		Actor:     identity(c),
		Variables: req.Variables,
		Assertion: req.Assertion,
	})
	if err != nil {
		s.fail(c, errorCode(err), err)
		return
	}

	s.log.Info("Triggered run", lf.RunID(run.ID()), lf.Pipeline(def.Name), lf.Actor(identity(c)))
	c.JSON(http.StatusCreated, &api.RunResponse{Status: api.Status{Ok: true}, Run: makeRun(run.Snapshot())})
}

func (s apiService) listRuns(c *gin.Context) {
	snapshots := s.server.deps.Scheduler.List()
	pipeline := c.Query("pipeline")

	res := &api.RunsResponse{Status: api.Status{Ok: true}, Runs: make([]*api.Run, 0, len(snapshots))}
	for _, snapshot := range snapshots {
		if pipeline != "" && snapshot.Pipeline != pipeline {
			continue
		}
		res.Runs = append(res.Runs, makeRun(snapshot))
	}
	c.JSON(http.StatusOK, res)
}

func (s apiService) getRun(c *gin.Context) {
	runID := c.Param("run")

	run, err := s.server.deps.Scheduler.Get(runID)
	if err == nil {
		c.JSON(http.StatusOK, &api.RunResponse{Status: api.Status{Ok: true}, Run: makeRun(run.Snapshot())})
		return
	}
	if !scheduler.IsRunNotFound(err) || s.server.deps.History == nil {
		s.fail(c, errorCode(err), err)
		return
	}

	history := s.server.deps.History
	stored, err := history.FindRun(c, runID)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if stored == nil {
		s.fail(c, http.StatusNotFound, &scheduler.RunNotFoundError{RunID: runID})
		return
	}
	jobs, err := history.ListRunJobs(c, runID)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	storedGates, err := history.ListRunGates(c, runID)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, &api.RunResponse{Status: api.Status{Ok: true}, Run: makeStoredRun(stored, jobs, storedGates)})
}

func (s apiService) resolveGate(c *gin.Context) {
	decision, err := gates.ParseDecision(c.Param("decision"))
	if err != nil {
		s.fail(c, http.StatusNotFound, err)
		return
	}

	runID, gateID, actor := c.Param("run"), c.Param("gate"), identity(c)
	gate, err := s.server.deps.Scheduler.SubmitApproval(runID, gateID, decision, actor)
	if err != nil {
		s.fail(c, errorCode(err), err)
		return
	}

	s.log.Info("Resolved gate", lf.RunID(runID), lf.GateID(gateID), lf.Decision(decision), lf.Actor(actor))
	c.JSON(http.StatusOK, &api.GateResponse{Status: api.Status{Ok: true}, Gate: makeGate(&gate)})
}

func (s apiService) cancel(c *gin.Context) {
	runID := c.Param("run")
	if err := s.server.deps.Scheduler.Cancel(runID, identity(c)); err != nil {
		s.fail(c, errorCode(err), err)
		return
	}
	s.log.Info("Cancelled run", lf.RunID(runID), lf.Actor(identity(c)))
	c.JSON(http.StatusOK, &api.Status{Ok: true})
}

func (s apiService) rerun(c *gin.Context) {
	run, err := s.server.deps.Scheduler.Rerun(c, c.Param("run"), identity(c))
	if err != nil {
		s.fail(c, errorCode(err), err)
		return
	}
	c.JSON(http.StatusCreated, &api.RunResponse{Status: api.Status{Ok: true}, Run: makeRun(run.Snapshot())})
}

func (s apiService) history(c *gin.Context) {
	if s.server.deps.History == nil {
		c.JSON(http.StatusNotImplemented, &api.Status{Error: "Run history is not configured"})
		return
	}

	limit := defaultHistoryLimit
	if value := c.Query("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, &api.Status{Error: "Invalid limit"})
			return
		}
		limit = parsed
	}

	runs, err := s.server.deps.History.ListRuns(c, c.Query("pipeline"), limit)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	res := &api.RunsResponse{Status: api.Status{Ok: true}, Runs: make([]*api.Run, 0, len(runs))}
	for i := range runs {
		res.Runs = append(res.Runs, makeStoredRun(&runs[i], nil, nil))
	}
	c.JSON(http.StatusOK, res)
}
