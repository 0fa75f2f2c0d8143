package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/api"
	lf "github.com/bigredeye/deploygate/internal/logfield"
	"github.com/bigredeye/deploygate/internal/platform/base"
	"github.com/bigredeye/deploygate/internal/scheduler"
)

// assertionHeader carries the CI identity token of webhook-triggered runs.
const assertionHeader = "X-Deploygate-Assertion"

type hooksService struct {
	webService
}

func setupHooksService(server *Server, r *gin.Engine) {
	if server.deps.Hooks == nil {
		return
	}
	s := hooksService{webService{server, server.config, server.logger.Named("hooks")}}
	r.POST("/api/hooks/"+server.deps.Hooks.Name(), s.push)
}

func (s hooksService) push(c *gin.Context) {
	push, err := s.server.deps.Hooks.ParseWebhook(c.Request)
	if base.IsInvalidToken(err) {
		s.log.Warn("Webhook with invalid token", zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, &api.Status{Error: err.Error()})
		return
	} else if err != nil {
		s.log.Warn("Failed to parse webhook", zap.Error(err))
		c.JSON(http.StatusBadRequest, &api.Status{Error: err.Error()})
		return
	}

	if push == nil || push.Pipeline == "" {
		c.JSON(http.StatusOK, &api.HookResponse{Status: api.Status{Ok: true}})
		return
	}

	log := s.log.With(lf.ProjectName(push.Project), lf.Ref(push.Ref), lf.Pipeline(push.Pipeline))

	source := s.server.deps.Definitions
	if s.server.deps.Remote != nil {
		source = s.server.deps.Remote.At(push.Commit)
	}
	vars := map[string]string{
		"ref":    push.Ref,
		"branch": push.Branch,
		"commit": push.Commit,
	}
	def, err := source.Load(c, push.Pipeline, vars)
	if err != nil {
		log.Error("Failed to load pipeline", zap.Error(err))
		c.JSON(http.StatusBadRequest, &api.Status{Error: err.Error()})
		return
	}

	run, err := s.server.deps.Scheduler.Start(c, def, scheduler.Trigger{
		Pipeline:  def.Name,
		Ref:       push.Ref,
		Event:     scheduler.EventPush,
		Actor:     push.Actor,
		Variables: vars,
		Assertion: c.GetHeader(assertionHeader),
	})
	if err != nil {
		log.Error("Failed to start run", zap.Error(err))
		c.JSON(errorCode(err), &api.Status{Error: err.Error()})
		return
	}

	log.Info("Started run from push", lf.RunID(run.ID()), lf.Actor(push.Actor))
	c.JSON(http.StatusCreated, &api.HookResponse{Status: api.Status{Ok: true}, Run: makeRun(run.Snapshot())})
}
