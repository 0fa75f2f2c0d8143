package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bigredeye/deploygate/internal/config"
	"github.com/bigredeye/deploygate/internal/models"
	"github.com/bigredeye/deploygate/internal/pipeline"
	"github.com/bigredeye/deploygate/internal/platform/base"
	"github.com/bigredeye/deploygate/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// History looks up runs that are no longer held by the scheduler.
type History interface {
	FindRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, pipeline string, limit int) ([]models.Run, error)
	ListRunJobs(ctx context.Context, runID string) ([]models.Job, error)
	ListRunGates(ctx context.Context, runID string) ([]models.Gate, error)
}

// Hooks decodes webhooks of a forge, served at /api/hooks/<name>.
type Hooks interface {
	Name() string
	ParseWebhook(r *http.Request) (*base.Push, error)
}

// RefSources reads definitions at a repository ref.
type RefSources interface {
	At(ref string) pipeline.Source
}

type Deps struct {
	Scheduler   *scheduler.Scheduler
	Definitions pipeline.Source
	// Optional.
	History History
	Hooks   Hooks
	Remote  RefSources
}

type Server struct {
	config *config.Config
	logger *zap.Logger
	auth   *AuthClient
	deps   Deps
}

func NewServer(config *config.Config, logger *zap.Logger, deps Deps) *Server {
	return &Server{
		config: config,
		logger: logger,
		auth:   NewAuthClient(config),
		deps:   deps,
	}
}

// Handler builds the HTTP router.
func (s *Server) Handler() (http.Handler, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))

	if err := setupAuth(s, r); err != nil {
		return nil, err
	}
	setupLoginService(s, r)
	setupAPIService(s, r)
	setupHooksService(s, r)

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong "+fmt.Sprint(time.Now().Unix()))
	})

	return r, nil
}

// Run serves until ctx is cancelled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return errors.Wrap(err, "Failed to build router")
	}

	srv := &http.Server{
		Addr:              s.config.Server.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting server", zap.String("bind_address", s.config.Server.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "Server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("Stopping server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "Failed to shutdown server")
	})
	return g.Wait()
}
