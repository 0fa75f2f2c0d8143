package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bigredeye/deploygate/internal/app"
	"github.com/bigredeye/deploygate/internal/config"
	"github.com/bigredeye/deploygate/internal/database"
	"github.com/bigredeye/deploygate/internal/pipeline"
	"github.com/bigredeye/deploygate/internal/platform"
	"github.com/bigredeye/deploygate/internal/scheduler"
	"github.com/bigredeye/deploygate/internal/tgbot"
	"github.com/bigredeye/deploygate/internal/web"
	zlog "github.com/bigredeye/deploygate/pkg/log"
)

const drainTimeout = 30 * time.Second

func initLogger(conf *config.Config) *zap.Logger {
	if conf.Log.File == "" {
		return zlog.InitDev()
	}
	return zlog.InitFile(zlog.FileOptions{
		Path:       conf.Log.File,
		MaxSizeMB:  conf.Log.MaxSizeMB,
		MaxBackups: conf.Log.MaxBackups,
		MaxAgeDays: conf.Log.MaxAgeDays,
	})
}

func run(configPath string) error {
	conf, err := config.ParseConfig(configPath)
	if err != nil {
		return err
	}

	logger := initLogger(conf)
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, err := app.NewExecutor(conf, logger)
	if err != nil {
		return errors.Wrap(err, "Failed to create executor")
	}
	store, err := app.NewStore(conf, logger)
	if err != nil {
		return errors.Wrap(err, "Failed to create artifact store")
	}
	broker, err := app.NewBroker(conf, logger)
	if err != nil {
		return errors.Wrap(err, "Failed to create credential broker")
	}

	options := scheduler.Options{
		Workers:     conf.Executor.Workers,
		GateTimeout: conf.Gates.DefaultTimeout,
		Broker:      broker,
	}
	deps := web.Deps{
		Definitions: pipeline.DirSource{Dir: conf.Pipelines.Dir},
	}

	if dsn := conf.DSN(); dsn != "" {
		db, err := database.OpenDataBase(logger.Named("database"), dsn)
		if err != nil {
			return errors.Wrap(err, "Failed to open database")
		}
		options.Recorder = database.NewRecorder(db)
		deps.History = db
	}

	// The bot needs the scheduler for approvals and the scheduler needs the
	// bot for notices.
	var bot *tgbot.Bot
	approvals := &lazyApprovals{}
	if conf.Telegram.BotToken != "" {
		bot, err = tgbot.NewBot(conf, logger.Named("tgbot"), approvals)
		if err != nil {
			return err
		}
		options.Notifier = bot
	}

	sched := scheduler.New(exec, store, options, logger.Named("scheduler"))
	approvals.scheduler = sched
	deps.Scheduler = sched

	if conf.GitLab.WebhookKey != "" || conf.Gitea.WebhookSecret != "" {
		forge, err := platform.NewForge(conf, logger)
		if err != nil {
			return err
		}
		deps.Hooks = forge
		if conf.Pipelines.Project != "" {
			deps.Remote = forge
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.NewJanitor(sched, conf.Runs.Retention, logger.Named("janitor")).Run(gctx)
		return nil
	})
	if bot != nil {
		g.Go(func() error {
			bot.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return web.NewServer(conf, logger.Named("web"), deps).Run(gctx)
	})
	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if shutdownErr := sched.Shutdown(drainCtx); shutdownErr != nil {
		logger.Error("Failed to drain runs", zap.Error(shutdownErr))
	}
	return err
}

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "deploygate",
		Short: "Deployment pipeline server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the config file")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("%+v\n", err)
	}
}
