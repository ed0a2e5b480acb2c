package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/D-Astudillo-ASC/collaborative-editor/api"
	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/config"
	"github.com/D-Astudillo-ASC/collaborative-editor/db"
	"github.com/D-Astudillo-ASC/collaborative-editor/hub"
	"github.com/D-Astudillo-ASC/collaborative-editor/queue"
	"github.com/D-Astudillo-ASC/collaborative-editor/realtime"
	"github.com/D-Astudillo-ASC/collaborative-editor/sandbox"
	"github.com/D-Astudillo-ASC/collaborative-editor/security"
	"github.com/D-Astudillo-ASC/collaborative-editor/storage"
)

// bootTimeout bounds every startup dependency check (database,
// migrations, blob store, JWKS fetch, queue ping).
const bootTimeout = 30 * time.Second

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger := common.Logger.WithField("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootCtx, bootCancel := context.WithTimeout(ctx, bootTimeout)
	defer bootCancel()

	database, err := db.Open(bootCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()
	if err := db.Migrate(bootCtx, database); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	users := db.NewUsers(database)
	docs := db.NewDocuments(database)
	folders := db.NewFolders(database)
	updateLog := db.NewUpdateLog(database)

	var snapshots hub.SnapshotStore
	if cfg.Blob.Enabled() {
		s3c, err := storage.NewS3Client(bootCtx, cfg.Blob)
		if err != nil {
			return fmt.Errorf("configuring blob store: %w", err)
		}
		store := storage.NewSnapshots(s3c, cfg.Blob.Bucket)
		if err := store.Ping(bootCtx); err != nil {
			logger.WithError(err).Warn("blob store unreachable at startup; snapshots will retry")
		}
		snapshots = store
	} else {
		logger.Info("snapshot storage not configured; documents replay the full update log")
	}

	registry := hub.NewRegistry(updateLog, snapshots, cfg.Snapshot)
	go registry.Run(ctx)

	// The verifier keeps a background JWKS refresh alive for the whole
	// process, so it gets the server context, not the boot one.
	verifier, err := security.NewVerifier(ctx, security.VerifierConfig{
		JWKSURL:   cfg.Auth.JWKSURL,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		DevSecret: cfg.Auth.DevSecret,
	})
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}

	exec, err := setupExecution(bootCtx, cfg.Exec, registry)
	if err != nil {
		return err
	}
	defer exec.close()

	gateway := realtime.NewGateway(verifier, users, docs, registry, cfg.Server.FrontendOrigin)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	if cfg.Server.FrontendOrigin != "" {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     []string{cfg.Server.FrontendOrigin},
			AllowCredentials: true,
		}))
	} else {
		e.Use(middleware.CORS())
	}
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout

	handlers := &api.Handlers{
		Docs:     docs,
		Folders:  folders,
		Registry: registry,
		Queue:    exec.backend,
		Pool:     exec.submitter(),
		Limiter:  exec.limiter,
		Sandbox:  exec.availability(),
		Langs:    exec.langs,
		Exec:     cfg.Exec,
		Stats:    exec.stats,
		Started:  time.Now(),
		Logger:   common.Logger.WithField("component", "api"),
	}
	api.SetupRoutes(e, handlers, verifier, users, gateway)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		logger.WithField("addr", addr).Info("server listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server stopped unexpectedly")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	return nil
}

// execution bundles the queue-side dependencies of the execute endpoint.
// Every field may be nil when execution is disabled; the API degrades to
// 503 sandbox_unavailable in that case.
type execution struct {
	backend queue.Backend
	pool    *queue.Pool
	limiter api.ExecLimiter
	runner  *sandbox.Runner
	langs   map[string]sandbox.Language
	stats   *api.ExecStats
	events  *queue.EventPublisher
}

// submitter and availability return nil interfaces rather than
// interfaces wrapping nil pointers when execution is disabled.
func (x *execution) submitter() api.JobSubmitter {
	if x.pool == nil {
		return nil
	}
	return x.pool
}

func (x *execution) availability() api.Availability {
	if x.runner == nil {
		return nil
	}
	return x.runner
}

func (x *execution) close() {
	if x.pool != nil {
		x.pool.Shutdown()
	}
	if x.events != nil {
		x.events.Close()
	}
	if x.backend != nil {
		x.backend.Close()
	}
}

func setupExecution(ctx context.Context, cfg config.ExecConfig, registry *hub.Registry) (*execution, error) {
	logger := common.Logger.WithField("component", "execution")
	exec := &execution{stats: &api.ExecStats{}}

	switch {
	case cfg.QueueURL != "":
		rq, err := queue.NewRedisQueue(ctx, cfg.QueueURL, cfg.ResultTTL)
		if err != nil {
			return nil, fmt.Errorf("connecting to queue: %w", err)
		}
		exec.backend = rq
		exec.limiter = queue.NewRateLimiter(rq.Client(), cfg.RateLimitPerMin, time.Minute)
	case cfg.LocalFallback:
		lq, err := queue.NewLocalQueue(cfg.FallbackPath)
		if err != nil {
			return nil, fmt.Errorf("opening local queue: %w", err)
		}
		exec.backend = lq
		exec.limiter = allowAllLimiter{}
		logger.Warn("using local single-process execution queue; do not run this in production")
	default:
		logger.Info("no execution queue configured; code execution disabled")
		return exec, nil
	}

	if n, err := exec.backend.RecoverInterrupted(ctx); err != nil {
		logger.WithError(err).Warn("recovering interrupted jobs failed")
	} else if n > 0 {
		logger.WithField("jobs", n).Warn("marked interrupted jobs as failed")
	}

	langs, err := sandbox.LoadLanguages(cfg.LanguagesFile)
	if err != nil {
		return nil, fmt.Errorf("loading language definitions: %w", err)
	}
	exec.langs = langs

	runner, err := sandbox.NewRunner(langs, cfg.OutputMaxBytes)
	if err != nil {
		logger.WithError(err).Warn("container engine client unavailable; code execution disabled")
		return exec, nil
	}
	runner.Probe(ctx)
	exec.runner = runner

	sinks := api.MultiSink{exec.stats, &api.ResultBroadcaster{Registry: registry}}
	if cfg.EventsAMQPURL != "" {
		pub, err := queue.NewEventPublisher(cfg.EventsAMQPURL)
		if err != nil {
			logger.WithError(err).Warn("event publisher unavailable; lifecycle events disabled")
		} else {
			exec.events = pub
			sinks = append(sinks, pub)
		}
	}

	exec.pool = queue.NewPool(exec.backend, runner, sinks, cfg.MaxConcurrency, cfg.WorkerIdle)
	return exec, nil
}

// allowAllLimiter stands in when the dev-only local queue runs without a
// shared datastore. The production path always uses the redis limiter.
type allowAllLimiter struct{}

func (allowAllLimiter) Check(ctx context.Context, userID, bucket string) (queue.Decision, error) {
	return queue.Decision{Allowed: true, Remaining: 1, ResetAt: time.Now()}, nil
}
