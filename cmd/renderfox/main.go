package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/RenderFox/app/controllers"
	"github.com/ManuelReschke/RenderFox/app/repository"
	apiv1 "github.com/ManuelReschke/RenderFox/internal/api/v1"
	"github.com/ManuelReschke/RenderFox/internal/pkg/cache"
	"github.com/ManuelReschke/RenderFox/internal/pkg/credits"
	"github.com/ManuelReschke/RenderFox/internal/pkg/database"
	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
	"github.com/ManuelReschke/RenderFox/internal/pkg/generation"
	"github.com/ManuelReschke/RenderFox/internal/pkg/geo"
	"github.com/ManuelReschke/RenderFox/internal/pkg/history"
	"github.com/ManuelReschke/RenderFox/internal/pkg/imageprep"
	"github.com/ManuelReschke/RenderFox/internal/pkg/jobtracker"
	"github.com/ManuelReschke/RenderFox/internal/pkg/marketing"
	"github.com/ManuelReschke/RenderFox/internal/pkg/mediastore"
	"github.com/ManuelReschke/RenderFox/internal/pkg/metering"
	"github.com/ManuelReschke/RenderFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/RenderFox/internal/pkg/middleware"
	"github.com/ManuelReschke/RenderFox/internal/pkg/payments"
	"github.com/ManuelReschke/RenderFox/internal/pkg/router"
	"github.com/ManuelReschke/RenderFox/internal/pkg/scheduler"
	"github.com/ManuelReschke/RenderFox/internal/pkg/supabase"
	"github.com/ManuelReschke/RenderFox/internal/pkg/tasks"
	"github.com/ManuelReschke/RenderFox/internal/pkg/timeline"
	"github.com/ManuelReschke/RenderFox/internal/pkg/tools"
)

// uploads plus multipart overhead
const bodyLimit = 30 * 1024 * 1024

func main() {
	application, err := NewApplication()
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000"))
		if err := application.App.Listen(addr); err != nil {
			log.Errorf("[Main] Listen: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("[Main] Shutting down")
	application.Shutdown(15 * time.Second)
}

// Application is the HTTP server plus the background workers it owns.
type Application struct {
	App      *fiber.App
	closers  []func()
	realtime *supabase.RealtimeClient
}

// Shutdown drains HTTP requests first, then stops workers in reverse
// start order.
func (a *Application) Shutdown(timeout time.Duration) {
	if err := a.App.ShutdownWithTimeout(timeout); err != nil {
		log.Warnf("[Main] HTTP shutdown: %v", err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.realtime != nil {
		_ = a.realtime.Disconnect()
	}
}

func NewApplication() (*Application, error) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	application := &Application{}

	// Supabase is optional in development: without it auth must use the
	// JWT secret and storage must be S3.
	var remote *supabase.Client
	jwtSecret := env.GetEnv("SUPABASE_JWT_SECRET", "")
	supaCfg, err := supabase.LoadConfig()
	switch {
	case errors.Is(err, supabase.ErrNotConfigured):
		log.Warn("[Main] SUPABASE_URL not set, running without Supabase")
	case err != nil:
		return nil, err
	default:
		if remote, err = supabase.New(*supaCfg); err != nil {
			return nil, fmt.Errorf("supabase client: %w", err)
		}
		// transactions is row level secured, the anon key would see no changes
		realtimeKey := supaCfg.APIKey
		if supaCfg.ServiceKey != "" {
			realtimeKey = supaCfg.ServiceKey
		}
		application.realtime = supabase.NewRealtimeClient(supaCfg.URL, realtimeKey)
	}

	repository.InitializeFactory(database.GetDB(), remote, env.GetEnv("LEDGER_BACKEND", repository.LedgerBackendSQL))
	repos := repository.GetGlobalRepositories()

	// Detached work goes to Redis when it answers, otherwise it runs
	// in-process with the same retry policy.
	registry := tasks.NewRegistry()
	taskOpts := tasks.DefaultOptions()
	taskOpts.Workers = env.GetEnvInt("TASK_WORKERS", taskOpts.Workers)
	redisUp := cache.Available()

	var dispatcher tasks.Dispatcher
	if redisUp {
		queue := tasks.NewQueue(cache.GetClient(), registry, taskOpts)
		dispatcher = queue
		queue.Start()
		application.closers = append(application.closers, queue.Stop)
	} else {
		log.Warn("[Main] Redis unavailable, background tasks run inline")
		inline := tasks.NewInlineDispatcher(registry, taskOpts)
		dispatcher = inline
		application.closers = append(application.closers, inline.Wait)
	}

	creditService := credits.NewService(credits.Deps{
		Profiles:     repos.Profile,
		Ledger:       repos.Ledger,
		Transactions: repos.Transaction,
		Geo:          geo.NewResolverFromEnv(),
		Tasks:        dispatcher,
		RefreshEvery: env.GetEnvDuration("CREDITS_REFRESH_INTERVAL", 2*time.Second),
	})
	tracker := jobtracker.NewTracker(repos.Job, dispatcher)
	historyService := history.NewService(repos.History, dispatcher)
	notifier := marketing.NewNotifierFromEnv()

	registry.Register(tasks.TypeJobStatus, tracker.HandleTask)
	registry.Register(tasks.TypeHistoryRecord, historyService.HandleTask)
	registry.Register(tasks.TypeMarketingNewUser, notifier.HandleTask)

	genCfg, err := generation.LoadConfig()
	if err != nil {
		return nil, err
	}
	genClient := generation.NewClient(*genCfg, nil)

	var guard metering.Guard = metering.NewMemoryGuard()
	var usage metering.UsageCounter
	var flusher scheduler.CounterFlusher
	if redisUp {
		guard = metering.NewRedisGuard(cache.GetClient(), env.GetEnvDuration("GENERATION_GUARD_TTL", 15*time.Minute))
		toolCounter := counter.New(cache.GetClient())
		usage = toolCounter
		flusher = toolCounter
	}
	orchestrator := metering.NewOrchestrator(creditService, tracker, historyService, guard, usage, metering.Config{
		WorkTimeout: env.GetEnvDuration("GENERATION_WORK_TIMEOUT", 10*time.Minute),
	})

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	store, err := mediastore.New(bootCtx, remote)
	if err != nil {
		return nil, fmt.Errorf("media store: %w", err)
	}

	var watcher payments.Watcher
	if application.realtime != nil {
		watcher = &payments.RealtimeWatcher{Client: application.realtime}
	}
	paymentService := payments.NewService(payments.Deps{
		Transactions: repos.Transaction,
		Webhooks:     repos.Webhook,
		Ledger:       repos.Ledger,
		Credits:      creditService,
		Watcher:      watcher,
		Config:       payments.LoadConfig(),
	})

	jobs, err := scheduler.New(paymentService, flusher, repos.ToolUsage)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	jobs.Start()
	application.closers = append(application.closers, jobs.Stop)

	urlPolicy := timeline.NewURLPolicyFromEnv()
	if len(urlPolicy.AllowedHosts) > 0 {
		urlPolicy.Allow(store.PublicURL(""))
	}
	exporter := timeline.NewExporter(timeline.NewFFmpegRecorderFromEnv(), urlPolicy)

	server := &apiv1.APIServer{
		Health: controllers.NewHealthController(map[string]controllers.HealthCheck{
			"database": func(ctx context.Context) error {
				sqlDB, err := database.GetDB().DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"cache": func(ctx context.Context) error {
				return cache.GetClient().Ping(ctx).Err()
			},
		}),
		Account:    controllers.NewAccountController(creditService),
		Generation: controllers.NewGenerationController(tools.DefaultCatalog(), orchestrator, genClient),
		Upload: controllers.NewUploadController(store, imageprep.Options{
			MaxDimension: env.GetEnvInt("UPLOAD_MAX_DIMENSION", imageprep.DefaultMaxDimension),
			Quality:      env.GetEnvInt("UPLOAD_JPEG_QUALITY", imageprep.DefaultQuality),
		}),
		History:  controllers.NewHistoryController(historyService),
		Payment:  controllers.NewPaymentController(paymentService),
		Timeline: controllers.NewTimelineController(exporter, store, historyService, urlPolicy),
	}

	// Refuse to boot when the route table and the published document disagree.
	basePath := findBasePath()
	doc, err := apiv1.LoadDocument(bootCtx, basePath+apiv1.DocumentPath)
	if err != nil {
		return nil, err
	}
	if err := apiv1.CheckRoutes(doc, apiv1.Routes(server)); err != nil {
		return nil, err
	}

	verifier := middleware.NewVerifier(jwtSecret, remote)
	if verifier == nil {
		log.Warn("[Main] No token verifier configured, authenticated routes answer 503")
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: bodyLimit,
		AppName:   "RenderFox",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + apiv1.DocumentPath,
		Path:     "v1",
	}))

	deps := router.Dependencies{
		Server:    server,
		Auth:      middleware.SupabaseAuth(verifier),
		RateLimit: env.GetEnvInt("API_RATE_LIMIT", 120),
	}
	if redisUp {
		deps.LimiterStorage = router.NewLimiterStorage()
	}
	if user := env.GetEnv("METRICS_USER", ""); user != "" {
		deps.MetricsUsers = map[string]string{user: env.GetEnv("METRICS_PASSWORD", "")}
	}

	// ROUTER
	router.InstallRouter(app, deps)

	application.App = app
	return application, nil
}

// findBasePath locates the project root from the usual working directories.
func findBasePath() string {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/renderfox to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		if _, err := os.Stat(path + apiv1.DocumentPath); err == nil {
			return path
		}
	}
	return "./"
}
