package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/currentstate"
	"github.com/Ramsey-B/fern/internal/repositories/history"
	"github.com/Ramsey-B/fern/internal/repositories/rawlog"
	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/directives"
	"github.com/Ramsey-B/fern/pkg/engine"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/ingestion"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redisreplica"
	"github.com/Ramsey-B/fern/pkg/routes/entity"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/merge"
	"github.com/Ramsey-B/fern/pkg/routes/rescan"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, flushLogs, err := logging.NewLogger(cfg.AppName, cfg.PrettyLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer flushLogs()

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		flushLogs()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger ectologger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	tracing.SetTracer(tp.Tracer(cfg.AppName))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	// Durable mirror
	db, err := connectDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrateDatabase(cfg, logger, db); err != nil {
		return err
	}

	dbInstance := database.NewDatabaseInstance(db, logger)
	stateRepo := currentstate.NewRepository(dbInstance, logger)
	historyRepo := history.NewRepository(dbInstance, logger)
	rawRepo := rawlog.NewRepository(dbInstance, logger)

	// Read replicas
	var graphSync store.GraphMirror
	var graphMirror *graph.Mirror
	var graphPinger health.Pinger
	if cfg.GraphDBEnabled {
		graphClient, err := graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to graph database: %w", err)
		}
		defer graphClient.Close(context.Background())

		graphMirror = graph.NewMirror(graphClient, logger)
		graphSync = graphMirror
		graphPinger = graphClient
	}

	var recordReplica store.RecordReplica
	var redisClient *redisreplica.Client
	var redisPinger health.Pinger
	if cfg.RedisEnabled {
		redisClient, err = redisreplica.NewClient(redisreplica.Config{
			Host:      cfg.RedisHost,
			Port:      cfg.RedisPort,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			RecordTTL: cfg.RedisRecordTTL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()

		recordReplica = redisClient
		redisPinger = redisClient
	}

	// Events
	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaEntityEventsTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	defer producer.Close()

	emitter := events.NewEmitter(producer, logger)

	// Engine
	mirror := store.NewMirror(logger, stateRepo, historyRepo, rawRepo, graphSync, recordReplica,
		cfg.PersistMaxAttempts, cfg.PersistRetryDelay)
	eng := engine.NewEngine(logger, mirror, emitter)

	if err := eng.Load(ctx); err != nil {
		return fmt.Errorf("failed to warm start from current state: %w", err)
	}

	// Ingestion
	registry := adapters.NewRegistry(cfg.RegistryURL, cfg.FetchTimeout, logger)
	fetcherFactory := func(instance models.AdapterInstance) ingestion.Fetcher {
		return adapters.NewClient(instance, cfg.FetchTimeout, logger)
	}
	manager := ingestion.NewManager(registry, fetcherFactory, eng, ingestion.Config{
		PollInterval:      cfg.RegistryPollInterval,
		WorkerCount:       cfg.FetchWorkerCount,
		DefaultSampleRate: cfg.DefaultSampleRate,
	}, logger)

	// Merge directives
	directiveHandler := directives.NewHandler(eng, logger)
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       cfg.KafkaBrokers,
		Topic:         cfg.KafkaMergeDirectivesTopic,
		ConsumerGroup: cfg.KafkaDirectiveConsumerGroup,
	}, logger, directiveHandler.Handle)

	if err := registerDependencies(eng, graphMirror, redisClient, manager, historyRepo, rawRepo); err != nil {
		return fmt.Errorf("failed to register dependencies: %w", err)
	}

	checker := health.NewChecker(dbInstance, redisPinger, graphPinger, version)
	e := buildServer(cfg, logger, checker)

	startupManager := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	if cfg.IngestionEnabled {
		startupManager.AddDependency(&dependency{
			name:  "ingestion-manager",
			start: manager.Start,
			stop:  manager.Stop,
		})
	}
	if cfg.KafkaConsumerEnabled {
		startupManager.AddDependency(&dependency{
			name:  "directive-consumer",
			start: consumer.Start,
			stop:  func(context.Context) error { return consumer.Stop() },
		})
	}
	startupManager.AddDependency(&dependency{
		name: "http-server",
		start: func(context.Context) error {
			go func() {
				addr := fmt.Sprintf(":%d", cfg.Port)
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("HTTP server stopped unexpectedly")
				}
			}()
			return nil
		},
		stop: func(stopCtx context.Context) error {
			return e.Shutdown(stopCtx)
		},
	})

	if err := startupManager.Start(ctx); err != nil {
		return err
	}
	checker.SetReady(true)
	logger.Infof("%s listening on port %d", cfg.AppName, cfg.Port)

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return startupManager.Stop(shutdownCtx)
}

func connectDatabase(cfg *config.Config, logger ectologger.Logger) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
		cfg.DatabaseName, cfg.DatabaseSSLMode)

	db, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	logger.Infof("Connected to database %s", cfg.DatabaseName)
	return db, nil
}

func migrateDatabase(cfg *config.Config, logger ectologger.Logger, db *sqlx.DB) error {
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	service := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return service.Migrate(cfg.DatabaseName, driver)
}

func registerDependencies(
	eng *engine.Engine,
	graphMirror *graph.Mirror,
	redisClient *redisreplica.Client,
	manager *ingestion.Manager,
	historyRepo *history.Repository,
	rawRepo *rawlog.Repository,
) error {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return err
	}

	if err := ectoinject.RegisterInstance[*engine.Engine](container, eng); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*ingestion.Manager](container, manager); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*history.Repository](container, historyRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*rawlog.Repository](container, rawRepo); err != nil {
		return err
	}
	if graphMirror != nil {
		if err := ectoinject.RegisterInstance[*graph.Mirror](container, graphMirror); err != nil {
			return err
		}
	}
	if redisClient != nil {
		if err := ectoinject.RegisterInstance[*redisreplica.Client](container, redisClient); err != nil {
			return err
		}
	}
	return nil
}

func buildServer(cfg *config.Config, logger ectologger.Logger, checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	merge.Register(api.Group("/merge"))
	entity.Register(api.Group("/entities"))
	rescan.Register(api.Group("/rescan"))

	return e
}

// dependency adapts a start/stop pair onto the startup manager.
type dependency struct {
	name  string
	deps  []string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func (d *dependency) GetName() string                 { return d.name }
func (d *dependency) DependsOn() []string             { return d.deps }
func (d *dependency) Start(ctx context.Context) error { return d.start(ctx) }
func (d *dependency) Stop(ctx context.Context) error  { return d.stop(ctx) }
