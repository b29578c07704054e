package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/audit"
	"github.com/Ramsey-B/fern/internal/repositories/duplicatelink"
	"github.com/Ramsey-B/fern/internal/repositories/goldenversion"
	"github.com/Ramsey-B/fern/internal/repositories/masterentity"
	"github.com/Ramsey-B/fern/internal/repositories/matchkey"
	"github.com/Ramsey-B/fern/internal/repositories/naturalkey"
	"github.com/Ramsey-B/fern/internal/repositories/quarantine"
	"github.com/Ramsey-B/fern/internal/repositories/rawrecord"
	"github.com/Ramsey-B/fern/internal/repositories/tabledescriptor"
	"github.com/Ramsey-B/fern/pkg/conformance"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/history"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/operator"
	"github.com/Ramsey-B/fern/pkg/quality"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	masterroutes "github.com/Ramsey-B/fern/pkg/routes/master"
	operatorroutes "github.com/Ramsey-B/fern/pkg/routes/operator"
	quarantineroutes "github.com/Ramsey-B/fern/pkg/routes/quarantine"
	recordroutes "github.com/Ramsey-B/fern/pkg/routes/record"
	tabledescriptorroutes "github.com/Ramsey-B/fern/pkg/routes/tabledescriptor"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(ctx, cfg.AppName, cfg.TracingEndpoint, cfg.TracingProtocol)
		if err != nil {
			logger.WithError(err).Error("Failed to initialize tracing")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger ectologger.Logger) error {
	manager := startup.NewStartup(logger, cfg.StartupMaxAttempts)

	var db database.DB
	var redisClient *redis.Client
	var consumer *kafka.Consumer
	var producer *kafka.Producer
	var checker *health.Checker

	e := newEcho(cfg, logger)

	manager.AddDependency(&dependency{
		name: "database",
		start: func(ctx context.Context) error {
			conn, err := database.Connect(ctx, database.ConnectionConfig{
				Driver:          cfg.DatabaseDriver,
				Host:            cfg.DatabaseHost,
				Port:            cfg.DatabasePort,
				User:            cfg.DatabaseUserName,
				Password:        cfg.DatabasePassword,
				Name:            cfg.DatabaseName,
				SSLMode:         cfg.DatabaseSSLMode,
				MaxOpenConns:    cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
			}, logger)
			if err != nil {
				return err
			}
			db = conn

			migrations := database.NewMigrationService(
				"file://"+cfg.DatabaseMigrationFolderPath,
				database.ConnectionConfig{
					Host:     cfg.DatabaseHost,
					Port:     cfg.DatabasePort,
					User:     cfg.DatabaseUserName,
					Password: cfg.DatabasePassword,
					Name:     cfg.DatabaseName,
					SSLMode:  cfg.DatabaseSSLMode,
				},
				logger,
			)
			return migrations.Up(ctx)
		},
		stop: func(ctx context.Context) error {
			if db != nil {
				return db.Close()
			}
			return nil
		},
	})

	if cfg.RedisEnabled {
		manager.AddDependency(&dependency{
			name: "redis",
			start: func(ctx context.Context) error {
				client, err := redis.NewClient(redis.Config{
					Host:     cfg.RedisHost,
					Port:     cfg.RedisPort,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				}, logger)
				if err != nil {
					return err
				}
				redisClient = client
				return nil
			},
			stop: func(ctx context.Context) error {
				if redisClient != nil {
					return redisClient.Close()
				}
				return nil
			},
		})
	}

	manager.AddDependency(&dependency{
		name:      "engine",
		dependsOn: dependsOnRedis(cfg, "database"),
		start: func(ctx context.Context) error {
			return wire(cfg, logger, db, redisClient, e, &consumer, &producer, &checker)
		},
		stop: func(ctx context.Context) error {
			if producer != nil {
				return producer.Close()
			}
			return nil
		},
	})

	if cfg.KafkaConsumerEnabled {
		manager.AddDependency(&dependency{
			name:      "kafka-consumer",
			dependsOn: []string{"engine"},
			start: func(ctx context.Context) error {
				return consumer.Start(ctx)
			},
			stop: func(ctx context.Context) error {
				if consumer != nil {
					return consumer.Stop()
				}
				return nil
			},
		})
	}

	manager.AddDependency(&dependency{
		name:      "http-server",
		dependsOn: []string{"engine"},
		start: func(ctx context.Context) error {
			go func() {
				addr := fmt.Sprintf(":%d", cfg.Port)
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("HTTP server stopped")
				}
			}()
			return nil
		},
		stop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	})

	if err := manager.Start(ctx); err != nil {
		return err
	}
	if checker != nil {
		checker.SetReady(true)
	}
	logger.WithFields(map[string]any{"port": cfg.Port, "version": version}).Info("Service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if checker != nil {
		checker.SetReady(false)
	}
	logger.Info("Shutting down")
	return manager.Stop(context.Background())
}

// wire builds the engine graph on the live connections and registers every
// request-scoped dependency with the DI container.
func wire(
	cfg config.Config,
	logger ectologger.Logger,
	db database.DB,
	redisClient *redis.Client,
	e *echo.Echo,
	consumer **kafka.Consumer,
	producer **kafka.Producer,
	checker **health.Checker,
) error {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return err
	}

	rawRecords := rawrecord.NewRepository(db, logger)
	masters := masterentity.NewRepository(db, logger)
	keys := naturalkey.NewRepository(db, logger)
	matchKeys := matchkey.NewRepository(db, logger)
	links := duplicatelink.NewRepository(db, logger)
	versions := goldenversion.NewRepository(db, logger)
	quarantineRepo := quarantine.NewRepository(db, logger)
	descriptors := tabledescriptor.NewRepository(db, logger)
	auditRepo := audit.NewRepository(db, logger)

	var locker *redis.Locker
	var corrections *redis.CorrectionQueue
	if redisClient != nil {
		locker = redis.NewLocker(redisClient, "")
		corrections = redis.NewCorrectionQueue(redisClient, "", logger)
	}

	historyEngine := history.NewEngine(versions, logger)
	resolverEngine := resolver.NewEngine(masters, keys, matchKeys, links, logger)
	scorer := quality.NewScorer(quality.NewEvaluator())

	*producer = kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaOutputTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)

	orchestrator := conformance.NewOrchestrator(
		conformance.Config{
			WorkerCount:        cfg.MergeWorkerCount,
			RecordTimeout:      cfg.RecordTimeout,
			PersistMaxAttempts: cfg.PersistMaxAttempts,
			RetryBackoffBase:   cfg.PersistRetryBackoff,
		},
		descriptors, rawRecords, masters,
		resolverEngine, historyEngine, scorer,
		quarantineRepo, corrections, *producer,
		db, logger,
	)

	operatorService := operator.NewService(
		masters, keys, matchKeys, links, rawRecords, descriptors,
		auditRepo, historyEngine, scorer, locker, db, logger,
	)

	if cfg.KafkaConsumerEnabled {
		*consumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaInputTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			BatchSize:     cfg.KafkaConsumerBatchSize,
			FlushInterval: cfg.KafkaConsumerFlushEvery,
		}, descriptors, func(ctx context.Context, tenantID string, records []*models.RawRecord) error {
			_, err := orchestrator.ProcessBatch(ctx, tenantID, records)
			return err
		}, logger)
	}

	if err := ectoinject.RegisterInstance[ectologger.Logger](container, logger); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*rawrecord.Repository](container, rawRecords); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*masterentity.Repository](container, masters); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*naturalkey.Repository](container, keys); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*matchkey.Repository](container, matchKeys); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*duplicatelink.Repository](container, links); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*goldenversion.Repository](container, versions); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*quarantine.Repository](container, quarantineRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*tabledescriptor.Repository](container, descriptors); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*audit.Repository](container, auditRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*conformance.Orchestrator](container, orchestrator); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*operator.Service](container, operatorService); err != nil {
		return err
	}

	var redisPinger health.Pinger
	if redisClient != nil {
		redisPinger = redisClient
	}
	var kafkaHealth interface{ Health() bool }
	if *consumer != nil {
		kafkaHealth = *consumer
	}
	*checker = health.NewChecker(db, redisPinger, kafkaHealth, version)
	(*checker).RegisterRoutes(e)

	api := e.Group("/api/v1")
	tabledescriptorroutes.Register(api.Group("/descriptors"))
	recordroutes.Register(api.Group("/records"))
	masterroutes.Register(api.Group("/masters"))
	quarantineroutes.Register(api.Group("/quarantine"))
	operatorroutes.Register(api.Group("/operator"))

	return nil
}

func newEcho(cfg config.Config, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.HTTPErrorHandler = middleware.Error(logger)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

func newLogger(cfg config.Config) ectologger.Logger {
	encoder := json.NewEncoder(os.Stdout)
	if cfg.PrettyLogs {
		encoder.SetIndent("", "  ")
	}
	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		_ = encoder.Encode(msg)
	})
}

// dependency adapts start/stop closures to the startup manager
type dependency struct {
	name      string
	dependsOn []string
	start     func(ctx context.Context) error
	stop      func(ctx context.Context) error
}

func (d *dependency) GetName() string          { return d.name }
func (d *dependency) DependsOn() []string      { return d.dependsOn }
func (d *dependency) Start(ctx context.Context) error { return d.start(ctx) }
func (d *dependency) Stop(ctx context.Context) error {
	if d.stop == nil {
		return nil
	}
	return d.stop(ctx)
}

func dependsOnRedis(cfg config.Config, base ...string) []string {
	if cfg.RedisEnabled {
		return append(base, "redis")
	}
	return base
}
