package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fasthttp/router"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"taskhub/internal/api"
	"taskhub/internal/broker"
	"taskhub/internal/config"
	"taskhub/internal/eventgateway"
	"taskhub/internal/handlers"
	"taskhub/internal/logger"
	"taskhub/internal/observability"
	"taskhub/internal/repository/taskstore"
	"taskhub/internal/retry"
	"taskhub/internal/service/catalog"
	"taskhub/internal/taskmanager"
)

// App ...
type App struct {
	cfg *config.Config
}

// New ...
func New(cfg *config.Config) App {
	return App{cfg: cfg}
}

// Run ...
func (app *App) Run() {
	ctx, cancelProcesses := context.WithCancel(context.Background())
	defer cancelProcesses()

	if err := logger.Init(app.cfg.System.LogLevel, app.cfg.System.LogPretty); err != nil {
		log.WithError(err).Error("failed to init logger")
		return
	}

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		Exporter:    app.cfg.Tracing.Exporter,
		ServiceName: app.cfg.System.DefaultClientName,
		SampleRatio: app.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.WithError(err).Error("failed to init tracing")
		return
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Warn("tracer shutdown failure")
		}
	}()

	repo, closeRepo, err := app.initRepository(ctx)
	if err != nil {
		log.WithError(err).Error("failed to init task store")
		return
	}
	defer closeRepo()

	b, closeBroker := app.initBroker()
	defer closeBroker()

	keys := broker.NewKeys(app.cfg.Redis.KeyPrefix)

	gateway, err := eventgateway.New(b, keys, eventgateway.Config{
		SubscriptionBuffer: app.cfg.Events.SubscriptionBuffer,
		Resubscribe: retry.Config{
			MaxRetries:     app.cfg.Events.ResubscribeRetries,
			Delay:          app.cfg.Events.ResubscribeDelay,
			Multiplier:     2,
			MaxDelay:       app.cfg.Events.ResubscribeMax,
			ThrowLastError: true,
		},
	}, eventgateway.WithRegisterer(prometheus.DefaultRegisterer, app.cfg.Metrics.Namespace))
	if err != nil {
		log.WithError(err).Error("failed to create event gateway")
		return
	}
	if err = gateway.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start event gateway")
		return
	}

	queue := taskmanager.NewQueue(repo, b, keys, gateway)

	var runtime *taskmanager.Runtime
	if app.cfg.Worker.Enabled {
		runtime, err = app.initRuntime(ctx, repo, b, keys, gateway)
		if err != nil {
			log.WithError(err).Error("failed to start task runtime")
			gateway.Stop()
			return
		}
	}

	apiServer := app.newServer(api.NewServer(queue, gateway,
		api.WithRequestTimeout(app.cfg.HTTP.RequestTimeout),
		api.WithStreamHeartbeat(app.cfg.HTTP.StreamHeartbeat),
		api.WithReadinessCheck("datastore", api.DatastoreCheck(repo)),
		api.WithReadinessCheck("broker", api.BrokerCheck(b, gateway)),
		api.WithReadinessCheck("registry", api.RegistryCheck(gateway)),
	).Router().Handler)

	go func() {
		log.WithFields(log.Fields{
			"port": app.cfg.HTTP.Port,
		}).Info("starting api server")
		if err := apiServer.ListenAndServe(":" + app.cfg.HTTP.Port); err != nil {
			log.WithError(err).Error("api server run failure")
			return
		}
	}()

	metricsRouter := router.New()
	metricsRouter.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	metricsServer := app.newServer(metricsRouter.Handler)

	go func() {
		log.WithFields(log.Fields{
			"port": app.cfg.Metrics.Port,
		}).Info("starting metrics server")
		if err := metricsServer.ListenAndServe(":" + app.cfg.Metrics.Port); err != nil {
			log.WithError(err).Error("metrics server run failure")
			return
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	defer func(sig os.Signal) {
		log.WithFields(log.Fields{
			"signal": sig.String(),
		}).Info("received signal, exiting")

		if runtime != nil {
			runtime.Stop()
		}
		// Ends every open event stream so the api server can drain.
		gateway.Stop()

		_ = apiServer.Shutdown()
		_ = metricsServer.Shutdown()
		log.Info("goodbye")
	}(<-c)
}

func (app *App) newServer(handler fasthttp.RequestHandler) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            handler,
		Name:               app.cfg.System.DefaultClientName,
		MaxRequestBodySize: app.cfg.System.ReadBufferSize,
		ReadTimeout:        app.cfg.System.ReadTimeout,
		ReadBufferSize:     app.cfg.System.ReadBufferSize,
	}
}

func (app *App) initRuntime(
	ctx context.Context,
	repo taskstore.Repository,
	b broker.Broker,
	keys broker.Keys,
	gateway *eventgateway.Gateway,
) (*taskmanager.Runtime, error) {
	runtime, err := taskmanager.NewRuntime(repo, b, keys, gateway, taskmanager.Config{
		Registerer:      prometheus.DefaultRegisterer,
		Namespace:       app.cfg.Metrics.Namespace,
		Concurrency:     app.cfg.Worker.Concurrency,
		MaxInFlight:     app.cfg.Worker.MaxInFlight,
		PollInterval:    app.cfg.Worker.PollInterval,
		LeaseTTL:        app.cfg.Worker.LeaseTTL,
		ReaperInterval:  app.cfg.Worker.ReaperInterval,
		ReaperBatch:     app.cfg.Worker.ReaperBatch,
		CleanupInterval: app.cfg.Worker.CleanupInterval,
		RetentionPeriod: app.cfg.Worker.RetentionPeriod,
	})
	if err != nil {
		return nil, err
	}

	if err = handlers.RegisterAllHandlers(runtime, catalog.NewCatalogSvc()); err != nil {
		return nil, err
	}

	if err = runtime.Start(ctx); err != nil {
		return nil, err
	}
	return runtime, nil
}

func (app *App) initRepository(ctx context.Context) (taskstore.Repository, func(), error) {
	dbMetrics := observability.NewDBMetrics(app.cfg.Metrics.Namespace, app.cfg.Metrics.Subsystem)

	if app.cfg.DB.Driver == config.StorageMemory {
		log.Warn("using in-memory task store, tasks are lost on restart")
		repo := taskstore.NewMemoryRepository()
		return taskstore.NewInstrumentingMiddleware(dbMetrics.RequestCount, dbMetrics.RequestDuration, repo), func() {}, nil
	}

	db := app.initDB(ctx)
	if app.cfg.DB.Migrate {
		if err := taskstore.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
	}

	repo := taskstore.NewRepository(db)
	repo = taskstore.NewInstrumentingMiddleware(dbMetrics.RequestCount, dbMetrics.RequestDuration, repo)
	return repo, db.Close, nil
}

func (app *App) initDB(ctx context.Context) *pgxpool.Pool {
	poolCfg, err := pgxpool.ParseConfig(app.cfg.DB.DSN(app.cfg.System.DefaultClientName))
	if err != nil {
		log.Fatalf("Unable to parse database config: %v\n", err)
	}
	poolCfg.MaxConns = app.cfg.DB.MaxConns

	dbpool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatalf("Unable to create connection pool: %v\n", err)
	}

	return dbpool
}

func (app *App) initBroker() (broker.Broker, func()) {
	if app.cfg.Redis.Mode == config.BrokerMemory {
		log.Warn("using in-memory broker, events stay within this process")
		return broker.NewMemoryBroker(), func() {}
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      app.cfg.Redis.Addrs,
		Password:   app.cfg.Redis.Password,
		DB:         app.cfg.Redis.DB,
		ClientName: app.cfg.System.DefaultClientName,
	})
	closeClient := func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("redis client close failure")
		}
	}
	return broker.NewRedisBroker(client, broker.WithSubscriptionBuffer(app.cfg.Events.SubscriptionBuffer)), closeClient
}
