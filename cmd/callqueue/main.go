package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"

    "github.com/spf13/viper"

    "github.com/hamzaKhattat/callqueue-engine/internal/agent"
    "github.com/hamzaKhattat/callqueue-engine/internal/backend"
    "github.com/hamzaKhattat/callqueue-engine/internal/config"
    "github.com/hamzaKhattat/callqueue-engine/internal/dispatcher"
    "github.com/hamzaKhattat/callqueue-engine/internal/health"
    "github.com/hamzaKhattat/callqueue-engine/internal/metrics"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/cache"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store/persist"
    "github.com/hamzaKhattat/callqueue-engine/internal/ratelimit"
    "github.com/hamzaKhattat/callqueue-engine/internal/supervisor"
    "github.com/hamzaKhattat/callqueue-engine/internal/telephony"
    "github.com/hamzaKhattat/callqueue-engine/pkg/logger"
)

var (
    configFile string
    verbose    bool
    serveMode  bool

    cfg        *config.Config
    db         *persist.DB
    repo       *persist.Repo
    mirror     *cache.Cache
    queueStore *store.Store
    metricsSvc *metrics.PrometheusMetrics
    healthSvc  *health.HealthService
)

func main() {
    flag.StringVar(&configFile, "config", "", "Configuration file path")
    flag.BoolVar(&serveMode, "serve", false, "Run the queue engine (dispatcher + workers)")
    flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
    flag.Parse()

    if serveMode {
        runServer()
        return
    }

    runCLI()
}

func runServer() {
    ctx := context.Background()

    if err := loadConfig(); err != nil {
        fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
        os.Exit(1)
    }

    logConfig := logger.Config{
        Level:  cfg.Monitoring.Logging.Level,
        Format: cfg.Monitoring.Logging.Format,
        Output: cfg.Monitoring.Logging.Output,
        File: logger.FileConfig{
            Enabled:    cfg.Monitoring.Logging.File.Enabled,
            Path:       cfg.Monitoring.Logging.File.Path,
            MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
            MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
            MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
            Compress:   cfg.Monitoring.Logging.File.Compress,
        },
    }
    if verbose {
        logConfig.Level = "debug"
    }
    if err := logger.Init(logConfig); err != nil {
        fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
        os.Exit(1)
    }

    if err := initializeServices(ctx); err != nil {
        logger.Fatal("failed to initialize services", "error", err)
    }

    if err := queueStore.Recover(ctx); err != nil {
        logger.Fatal("failed to recover state store from journal", "error", err)
    }

    limiter := ratelimit.New(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, mirror, cfg.Queue.Distributed)

    telClient := telephony.New(telephony.Config{
        BaseURL:        cfg.Telephony.BaseURL,
        AuthID:         cfg.Telephony.AuthID,
        AuthToken:      cfg.Telephony.AuthToken,
        FromNumber:     cfg.Telephony.FromNumber,
        RequestTimeout: cfg.Telephony.RequestTimeout,
    })
    agentClient := agent.New(agent.Config{
        BaseURL:        cfg.Agent.BaseURL,
        RequestTimeout: cfg.Agent.RequestTimeout,
    })
    backendClient := backend.New(backend.Config{
        SinkURL:        cfg.Backend.SinkURL,
        RequestTimeout: cfg.Backend.RequestTimeout,
    })

    sup := supervisor.New(queueStore, repo, telClient, agentClient, backendClient, metricsSvc,
        cfg.Supervisor, cfg.Telephony, cfg.Backend)

    disp := dispatcher.New(queueStore, repo, limiter, sup, cfg.Queue)
    disp.Start(ctx)

    if cfg.Monitoring.Metrics.Enabled {
        go func() {
            if err := metricsSvc.ServeHTTP(cfg.Monitoring.Metrics.Port); err != nil {
                logger.WithError(err).Error("metrics server stopped")
            }
        }()
    }

    if cfg.Monitoring.Health.Enabled {
        healthSvc = health.NewHealthService(cfg.Monitoring.Health.Port,
            cfg.Monitoring.Health.LivenessPath, cfg.Monitoring.Health.ReadinessPath)
        healthSvc.RegisterReadinessCheck("journal", health.CheckFunc(func(ctx context.Context) error {
            if !db.IsHealthy() {
                return fmt.Errorf("journal database unreachable")
            }
            return nil
        }))
        go func() {
            if err := healthSvc.Start(); err != nil {
                logger.WithError(err).Error("health service stopped")
            }
        }()
    }

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
    <-sigChan

    logger.Info("shutting down")
    disp.Stop()
    if healthSvc != nil {
        healthSvc.Stop()
    }
    logger.Info("shutdown complete")
}

func loadConfig() error {
    loaded, err := config.Load(configFile)
    if err != nil {
        return err
    }
    cfg = loaded
    return nil
}

func initializeServices(ctx context.Context) error {
    var err error

    db, err = persist.Open(persist.Config{
        Driver:          cfg.Database.Driver,
        Host:            cfg.Database.Host,
        Port:            cfg.Database.Port,
        Username:        cfg.Database.Username,
        Password:        cfg.Database.Password,
        Database:        cfg.Database.Database,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,
    })
    if err != nil {
        return err
    }

    if err := persist.RunMigrations(db.DB); err != nil {
        return err
    }

    repo = persist.NewRepo(db)

    redisHost := cfg.Redis.Host
    if !cfg.Redis.Enabled {
        redisHost = ""
    }
    mirror, err = cache.New(cache.Config{
        Host:         redisHost,
        Port:         cfg.Redis.Port,
        Password:     cfg.Redis.Password,
        DB:           cfg.Redis.DB,
        PoolSize:     cfg.Redis.PoolSize,
        MinIdleConns: cfg.Redis.MinIdleConns,
        MaxRetries:   cfg.Redis.MaxRetries,
        DialTimeout:  cfg.Redis.DialTimeout,
        ReadTimeout:  cfg.Redis.ReadTimeout,
        WriteTimeout: cfg.Redis.WriteTimeout,
    }, "callqueue")
    if err != nil {
        return err
    }

    queueStore = store.New(repo, mirror)
    metricsSvc = metrics.NewPrometheusMetrics()

    return nil
}

// initializeForCLI wires just enough (config + journal) for the offline
// operator commands in commands.go, without starting the dispatcher.
func initializeForCLI(ctx context.Context) error {
    if cfg != nil {
        return nil
    }
    viper.Reset()
    if err := loadConfig(); err != nil {
        return err
    }
    if err := logger.Init(logger.Config{Level: "warn", Format: "text", Output: "stdout"}); err != nil {
        return err
    }
    if err := initializeServices(ctx); err != nil {
        return err
    }
    return queueStore.Recover(ctx)
}
