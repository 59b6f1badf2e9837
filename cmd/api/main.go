package main

import (
    "context"
    "errors"
    "flag"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "syscall"

    "github.com/redis/go-redis/v9"
    "github.com/sirupsen/logrus"
    "golang.org/x/sync/errgroup"

    "github.com/n1ur0/off-the-grid/internal/api"
    "github.com/n1ur0/off-the-grid/internal/buildinfo"
    "github.com/n1ur0/off-the-grid/internal/config"
    "github.com/n1ur0/off-the-grid/internal/metrics"
    "github.com/n1ur0/off-the-grid/internal/store"
    "github.com/n1ur0/off-the-grid/internal/stream"
    "github.com/n1ur0/off-the-grid/internal/webhooks"
)

func main() {
    cfgPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
    flag.Parse()

    cfg, err := config.Load(*cfgPath)
    if err != nil {
        fmt.Fprintf(os.Stderr, "config: %v\n", err)
        os.Exit(2)
    }
    log := newLogger(cfg.Log)
    if err := run(cfg, log); err != nil {
        log.WithError(err).Fatal("service stopped")
    }
}

func newLogger(c config.LogConfig) *logrus.Logger {
    log := logrus.New()
    if c.Format == "text" {
        log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
    } else {
        log.SetFormatter(&logrus.JSONFormatter{})
    }
    if lvl, err := logrus.ParseLevel(c.Level); err == nil { log.SetLevel(lvl) }
    return log
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log logrus.FieldLogger) (store.Store, func() error, error) {
    if cfg.URL == "" {
        log.Warn("DATABASE_URL not set; using in-memory store")
        return store.NewMemory(), func() error { return nil }, nil
    }
    pg, err := store.NewPostgres(cfg.URL)
    if err != nil { return nil, nil, err }
    if cfg.Migrate {
        if err := pg.Migrate(ctx); err != nil {
            _ = pg.Close()
            return nil, nil, fmt.Errorf("migrate: %w", err)
        }
    }
    return pg, pg.Close, nil
}

func run(cfg config.Config, log *logrus.Logger) error {
    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()

    metrics.RegisterDefault()

    st, closeStore, err := openStore(ctx, cfg.Database, log)
    if err != nil { return fmt.Errorf("open store: %w", err) }
    defer func() { _ = closeStore() }()

    hc := webhooks.HealthConfig{
        FailureRateThreshold: cfg.Webhooks.Health.FailureRateThreshold,
        MinSamples:           cfg.Webhooks.Health.MinSamples,
        Window:               cfg.Webhooks.Health.Window,
        Retention:            cfg.Webhooks.Health.Retention,
    }
    var (
        counters webhooks.CounterStore = webhooks.NewMemoryCounters(hc.Retention)
        broker   interface {
            stream.Broker
            webhooks.Notifier
        } = stream.NewMemory()
        ready = map[string]api.Pinger{}
    )
    if cfg.Redis.URL != "" {
        opts, err := redis.ParseURL(cfg.Redis.URL)
        if err != nil { return fmt.Errorf("parse REDIS_URL: %w", err) }
        rdb := redis.NewClient(opts)
        defer func() { _ = rdb.Close() }()
        counters = webhooks.NewRedisCounters(rdb, hc.Retention)
        broker = stream.NewRedis(rdb, log)
        ready["redis"] = api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
    } else {
        log.Warn("REDIS_URL not set; health counters and update stream are process local")
    }

    tracker := webhooks.NewTracker(counters, st, hc, nil, log)
    disp := webhooks.NewDispatcher(st, tracker, webhooks.Config{
        DeliveryWorkers:       cfg.Webhooks.DeliveryWorkers,
        RetryWorkers:          cfg.Webhooks.RetryWorkers,
        QueueSize:             cfg.Webhooks.QueueSize,
        Timeout:               cfg.Webhooks.Timeout,
        PermanentClientErrors: cfg.Webhooks.PermanentClientErrors,
        Jitter:                cfg.Webhooks.Jitter,
    }, nil, log)
    disp.SetNotifier(broker)
    mgr := webhooks.NewManager(st, webhooks.NewPublisher(st, disp), disp, tracker)
    mgr.DefaultPolicy.MaxAttempts = cfg.Webhooks.MaxAttempts

    janitor := webhooks.NewJanitor(st, cfg.Webhooks.DeliveryRetention, cfg.Webhooks.JanitorSchedule, nil, log)
    if err := janitor.Start(); err != nil { return fmt.Errorf("start janitor: %w", err) }
    defer janitor.Stop()

    srv := api.NewServer(api.Deps{
        Manager: mgr,
        Store:   st,
        Broker:  broker,
        Queue:   disp,
        Ready:   ready,
        Config:  cfg,
        Log:     log,
    })
    httpSrv := &http.Server{
        Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
        Handler:           srv.Routes(),
        ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
    }

    g, gctx := errgroup.WithContext(ctx)
    g.Go(func() error { return disp.Run(gctx) })
    g.Go(func() error {
        log.WithFields(logrus.Fields{"addr": httpSrv.Addr, "version": buildinfo.Version}).Info("API listening")
        if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
            return err
        }
        return nil
    })
    g.Go(func() error {
        <-gctx.Done()
        log.Info("shutting down")
        sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
        defer cancel()
        return httpSrv.Shutdown(sctx)
    })

    err = g.Wait()
    if errors.Is(err, context.Canceled) { err = nil }
    return err
}
