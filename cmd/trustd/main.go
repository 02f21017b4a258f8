// trustd sirve las claves públicas, la configuración firmada y la API de admin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rdb "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/trustroll/internal/admin"
	"github.com/dropDatabas3/trustroll/internal/cohort"
	"github.com/dropDatabas3/trustroll/internal/config"
	"github.com/dropDatabas3/trustroll/internal/drift"
	"github.com/dropDatabas3/trustroll/internal/flags"
	httpserver "github.com/dropDatabas3/trustroll/internal/http"
	"github.com/dropDatabas3/trustroll/internal/keys"
	"github.com/dropDatabas3/trustroll/internal/kv"
	"github.com/dropDatabas3/trustroll/internal/metrics"
	"github.com/dropDatabas3/trustroll/internal/observability/logger"
	"github.com/dropDatabas3/trustroll/internal/publish"
	"github.com/dropDatabas3/trustroll/internal/rate"
	"github.com/dropDatabas3/trustroll/internal/verify"
)

var version = "dev"

func main() {
	var (
		flagConfigPath = flag.String("config", "", "ruta a config.yaml (fallback: $CONFIG_PATH; vacío = defaults + env)")
		flagEnvFile    = flag.String("env-file", ".env", "ruta a .env (si existe, se carga)")
	)
	flag.Parse()

	if *flagEnvFile != "" {
		// .env es opcional
		_ = godotenv.Load(*flagEnvFile)
	}
	cfgPath := *flagConfigPath
	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Logging.Level, ServiceName: cfg.App.Name, Version: version})
	defer func() { _ = logger.Sync() }()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error("trustd stopped with error", logger.Err(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	log.Info("trustd stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.L()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// Redis compartido: store, rate limit y stream de alertas.
	var redisClient *rdb.Client
	if cfg.Storage.Redis.Addr != "" {
		redisClient = rdb.NewClient(&rdb.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		defer redisClient.Close()
	}

	store, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer store.Close()

	// Alertas: ring buffer local (+ stream redis opcional), contadas en Prometheus.
	alertBuf := drift.NewBuffer(cfg.Drift.BufferSize)
	sinks := drift.MultiSink{alertBuf}
	var stream *drift.RedisStreamSink
	if cfg.Drift.RedisStream.Enabled {
		stream = drift.NewRedisStreamSink(redisClient, cfg.Drift.RedisStream.Stream, cfg.Drift.RedisStream.MaxLen)
		defer stream.Close()
		sinks = append(sinks, stream)
	}
	alerts := drift.Counted(sinks)

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return err
	}
	if masterKey == nil {
		log.Warn("keys.master_key not set, private keys are stored unsealed")
	}

	reg, err := keys.NewRegistry(store, keys.Options{
		KeyValidity:        cfg.Keys.Validity,
		RotationThreshold:  cfg.Keys.RotationThreshold,
		OverlapWindow:      cfg.Keys.OverlapWindow,
		RetirementGrace:    cfg.Keys.RetirementGrace,
		PersistMaxAttempts: cfg.Keys.PersistMaxAttempts,
		MasterKey:          masterKey,
		Alerts:             alerts,
	})
	if err != nil {
		return err
	}
	if err := reg.Initialize(ctx); err != nil {
		return fmt.Errorf("keys: %w", err)
	}
	sched := keys.NewScheduler(reg, keys.SchedulerOptions{
		Interval:  cfg.Keys.SchedulerInterval,
		OpTimeout: cfg.Keys.OpTimeout,
	})

	cohorts := cohort.NewAssigner(store, cohort.Options{
		SaltRotationInterval: cfg.Cohort.SaltRotationInterval,
		CacheTTL:             cfg.Cohort.CacheTTL,
		RecordAssignments:    cfg.Cohort.RecordAssignments,
	})

	pub := publish.New(store, reg, publish.Options{SignTTL: cfg.Flags.SignTTL})
	var seed *flags.Document
	if cfg.Flags.SeedFile != "" {
		doc, err := flags.LoadDocumentFile(cfg.Flags.SeedFile)
		if err != nil {
			return err
		}
		seed = &doc
	}
	if err := pub.Load(ctx, seed); err != nil {
		return err
	}
	if err := selfCheck(ctx, reg, pub, alerts, cfg.Flags.MaxAge); err != nil {
		return err
	}

	thresholds := drift.DefaultThresholds()
	for t, n := range cfg.Drift.Thresholds {
		thresholds[drift.AlertType(t)] = n
	}
	monitor := drift.NewMonitor(alertBuf, alerts, drift.MonitorOptions{
		Window:     cfg.Drift.Window,
		Interval:   cfg.Drift.Interval,
		Thresholds: thresholds,
	})

	var limiter rate.Limiter
	if cfg.Rate.Enabled {
		limiter, err = rate.New(rate.Config{
			Backend: cfg.Rate.Backend,
			Max:     cfg.Rate.MaxRequests,
			Window:  cfg.Rate.Window,
		}, redisClient)
		if err != nil {
			return err
		}
	}

	handlers := &httpserver.Handlers{
		Registry:  reg,
		Scheduler: sched,
		Publisher: pub,
		Evaluator: flags.NewEvaluator(cohorts, nil),
		Alerts:    alertBuf,
		Monitor:   monitor,
		Admin:     admin.New(sched, pub, cohorts),
		Store:     store,
	}
	ropts := httpserver.RouterOptions{AdminKeys: cfg.Admin.APIKeys, Limiter: limiter}
	if cfg.Server.MetricsEnabled {
		ropts.Metrics = promhttp.Handler()
	}
	if len(cfg.Admin.APIKeys) == 0 {
		log.Warn("admin.api_keys empty, admin and ops endpoints will reject every request")
	}
	srv := httpserver.NewServer(cfg.Server.Addr, httpserver.NewRouter(handlers, ropts), httpserver.ServerOptions{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	sched.Start(ctx)
	monitor.Start(ctx)
	log.Info("trustd up",
		logger.String("addr", cfg.Server.Addr),
		logger.String("storage", cfg.Storage.Driver),
		logger.KID(reg.Primary().KID),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shCtx)
		sched.Stop()
		monitor.Stop()
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, client *rdb.Client) (kv.Store, error) {
	if cfg.Storage.Driver == "redis" && client != nil {
		return kv.NewRedisFromClient(client, cfg.Storage.Prefix), nil
	}
	return kv.Open(ctx, kv.Config{
		Driver:        cfg.Storage.Driver,
		Prefix:        cfg.Storage.Prefix,
		Dir:           cfg.Storage.Dir,
		DSN:           cfg.Storage.DSN,
		RedisAddr:     cfg.Storage.Redis.Addr,
		RedisPassword: cfg.Storage.Redis.Password,
		RedisDB:       cfg.Storage.Redis.DB,
	})
}

// selfCheck firma la configuración actual y la verifica como lo haría un cliente.
// Un fallo acá indica un documento de claves inconsistente.
func selfCheck(ctx context.Context, reg *keys.Registry, pub *publish.Publisher, alerts drift.Sink, maxAge time.Duration) error {
	p, err := pub.Payload(ctx)
	if err != nil {
		return err
	}
	v := verify.New(reg, verify.Options{MaxAge: maxAge, Alerts: alerts})
	if _, err := v.VerifyPayload(p, ""); err != nil {
		return fmt.Errorf("self-check: signed config does not verify: %w", err)
	}
	logger.L().Info("self-check ok", logger.KID(p.KID), logger.Version(p.Version))
	return nil
}
