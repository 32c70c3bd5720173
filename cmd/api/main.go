package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"releasewatch/services/monitor/internal/api"
	"releasewatch/services/monitor/internal/archive"
	"releasewatch/services/monitor/internal/config"
	"releasewatch/services/monitor/internal/logging"
	"releasewatch/services/monitor/internal/metrics"
	"releasewatch/services/monitor/internal/monitor"
	"releasewatch/services/monitor/internal/notify"
	"releasewatch/services/monitor/internal/queue"
	"releasewatch/services/monitor/internal/runner"
	"releasewatch/services/monitor/internal/scheduler"
	"releasewatch/services/monitor/internal/source"
	"releasewatch/services/monitor/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("[Config] Load failed")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("[Store] Open failed")
	}
	defer sessions.Close()

	registry := prometheus.NewRegistry()
	serviceMetrics := metrics.New(registry)

	notifier, closeNotifier := buildNotifier(cfg)
	defer closeNotifier()

	archiveStore := buildArchive(ctx, cfg)
	defer archiveStore.Close()

	deps := monitor.Dependencies{
		Store:    sessions,
		Source:   buildSource(cfg),
		Notifier: notifier,
		Archive:  archiveStore,
		Metrics:  serviceMetrics,
	}

	var (
		service      *monitor.Service
		localRunner  *runner.Runner
		tickConsumer *queue.RedisConsumer
		queueStats   queue.StatsProvider
	)

	if cfg.SchedulerMode == "redis" {
		client, err := queue.NewRedisClient(cfg.RedisAddr)
		if err != nil {
			log.Warn().Err(err).Msg("[Scheduler] Redis unavailable, falling back to local runner")
		} else {
			defer client.Close()
			deps.Scheduler = scheduler.NewRedisScheduler(client, cfg.ScheduleKeyPrefix)

			hostname, _ := os.Hostname()
			tickConsumer, err = queue.NewRedisConsumer(cfg.RedisAddr, cfg.TickQueueName, "monitor-api-"+hostname)
			if err != nil {
				log.Fatal().Err(err).Msg("[TickQueue] Consumer unavailable")
			}
			defer tickConsumer.Close()

			producer, err := queue.NewRedisProducer(cfg.RedisAddr, cfg.TickQueueName)
			if err != nil {
				log.Warn().Err(err).Msg("[TickQueue] Stats unavailable")
			} else {
				defer producer.Close()
				queueStats = producer
			}
		}
	}

	if deps.Scheduler == nil {
		localRunner, err = runner.New(func(tickCtx context.Context, sessionID string) {
			service.TickSession(tickCtx, sessionID)
		})
		if err != nil {
			log.Fatal().Err(err).Msg("[LocalRunner] Start failed")
		}
		defer func() {
			if err := localRunner.Shutdown(); err != nil {
				log.Warn().Err(err).Msg("[LocalRunner] Shutdown failed")
			}
		}()
		deps.Runner = localRunner
	}

	service = monitor.NewService(deps, monitor.Settings{
		Thresholds:     cfg.Thresholds,
		Intervals:      cfg.Intervals,
		MetricTimeout:  cfg.Sentry.MetricTimeout,
		CallbackTarget: cfg.CallbackTarget,
		ArchivePrefix:  cfg.Archive.Prefix,
	})

	if restored, err := service.RestoreLocalRunners(ctx); err != nil {
		log.Warn().Err(err).Int("restored", restored).Msg("[LocalRunner] Restore incomplete")
	} else if restored > 0 {
		log.Info().Int("restored", restored).Msg("[LocalRunner] Restored session runners")
	}

	if tickConsumer != nil {
		startTickConsumer(ctx, tickConsumer, service.TickSession)
	}

	handler := api.NewHandler(service, api.Options{
		CORSAllowedOrigins:      cfg.CORSAllowedOrigins,
		AdminAPIKey:             cfg.AdminAPIKey,
		InternalAPIKey:          cfg.InternalAPIKey,
		ReportTokenSecret:       cfg.ReportTokenSecret,
		ReportTokenTTL:          cfg.ReportTokenTTL,
		RateLimitRequestsPerSec: cfg.RateLimitRequestsPerSec,
		RateLimitBurst:          cfg.RateLimitBurst,
		QueueStats:              queueStats,
		Metrics:                 serviceMetrics,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Bool("external_scheduler", deps.Scheduler != nil).Msg("[API] Monitor service listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("[API] Server failed")
		}
	}()

	<-ctx.Done()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("[API] Graceful shutdown failed")
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn().Msg("[Store] Using in-memory store, sessions are lost on restart")
		return store.NewMemory(), nil
	}

	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func buildSource(cfg config.Config) source.MetricSource {
	if !cfg.Sentry.Enabled() {
		log.Warn().Msg("[Sentry] SENTRY_AUTH_TOKEN or SENTRY_ORG_SLUG missing, ticks will fail")
		return source.NoopSource{}
	}

	client, err := source.NewSentryClient(source.SentryOptions{
		APIBase:     cfg.Sentry.APIBase,
		AuthToken:   cfg.Sentry.AuthToken,
		OrgSlug:     cfg.Sentry.OrgSlug,
		Environment: cfg.Sentry.Environment,
		ProjectIDs: map[store.Platform]string{
			store.PlatformAndroid: cfg.Sentry.AndroidProjectID,
			store.PlatformIOS:     cfg.Sentry.IOSProjectID,
		},
		RequestsPerSecond: cfg.Sentry.RequestsPerSecond,
	})
	if err != nil {
		log.Warn().Err(err).Msg("[Sentry] Client unavailable, ticks will fail")
		return source.NoopSource{}
	}
	return client
}

// buildNotifier returns nil when no sink is configured so ticks skip delivery.
func buildNotifier(cfg config.Config) (notify.Notifier, func()) {
	sinks := []notify.Notifier{}
	closers := []func(){}

	webhook := notify.NewWebhookNotifier(notify.WebhookOptions{
		URL:          cfg.Notifications.WebhookURL,
		DashboardURL: cfg.Notifications.DashboardURL,
		IssuesURL:    issuesURL(cfg),
		ProjectIDs: map[string]string{
			string(store.PlatformAndroid): cfg.Sentry.AndroidProjectID,
			string(store.PlatformIOS):     cfg.Sentry.IOSProjectID,
		},
	})
	if webhook.Enabled() {
		sinks = append(sinks, webhook)
	}

	if cfg.Notifications.NATSURL != "" {
		publisher, err := notify.NewNATSNotifier(cfg.Notifications.NATSURL, cfg.Notifications.NATSSubjectPrefix)
		if err != nil {
			log.Warn().Err(err).Msg("[Notify] NATS unavailable, continuing without it")
		} else {
			sinks = append(sinks, publisher)
			closers = append(closers, func() { _ = publisher.Close() })
		}
	}

	closeAll := func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}

	multi := notify.NewMulti(sinks...)
	if multi.Len() == 0 {
		log.Warn().Msg("[Notify] No notification sinks configured")
		return nil, closeAll
	}
	return multi, closeAll
}

func issuesURL(cfg config.Config) string {
	if cfg.Sentry.OrgSlug == "" {
		return ""
	}
	return "https://sentry.io/organizations/" + cfg.Sentry.OrgSlug + "/issues"
}

func buildArchive(ctx context.Context, cfg config.Config) archive.Store {
	if !cfg.Archive.Enabled() {
		return archive.NewNoopStore()
	}

	s3Store, err := archive.NewS3Store(ctx, archive.S3Options{
		Region:    cfg.Archive.S3Region,
		Endpoint:  cfg.Archive.S3Endpoint,
		AccessKey: cfg.Archive.S3AccessKey,
		SecretKey: cfg.Archive.S3SecretKey,
		Bucket:    cfg.Archive.S3Bucket,
	})
	if err != nil {
		log.Warn().Err(err).Msg("[Archive] S3 unavailable, continuing without archive")
		return archive.NewNoopStore()
	}

	ensureRetention(ctx, s3Store, cfg.Archive)
	return s3Store
}

func ensureRetention(ctx context.Context, configurer archive.LifecycleConfigurer, cfg config.ArchiveConfig) {
	if cfg.RetentionDays <= 0 {
		return
	}

	lifecycleCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := configurer.EnsureLifecyclePolicy(lifecycleCtx, cfg.RetentionDays, []string{cfg.Prefix}); err != nil {
		log.Warn().Err(err).Int("retention_days", cfg.RetentionDays).Msg("[Archive] Lifecycle policy not applied")
		return
	}
	log.Info().Int("retention_days", cfg.RetentionDays).Str("prefix", cfg.Prefix).Msg("[Archive] Lifecycle policy applied")
}
