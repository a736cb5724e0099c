package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"example.com/reminders/internal/api"
	"example.com/reminders/internal/auth"
	"example.com/reminders/internal/config"
	"example.com/reminders/internal/consumer"
	"example.com/reminders/internal/coordinator"
	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/events"
	"example.com/reminders/internal/logging"
	"example.com/reminders/internal/milestone"
	"example.com/reminders/internal/notify"
	"example.com/reminders/internal/outbox"
	"example.com/reminders/internal/persistence"
	"example.com/reminders/internal/persistence/memory"
	"example.com/reminders/internal/persistence/postgres"
	"example.com/reminders/internal/persistence/redis"
	"example.com/reminders/internal/persistence/sqlite"
	"example.com/reminders/internal/reminder"
	"example.com/reminders/internal/schedule"
	"example.com/reminders/internal/stopwatch"
	httptransport "example.com/reminders/internal/transport/http"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel, "reminders-api").With("context_id", cfg.ContextID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pool *pgxpool.Pool
	if cfg.StoreBackend == "postgres" || cfg.OSSchedulerEnabled {
		var err error
		pool, err = pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
	}

	kv, closeKV, err := openKV(ctx, cfg, pool)
	if err != nil {
		logger.Error("failed to open schedule storage", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeKV()

	var wg sync.WaitGroup

	hub := coordinator.NewHub(logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	bus := coordinator.Bus(hub)
	if cfg.BroadcastBackend == "kafka" {
		kafkaBus := coordinator.NewKafkaBus(coordinator.KafkaBusConfig{
			Brokers:   cfg.KafkaBrokers,
			Topic:     cfg.BroadcastTopic,
			ProfileID: cfg.ProfileID,
			ContextID: cfg.ContextID,
		}, logger)
		defer kafkaBus.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := kafkaBus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("broadcast bus stopped", "error", err)
			}
		}()
		bus = coordinator.Fanout(hub, kafkaBus)
	}

	store := schedule.NewStore(kv,
		schedule.WithLogger(logger),
		schedule.WithDegradedHandler(func(err error) {
			logger.Error("reminder state is no longer persisted", "error", err)
		}),
	)
	coord := coordinator.New(cfg.ContextID, bus, coordinator.WithLogger(logger))
	coord.Start()
	defer coord.Close()
	store.OnWrite(coord.StoreListener())

	perms := notify.NewPromptPermissions(kv, hub.Prompt, cfg.PermissionTimeout)
	unsubscribe := hub.Subscribe(func(ctx context.Context, env events.Envelope) {
		if env.Kind != events.KindPermissionAnswer || env.Granted == nil {
			return
		}
		if err := perms.Answer(ctx, *env.Granted); err != nil {
			logger.Warn("failed to store permission answer", "error", err)
		}
	})
	defer unsubscribe()

	var scheduler notify.OSScheduler
	if cfg.OSSchedulerEnabled {
		if err := outbox.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate notification queue", "error", err)
			os.Exit(1)
		}
		scheduler = outbox.NewQueue(pool, cfg.ProfileID, cfg.SchedulerCapacity)
	}
	sink := notify.MultiSink(notify.LogSink(logger), hub)
	backend := notify.SelectBackend(notify.Capabilities{OSScheduler: cfg.OSSchedulerEnabled}, sink, scheduler)
	dispatcher := notify.NewDispatcher(backend, perms, store,
		notify.WithLogger(logger),
		notify.WithHorizon(cfg.ScheduleHorizon),
		notify.WithMaxBatch(cfg.ScheduleMaxBatch),
	)

	engine := reminder.New(store, dispatcher, coord,
		reminder.WithLogger(logger),
		reminder.WithPollInterval(cfg.PollInterval),
		reminder.WithTakeoverGrace(cfg.TakeoverGrace),
	)
	for _, outcome := range engine.Init(ctx) {
		logger.Info("caught up missed reminder", "channel", outcome.Channel, "missed", outcome.Missed, "status", outcome.Result.Status)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, reminder.ErrClosed) {
			logger.Error("reminder engine stopped", "error", err)
		}
	}()

	if cfg.OSSchedulerEnabled {
		startFireConsumer(ctx, &wg, cfg, logger, engine, hub)
	}

	thresholds := cfg.StopwatchMilestones
	if len(thresholds) == 0 {
		thresholds = milestone.DefaultThresholds()
	}
	timer := stopwatch.New(store, milestone.New(thresholds), dispatcher,
		stopwatch.WithLogger(logger),
		stopwatch.WithTick(cfg.StopwatchTick),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = timer.Run(ctx)
	}()

	handler := api.NewHandler(cfg.ProfileID, engine, timer, dispatcher, perms, hub)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	// WriteTimeout stays zero: /v1/events holds websocket connections open.
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:     cfg.HTTPAddress,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}, httptransport.RequestLogger(logger, httptransport.CORS("http://localhost:5173", authMiddleware.Wrap(mux))))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("reminders api listening", "addr", cfg.HTTPAddress, "backend", dispatcher.Backend(), "store", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdownCh
	logger.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown failed", "error", err)
	}
	cancel()
	wg.Wait()
}

// openKV selects the durable key-value backend named by STORE_BACKEND.
func openKV(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (persistence.KV, func(), error) {
	noop := func() {}
	switch cfg.StoreBackend {
	case "postgres":
		kv := postgres.NewKV(pool, cfg.ProfileID)
		if err := kv.Migrate(ctx); err != nil {
			return nil, noop, err
		}
		return kv, noop, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return redis.NewKV(client, cfg.ProfileID), func() { _ = client.Close() }, nil
	case "memory":
		return memory.NewKV(), noop, nil
	default:
		kv, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return kv, func() { _ = kv.Close() }, nil
	}
}

// startFireConsumer follows the notification topic so fires made by the notifier worker are
// recorded on the channel and shown to connected clients.
func startFireConsumer(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, logger *slog.Logger, engine *reminder.Engine, hub *coordinator.Hub) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		GroupID:        "reminders-fires-" + cfg.ContextID,
		Topic:          cfg.NotificationTopic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	show := consumer.HandlerFunc(func(ctx context.Context, msg consumer.Message) error {
		n := msg.Notification
		return hub.Show(ctx, domain.NotificationRecord{
			ID:      n.ID,
			Channel: domain.Channel(n.Channel),
			Kind:    msg.Kind,
			Title:   n.Title,
			Body:    n.Body,
			FiredAt: n.FiredAt,
			Backend: domain.BackendOSScheduler,
		})
	})
	proc := consumer.NewProcessor(reader,
		consumer.Chain(consumer.NewFireHandler(engine, logger), show),
		consumer.WithProfile(cfg.ProfileID),
		consumer.WithLogger(logger),
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer reader.Close()
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("fire consumer stopped", "error", err)
		}
	}()
}
