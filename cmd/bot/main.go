package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convobot/internal/api"
	"convobot/internal/bot"
	"convobot/internal/config"
	"convobot/internal/database"
	"convobot/internal/dispatch"
	"convobot/internal/domain"
	"convobot/internal/events"
	"convobot/internal/flows"
	"convobot/internal/fsm"
	"convobot/internal/logging"
	"convobot/internal/metrics"
	"convobot/internal/models"
	"convobot/internal/repository"
	"convobot/internal/service"
	"convobot/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

// backend is the storage selected by configuration plus the handles other
// components need from it.
type backend struct {
	storage domain.Storage
	redis   *redis.Client
	db      *database.DB
	health  api.HealthCheck
	counter service.StateCounter
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	metrics.Register()

	eventBus := events.NewEventBus()
	subscribeOperatorEvents(eventBus, &logger)

	be, err := initStorage(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.storage.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	botWrapper, err := bot.Connect(cfg.Telegram.BotToken, cfg.Telegram.Debug)
	if err != nil {
		logger.Error().Err(err).Msg("Ошибка создания BotAPI")
		return err
	}
	tgService := service.NewTelegramService(botWrapper)

	delivery := worker.NewDeliveryWorker(tgService, worker.DeliveryOptions{
		QueueSize:  cfg.FSM.DeliveryQueueSize,
		Timeout:    cfg.FSM.DeliveryTimeout,
		Retry:      worker.RetryPolicy{MaxRetries: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, BackoffFactor: 2},
		DeadLetter: be.redis,
	}, &logger, eventBus, m)
	deliveryCtx, stopDelivery := context.WithCancel(context.Background())
	defer stopDelivery()
	go delivery.Start(deliveryCtx)

	machine, router, err := initDispatch(cfg, be.storage, delivery, eventBus, m, &logger)
	if err != nil {
		return err
	}

	pool := worker.NewKeyedPool(cfg.FSM.QueueSize, time.Minute, &logger, m)

	sweeper := worker.NewSweeper(be.storage, cfg.FSM.IdleTimeout, cfg.FSM.SweepInterval, &logger, m)
	go sweeper.Start(ctx)

	if cfg.Backup.Enabled && be.db != nil {
		backupService := database.NewBackupService(be.db, cfg.Backup, &logger)
		go backupService.Start(ctx)
	}

	if cfg.Monitoring.PrometheusEnabled {
		go api.StartMetricsServer(ctx, cfg.Monitoring.PrometheusPort, prometheus.DefaultGatherer, &logger)
	}

	if cfg.API.Enabled && cfg.API.HTTP.Enabled {
		conversations := service.NewConversationService(machine, be.counter, &logger)
		apiServer := api.NewHTTPServer(cfg.API, conversations, be.health, prometheus.DefaultGatherer, &logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	}

	telegramBot, err := bot.NewBot(botWrapper, router, pool, delivery, cfg.Bot, m, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("Ошибка создания бота")
		return err
	}

	logger.Info().
		Str("backend", cfg.Storage.Backend).
		Str("initial_state", cfg.FSM.InitialState).
		Msg("Бот запущен...")
	telegramBot.Start(ctx)
	telegramBot.Stop()

	shutdown(pool, delivery, &logger)
	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "bot-main").Logger()
	return cfg, logger, closer, nil
}

func initStorage(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*backend, error) {
	initial := models.StateID(cfg.FSM.InitialState)
	be := &backend{}

	switch cfg.Storage.Backend {
	case config.BackendRedis:
		be.redis = repository.NewRedisClient(cfg.Redis)
		if errPing := repository.Ping(ctx, be.redis); errPing != nil {
			logger.Warn().Err(errPing).Msg("Redis unavailable")
		}
		client := be.redis
		be.storage = repository.NewRedisStorage(client, cfg.FSM.IdleTimeout, initial)
		be.health = func(ctx context.Context) error { return repository.Ping(ctx, client) }

	case config.BackendSQLite:
		db, err := database.NewDB(cfg.Database.Path, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Ошибка инициализации базы данных")
			return nil, err
		}
		be.db = db
		be.storage = database.NewStorage(db, initial)
		be.health = db.PingContext
		be.counter = db

	default:
		be.storage = repository.NewMemoryStorage(initial)
	}

	if cfg.Storage.Failover && cfg.Storage.Backend != config.BackendMemory {
		be.storage = repository.NewFailoverStorage(be.storage, repository.NewMemoryStorage(initial), logger)
		be.health = nil
	}

	logger.Info().
		Str("backend", cfg.Storage.Backend).
		Bool("failover", cfg.Storage.Failover).
		Msg("Conversation storage initialized")
	return be, nil
}

func initDispatch(
	cfg *config.Config,
	storage domain.Storage,
	sink domain.ReplySink,
	bus *events.EventBus,
	m *metrics.Metrics,
	logger *zerolog.Logger,
) (*fsm.Machine, *dispatch.Router, error) {
	registry, err := fsm.NewRegistry(flows.Registration()...)
	if err != nil {
		return nil, nil, err
	}

	machine, err := fsm.New(registry, storage, sink, fsm.Options{
		InitialState:     models.StateID(cfg.FSM.InitialState),
		MaxCommitRetries: cfg.FSM.MaxCommitRetries,
		OnStateNotFound:  fsm.NotFoundPolicy(cfg.FSM.OnStateNotFound),
		DeliveryTimeout:  cfg.FSM.DeliveryTimeout,
	}, logger, bus, m)
	if err != nil {
		return nil, nil, err
	}

	table := dispatch.NewTable()
	if err := flows.RegisterCommands(table); err != nil {
		return nil, nil, err
	}
	return machine, dispatch.NewRouter(table, machine, sink, logger), nil
}

// shutdown drains queued updates first, then their replies.
func shutdown(pool *worker.KeyedPool, delivery *worker.DeliveryWorker, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := pool.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("Conversation workers did not finish in time")
	}
	if err := delivery.Stop(ctx); err != nil {
		logger.Warn().Err(err).Int("pending", delivery.Pending()).Msg("Replies left undelivered")
	}
}

func subscribeOperatorEvents(bus *events.EventBus, logger *zerolog.Logger) {
	l := logger.With().Str("component", "events").Logger()

	warn := func(ev *events.Event) error {
		var payload events.ConversationEventPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			l.Error().Err(err).Str("event", ev.Type).Msg("event bus: decode payload")
			return nil
		}
		l.Warn().
			Str("event", ev.Type).
			Int64("chat_id", payload.ChatID).
			Int64("user_id", payload.UserID).
			Int64("update_id", payload.UpdateID).
			Str("from", payload.From).
			Str("to", payload.To).
			Str("reason", payload.Reason).
			Str("error", payload.Error).
			Msg("conversation event")
		return nil
	}

	for _, t := range []string{
		events.EventUpdateDropped,
		events.EventUnknownState,
		events.EventDeliveryFailed,
		events.EventStorageUnavailable,
	} {
		bus.Subscribe(t, warn)
	}
}
