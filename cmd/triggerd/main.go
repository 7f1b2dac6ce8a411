package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillm/trigger-bot/internal/api"
	"github.com/kirillm/trigger-bot/internal/config"
	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/exchange"
	"github.com/kirillm/trigger-bot/internal/execution"
	"github.com/kirillm/trigger-bot/internal/manager"
	"github.com/kirillm/trigger-bot/internal/notify"
	"github.com/kirillm/trigger-bot/internal/policy"
	"github.com/kirillm/trigger-bot/internal/scheduler"
	"github.com/kirillm/trigger-bot/internal/storage"
	"github.com/kirillm/trigger-bot/internal/telegram"
	"github.com/kirillm/trigger-bot/pkg/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.LogLevel)
	utils.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("❌ %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(cfg *config.Config, logger *utils.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("🚀 Starting trigger bot (broker=%s, storage=%s)", cfg.Broker.Broker, cfg.Storage.Backend)

	strategies := &config.Strategies{}
	if cfg.StrategiesFile != "" {
		s, err := config.LoadStrategies(cfg.StrategiesFile)
		if err != nil {
			return err
		}
		strategies = s
		logger.Info("📄 Loaded %d users from %s", len(s.Users), cfg.StrategiesFile)
	}

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return err
	}
	store := storage.NewStore(backend)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("❌ Failed to close storage: %v", err)
		}
	}()

	// Брокеры: общий paper-брокер и сессии пользователей. Цены каждый
	// пользователь получает через свой шлюз, кэш делит их по площадкам.
	paperGW, err := paperGateway(cfg.Broker, exchange.NewPaperBroker(cfg.Broker.PaperCash), cfg.Sessions.RateLimit)
	if err != nil {
		return err
	}
	sharedPaper := execution.NewFailoverGateway(paperGW, cfg.Engine.PriceMaxAge, logger)
	cache := execution.NewPriceCache()

	defaultCreds := exchange.Credentials{
		Broker:    cfg.Broker.Broker,
		APIKey:    cfg.Broker.APIKey,
		APISecret: cfg.Broker.APISecret,
		BaseURL:   cfg.Broker.BaseURL,
		DataURL:   cfg.Broker.DataURL,
	}
	pool := exchange.NewPool(func(_ context.Context, userID string) (domain.BrokerGateway, error) {
		creds := defaultCreds
		if u, ok := strategies.User(userID); ok {
			creds = u.Credentials()
		}
		if creds.Broker == domain.BrokerPaper {
			return sharedPaper, nil
		}
		gw, err := exchange.NewGateway(creds, cfg.Sessions.RateLimit)
		if err != nil {
			return nil, err
		}
		return execution.NewFailoverGateway(gw, cfg.Engine.PriceMaxAge, logger), nil
	}, cfg.Sessions.TTL, cfg.Sessions.MaxSessions)

	// Уведомления
	deliverers := []notify.Deliverer{notify.NewLogDeliverer(logger)}
	if cfg.Telegram.BotToken != "" {
		notifier, err := telegram.NewNotifier(cfg.Telegram.BotToken, logger)
		if err != nil {
			return err
		}
		for _, u := range strategies.Users {
			if u.TelegramChatID != 0 {
				notifier.SetRecipient(u.ID, u.TelegramChatID, telegram.ParseLang(u.Lang))
			}
		}
		deliverers = append(deliverers, notifier)
	} else {
		logger.Warn("⚠️ TELEGRAM_BOT_TOKEN not set, notifications go to log only")
	}
	dispatcher := notify.NewDispatcher(logger, deliverers...)

	// Риск и исполнение
	killSwitch := execution.NewKillSwitch(logger)
	var policyEngine *policy.Engine
	var execPolicy execution.PolicyEngine
	if cfg.Policy.File != "" {
		policyEngine, err = policy.NewEngine(cfg.Policy.File, cfg.Policy.Profile)
		if err != nil {
			return err
		}
		execPolicy = policyEngine
		logger.Info("🛡️ Risk profile %s loaded", policyEngine.GetPolicy().ProfileName)
	}
	executor := execution.NewExecutor(store, execPolicy, killSwitch, dispatcher, logger)
	executor.SetReconcileGrace(cfg.Engine.ReconcileGrace)
	slippage := cfg.Engine.SlippagePercent
	if slippage == 0 && policyEngine != nil {
		slippage = policyEngine.GetPolicy().SlippageThreshold
	}
	executor.SetSlippageThreshold(slippage)

	sched := scheduler.New(cfg.Engine.SchedulerResolution, cache, logger)
	m := manager.New(store, pool, cache, executor, sched, dispatcher, logger, manager.Options{
		MaxGridsPerUser:     cfg.Engine.MaxGridsPerUser,
		GridPollInterval:    cfg.Engine.GridPollInterval,
		TriggerPollInterval: cfg.Engine.TriggerPollInterval,
		StaleAfter:          cfg.Engine.StaleAfter,
		PriceTolerance:      cfg.Engine.PriceTolerance,
		CleanupAfter:        cfg.Engine.TriggerRetention,
		CleanupSchedule:     cfg.Engine.CleanupSchedule,
		ReportSchedule:      cfg.Engine.ReportSchedule,
		EvictSchedule:       cfg.Engine.EvictSchedule,
	})

	// Диспетчер останавливается последним, чтобы доставить события остановки
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(dispatchCtx)
	}()
	defer func() {
		stopDispatch()
		<-dispatchDone
	}()

	if err := m.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	seedStrategies(ctx, m, strategies, logger)

	if err := m.StartJobs(ctx); err != nil {
		return err
	}
	defer m.Shutdown()

	server := api.NewServer(logger, api.Deps{
		Manager:    m,
		Scheduler:  sched,
		Cache:      cache,
		KillSwitch: killSwitch,
		Policy:     policyEngine,
		Dispatcher: dispatcher,
	}, api.Config{
		Host:           cfg.API.Host,
		Port:           cfg.API.Port,
		AllowedOrigins: cfg.API.AllowedOrigins,
		AdminKey:       cfg.API.AdminKey,
		UserKeys:       strategies.AccessKeys(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	logger.Info("✅ Trigger bot is running")
	err = g.Wait()
	logger.Info("🛑 Shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db := cfg.Database
		return storage.NewPostgresStorage(db.Host, db.Port, db.User, db.Password, db.DBName, db.SSLMode,
			db.MaxOpenConns, db.MaxIdleConns, db.ConnMaxLifetime)
	default:
		if err := os.MkdirAll(cfg.PebblePath, 0o755); err != nil {
			return nil, fmt.Errorf("create pebble dir: %w", err)
		}
		return storage.NewPebbleStorage(cfg.PebblePath)
	}
}

// paperGateway paper-брокер, при PAPER_PRICE_FEED с ценами реальной площадки
func paperGateway(cfg config.BrokerConfig, paper *exchange.PaperBroker, rps float64) (domain.BrokerGateway, error) {
	switch cfg.PriceFeed {
	case domain.BrokerBybit:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = exchange.DefaultBybitURL
		}
		// публичные котировки не требуют ключей
		feed := exchange.NewRateLimited(exchange.NewBybitClient("", "", baseURL), rps, 1)
		return exchange.NewPaperFeed(feed, paper), nil
	case domain.BrokerAlpaca:
		feed, err := exchange.NewGateway(exchange.Credentials{
			Broker:    domain.BrokerAlpaca,
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
			DataURL:   cfg.DataURL,
		}, rps)
		if err != nil {
			return nil, err
		}
		return exchange.NewPaperFeed(feed, paper), nil
	}
	return paper, nil
}

func seedStrategies(ctx context.Context, m *manager.Manager, s *config.Strategies, logger *utils.Logger) {
	now := time.Now()
	for _, u := range s.Users {
		for _, lc := range u.Ladders {
			l, created, err := m.SeedLadder(ctx, lc.ToLadder(u.ID), lc.Start)
			switch {
			case err != nil:
				logger.Error("❌ Seed ladder %s/%s: %v", u.ID, lc.Symbol, err)
			case created:
				logger.Info("🌱 Seeded ladder %s for %s %s", l.ID, u.ID, l.Symbol)
			}
		}
		for _, tc := range u.Triggers {
			o, created, err := m.SeedTrigger(ctx, tc.ToTrigger(u.ID, now))
			switch {
			case err != nil:
				logger.Error("❌ Seed trigger %s/%s: %v", u.ID, tc.Symbol, err)
			case created:
				logger.Info("🌱 Seeded trigger %s for %s %s %s %.2f", o.ID, u.ID, o.Symbol, o.ConditionOperator, o.ThresholdPrice)
			}
		}
	}
}
