package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"paygate/internal/billing"
	"paygate/internal/cache"
	"paygate/internal/config"
	"paygate/internal/ledger"
	"paygate/internal/metrics"
	"paygate/internal/notify"
	"paygate/internal/rates"
	"paygate/internal/reconcile"
	"paygate/internal/referral"
	"paygate/internal/repo"
	"paygate/internal/scheduler"
	"paygate/internal/wa"
	"paygate/migrations"
)

const notifyQueueSize = 256

// app holds the wired service graph shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	repo       repo.Repository
	redis      *cache.Redis
	oracle     *rates.Oracle
	ledger     *ledger.Client
	billing    *billing.Service
	referrals  *referral.Graph
	reconciler *reconcile.Reconciler
	scheduler  *scheduler.Scheduler
	dispatcher *notify.Dispatcher
	wa         *wa.Client

	closers []func()
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		r, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite repository: %w", err)
		}
		return r, nil
	default:
		r, err := repo.NewPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
		if err != nil {
			return nil, fmt.Errorf("init repository: %w", err)
		}
		return r, nil
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Registry(cfg.MetricsNamespace),
	}

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.repo = repository
	a.closers = append(a.closers, repository.Close)

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		a.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated", "driver", cfg.DatabaseDriver)

	if cfg.RedisAddr != "" {
		a.redis = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		a.closers = append(a.closers, func() {
			if err := a.redis.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		})
		if err := a.redis.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	a.oracle = rates.New(rates.Config{
		BaseURL:    cfg.RateBaseURL,
		CoinID:     cfg.RateCoinID,
		VsCurrency: cfg.RateVsCurrency,
		Timeout:    cfg.RateTimeout,
		Fallback:   decimal.NewFromFloat(cfg.RateFallback),
		CacheTTL:   cfg.RateCacheTTL,
	}, logger, a.metrics, a.redis)

	a.ledger = ledger.New(ledger.Config{
		BaseURL: cfg.TonCenterBaseURL,
		APIKey:  cfg.TonCenterAPIKey,
		Timeout: cfg.TonCenterTimeout,
	}, logger, a.metrics)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, logger)
		if err != nil {
			logger.Warn("telegram notifications disabled", "error", err)
		} else {
			a.dispatcher = notify.NewDispatcher(tg, notifyQueueSize, logger, a.metrics)
			a.dispatcher.Start(ctx)
			a.closers = append(a.closers, a.dispatcher.Stop)
			notifier = a.dispatcher
		}
	}

	var alerter notify.Alerter = notify.LogAlerter{Logger: logger.With("component", "alerts")}
	if cfg.WhatsAppStorePath != "" && cfg.AlertWhatsAppJID != "" {
		client, err := wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
			AlertJID:  cfg.AlertWhatsAppJID,
			Metrics:   a.metrics,
		}, logger)
		if err != nil {
			logger.Warn("whatsapp alerts disabled", "error", err)
		} else {
			a.wa = client
			a.closers = append(a.closers, client.Close)
			alerter = client
		}
	}

	currency := strings.ToUpper(cfg.RateVsCurrency)

	a.billing = billing.New(repository, billing.Config{
		Wallet:      cfg.WalletAddress,
		ReuseWindow: cfg.PendingReuseWindow,
		Prices: map[repo.PaymentType]billing.Price{
			repo.PaymentAccess: {Amount: decimal.NewFromFloat(cfg.AccessPrice), Currency: cfg.AccessCurrency},
			repo.PaymentBot:    {Amount: decimal.NewFromFloat(cfg.BotPrice), Currency: cfg.BotCurrency},
		},
	}, logger)

	a.referrals = referral.NewGraph(repository, logger)

	a.reconciler = reconcile.New(reconcile.Deps{
		Repo:        repository,
		Ledger:      a.ledger,
		Rates:       a.oracle,
		Distributor: referral.NewDistributor(repository, notifier, currency, logger, a.metrics),
		Notifier:    notifier,
		Alerter:     alerter,
		Metrics:     a.metrics,
	}, reconcile.Config{
		Wallet:            cfg.WalletAddress,
		RetentionWindow:   cfg.RetentionWindow,
		FetchLimit:        cfg.LedgerFetchLimit,
		CreditAttempts:    cfg.CreditRetryAttempts,
		CreditBackoff:     cfg.CreditRetryBackoff,
		Currency:          currency,
		DistributeTimeout: cfg.ReconcileTimeout,
	}, logger)

	a.scheduler = scheduler.New(repository, a.reconciler, a.oracle, scheduler.Config{
		Interval:        cfg.ReconcileInterval,
		Delay:           cfg.ReconcileDelay,
		RetentionWindow: cfg.RetentionWindow,
		RequestTimeout:  cfg.ReconcileTimeout,
	}, logger, a.metrics)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
