package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/smscredit/internal/api"
	"github.com/punchamoorthee/smscredit/internal/config"
	"github.com/punchamoorthee/smscredit/internal/idempotency"
	"github.com/punchamoorthee/smscredit/internal/ledger"
	"github.com/punchamoorthee/smscredit/internal/lock"
	"github.com/punchamoorthee/smscredit/internal/logging"
	"github.com/punchamoorthee/smscredit/internal/notify"
	"github.com/punchamoorthee/smscredit/internal/retry"
	"github.com/punchamoorthee/smscredit/internal/service"
	"github.com/punchamoorthee/smscredit/internal/shutdown"
	"github.com/punchamoorthee/smscredit/internal/signature"
	"github.com/punchamoorthee/smscredit/internal/store"
	"github.com/punchamoorthee/smscredit/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(logging.Config{
		Service: "smscredit-api",
		Env:     cfg.Env,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer logging.Sync(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sm := shutdown.New(cfg.ShutdownTimeout, logger)
	defer func() { _ = sm.Shutdown() }()

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, cfg.DBSource); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	st, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	sm.Add("postgres", shutdown.ClosePool(st))

	locks, err := newLockManager(cfg, sm, logger)
	if err != nil {
		return err
	}

	var (
		notifier notify.Notifier = notify.NewLogNotifier(logger)
		sink     notify.AlertSink = notify.NewLogNotifier(logger)
	)
	if len(cfg.Kafka.Brokers) > 0 {
		pub := notify.NewKafkaPublisher(logger, cfg.Kafka.Brokers, cfg.Kafka.CreditTopic, cfg.Kafka.AlertTopic)
		sm.Add("kafka", shutdown.CloseWithError(pub))
		notifier, sink = pub, pub
		logger.Info("publishing notifications to kafka", zap.Strings("brokers", cfg.Kafka.Brokers))
	}
	alerter := notify.NewAlerter(sink, 5*time.Second, logger)

	verifier, err := signature.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Algorithm)
	if err != nil {
		return err
	}

	dispatcher := retry.NewDispatcher(retry.Policy{
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		MaxAttempts:    cfg.Retry.MaxAttempts,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	}, cfg.Retry.Workers, st, logger)
	dispatcher.OnDeadLetter(alerter)

	guard := idempotency.NewGuard(st, logger)
	writer := ledger.NewWriter(st, locks, logger)
	processor := service.NewProcessor(guard, locks, writer, st, notify.NewAsync(notifier, 5*time.Second, logger), service.ProcessorOptions{
		Currency: cfg.LedgerCurrency,
		LockTTL:  cfg.Lock.TTL,
		Alerts:   alerter,
	}, logger)
	webhooks := service.NewWebhookService(verifier, st, processor, dispatcher, cfg.Webhook.ProcessTimeout, logger)
	balances := service.NewBalanceService(locks, writer, st, st, cfg.Lock.TTL, logger)
	deadLetters := service.NewDeadLetterService(st, dispatcher, logger)
	sweeper := service.NewSweeper(guard, st, dispatcher, cfg.Idempotency.SafetyWindow, cfg.Idempotency.SweepInterval, logger)

	handler := api.NewHandler(api.Deps{
		Webhooks:       webhooks,
		Payments:       guard,
		Status:         tracker.New(st),
		Balances:       balances,
		DeadLetters:    deadLetters,
		Reconciliation: st,
	}, cfg.LedgerCurrency, cfg.Webhook.SignatureHeader, logger)

	r := mux.NewRouter()
	handler.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Webhook.ProcessTimeout + 5*time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	err = g.Wait()
	logger.Info("server stopped", zap.Int("pending_retries", dispatcher.Len()))
	return err
}

func newLockManager(cfg *config.Config, sm *shutdown.Manager, logger *zap.Logger) (*lock.Manager, error) {
	opts := lock.Options{
		Attempts:        cfg.Lock.AcquireAttempts,
		BaseDelay:       cfg.Lock.BaseDelay,
		MaxDelay:        cfg.Lock.MaxDelay,
		RowLockFallback: cfg.Lock.RowLockFallback,
	}

	switch cfg.Lock.Backend {
	case "redis":
		client, err := lock.Connect(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		sm.Add("redis", shutdown.CloseWithError(client))
		return lock.NewManager(lock.NewRedisBackend(lock.NewGoRedisEvaler(client)), opts, logger), nil
	case "memory":
		logger.Warn("using in-process lock backend; run a single replica only")
		return lock.NewManager(lock.NewMemoryBackend(), opts, logger), nil
	default:
		opts.RowLockFallback = true
		return lock.NewManager(nil, opts, logger), nil
	}
}
