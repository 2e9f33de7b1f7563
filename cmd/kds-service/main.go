package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vasiliy-maslov/kds-service/internal/broadcast"
	"github.com/vasiliy-maslov/kds-service/internal/catalog"
	"github.com/vasiliy-maslov/kds-service/internal/clock"
	"github.com/vasiliy-maslov/kds-service/internal/config"
	"github.com/vasiliy-maslov/kds-service/internal/db"
	"github.com/vasiliy-maslov/kds-service/internal/handler"
	"github.com/vasiliy-maslov/kds-service/internal/notify"
	"github.com/vasiliy-maslov/kds-service/internal/order"
	"github.com/vasiliy-maslov/kds-service/internal/storage/memory"
	"github.com/vasiliy-maslov/kds-service/internal/transport"
)

func setupLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", "kds-service").Logger()
}

func pricingFromConfig(cfg config.PricingConfig) order.Pricing {
	p := order.Pricing{TaxRate: cfg.TaxRate, ServiceCharges: make(map[order.OrderType]decimal.Decimal, len(cfg.ServiceCharges))}
	for orderType, rate := range cfg.ServiceCharges {
		p.ServiceCharges[order.OrderType(orderType)] = rate
	}
	return p
}

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		setupLogger("info", "console")
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	log.Info().Str("storage", cfg.App.StorageDriver).Msg("KDS service starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		repo    order.Repository
		items   catalog.Catalog
		closeDB = func() {}
	)

	switch cfg.App.StorageDriver {
	case config.StorageDriverPostgres:
		if err := db.ApplyMigrations(cfg.Postgres); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		pg, err := db.New(ctx, cfg.Postgres)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		closeDB = pg.Close
		repo = order.NewRepository(pg.Pool)
		items = catalog.NewPostgresCatalog(pg.SQLX())
	case config.StorageDriverMemory:
		repo = memory.NewStore(clock.NewSystem())
		if cfg.Catalog.SeedFile != "" {
			mc, err := catalog.LoadMemoryCatalog(cfg.Catalog.SeedFile)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to load catalog file")
			}
			items = mc
		} else {
			log.Warn().Msg("CATALOG_FILE not set, every submission will fail with item_not_found")
			items = catalog.NewMemoryCatalog()
		}
	}
	defer closeDB()

	hub := broadcast.NewHub(broadcast.Config{
		QueueSize:     cfg.Display.QueueSize,
		ReplayBuffer:  cfg.Display.ReplayBuffer,
		ReplayLimit:   cfg.Display.ReplayLimit,
		ReorderWindow: cfg.Display.ReorderWindow,
	}, order.NewEventLog(repo))

	var (
		sender notify.Sender = notify.LogSender{}
		mirror notify.Mirror = notify.LogMirror{}
		broker *notify.Broker
	)
	if cfg.AMQP.URL != "" {
		broker, err = notify.NewBroker(cfg.AMQP.URL, cfg.AMQP.NotificationExchange, cfg.AMQP.MirrorExchange)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to message broker")
		}
		sender = notify.NewAMQPSender(broker, cfg.AMQP.NotificationExchange)
		mirror = notify.NewAMQPMirror(broker, cfg.AMQP.MirrorExchange)
	} else {
		log.Warn().Msg("AMQP_URL not set, notifications are only logged")
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
		Timeout:   cfg.Notify.Timeout,
	}, sender, mirror)

	factory := order.NewFactory(pricingFromConfig(cfg.Pricing), repo, clock.NewSystem(),
		order.WithMaxCodeAttempts(cfg.Orders.CodeMaxAttempts))
	resolver := catalog.NewResolver(items, cfg.Catalog.Timeout)
	orderSvc := order.NewService(repo, resolver, factory, hub, dispatcher)

	router := transport.NewRouter(
		handler.NewOrderHandler(orderSvc, handler.OrderOptions{
			DefaultRestaurant: cfg.App.DefaultRestaurant,
			DefaultLimit:      cfg.Orders.DefaultLimit,
			MaxLimit:          cfg.Orders.MaxLimit,
		}),
		handler.NewDisplayHandler(hub, handler.DisplayOptions{
			DefaultRestaurant: cfg.App.DefaultRestaurant,
			WriteTimeout:      cfg.Display.WriteTimeout,
			PingInterval:      cfg.Display.PingInterval,
		}),
	)

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Workers outlive the signal so queued notifications can drain during shutdown.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workersDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(workersDone)
		return dispatcher.Run(workerCtx)
	})

	g.Go(func() error {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		hub.Close()
		dispatcher.Stop()

		select {
		case <-workersDone:
		case <-shutdownCtx.Done():
			log.Warn().Msg("Notification queue not drained before shutdown timeout")
			cancelWorkers()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Service stopped with error")
	}

	if broker != nil {
		if err := broker.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close message broker connection")
		}
	}
	log.Info().Msg("KDS service stopped")
}
