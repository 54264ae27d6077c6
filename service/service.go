// Package service assembles the billing components from a Config and runs
// them as long-lived processes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"go-tcfprep/catalog"
	"go-tcfprep/config"
	"go-tcfprep/credit"
	"go-tcfprep/metrics"
	"go-tcfprep/payment/events"
	"go-tcfprep/payment/gateway"
	"go-tcfprep/payment/order"
	"go-tcfprep/web/db"
	"go-tcfprep/web/email"
)

const shutdownTimeout = 15 * time.Second

// Services holds every component a command may need, wired to one database
// and one payment processor.
type Services struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         *gorm.DB
	Metrics    *metrics.Billing
	Processor  gateway.Processor
	Catalog    *catalog.Catalog
	Credits    *credit.Ledger
	Orders     *order.Ledger
	Events     *events.Adapter
	Mailer     *email.Mailer
	Reconciler *order.Reconciler
}

// NewProcessor picks the payment processor for cfg's Stripe mode.
func NewProcessor(cfg config.StripeConfig, logger *slog.Logger) gateway.Processor {
	if cfg.Mode == config.StripeModeFake {
		logger.Warn("using the in-memory payment processor; no real charges are made")
		return gateway.NewFake(cfg.WebhookSecret)
	}
	return gateway.NewStripe(cfg.SecretKey, cfg.WebhookSecret, cfg.Timeout, logger)
}

// New connects to the database, migrates it and builds the components.
func New(cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if err := db.Connect(cfg.DBDriver, cfg.DSN, logger); err != nil {
		return nil, err
	}
	if err := db.Sync(db.DB); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return Wire(cfg, logger, db.DB, NewProcessor(cfg.Stripe, logger)), nil
}

// Wire builds the components on an open connection.
func Wire(cfg *config.Config, logger *slog.Logger, conn *gorm.DB, processor gateway.Processor) *Services {
	m := metrics.NewBilling()
	cat := catalog.New(conn, catalog.WithLogger(logger))
	credits := credit.New(conn, cat, credit.WithLogger(logger), credit.WithMetrics(m))
	orders := order.New(conn, cat, credits, processor, order.WithLogger(logger), order.WithMetrics(m))
	mailer := email.NewMailer(cfg.SMTP, cfg.FrontendURL, logger)

	adapter := events.New(conn, cat, orders, processor,
		events.WithLogger(logger),
		events.WithMetrics(m),
		events.WithNotifier(mailer),
		events.WithRedirects(cfg.FrontendURL),
	)
	reconciler := order.NewReconciler(orders,
		order.WithWindows(order.DefaultGrace, cfg.OrderExpiry),
		order.OnPaid(adapter.AfterPaid),
	)

	return &Services{
		Config:     cfg,
		Logger:     logger,
		DB:         conn,
		Metrics:    m,
		Processor:  processor,
		Catalog:    cat,
		Credits:    credits,
		Orders:     orders,
		Events:     adapter,
		Mailer:     mailer,
		Reconciler: reconciler,
	}
}

// Close releases the database connection.
func (s *Services) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Start serves handler on addr until ctx is cancelled, then shuts the
// server down gracefully.
func Start(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// RunReconciler starts the reconciler on the configured schedule and stops
// it when ctx is cancelled.
func (s *Services) RunReconciler(ctx context.Context) error {
	if err := s.Reconciler.Start(s.Config.ReconcileSchedule); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.Reconciler.Stop(stopCtx)
	return nil
}
