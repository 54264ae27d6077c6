package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"go-tcfprep/config"
	"go-tcfprep/service"
	"go-tcfprep/utils"
	"go-tcfprep/web/controllers"
	"go-tcfprep/web/middleware"
)

func main() {
	utils.LoadEnv()
	v := config.New()

	root := &cobra.Command{
		Use:           "webservice",
		Short:         "TCF Prep billing API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "optional config file merged over the environment")
	root.PersistentFlags().String("port", "", "listen port (overrides GIN_PORT)")
	_ = v.BindPFlag("GIN_PORT", root.PersistentFlags().Lookup("port"))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the order reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v)
		},
	}
	root.RunE = serve.RunE

	root.AddCommand(
		serve,
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			RunE: func(cmd *cobra.Command, _ []string) error {
				svc, err := bootstrap(cmd, v)
				if err != nil {
					return err
				}
				defer svc.Close()
				svc.Logger.Info("schema up to date")
				return nil
			},
		},
		&cobra.Command{
			Use:   "seed-plans",
			Short: "Insert the default subscription packs that are missing",
			RunE: func(cmd *cobra.Command, _ []string) error {
				svc, err := bootstrap(cmd, v)
				if err != nil {
					return err
				}
				defer svc.Close()
				n, err := svc.Catalog.SeedDefaults(cmd.Context())
				if err != nil {
					return err
				}
				svc.Logger.Info("plans seeded", "created", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "sync-usages [username]",
			Short: "Resize balances to the current plan usages",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := bootstrap(cmd, v)
				if err != nil {
					return err
				}
				defer svc.Close()
				username := ""
				if len(args) == 1 {
					username = args[0]
				}
				report, err := svc.Credits.SyncUsages(cmd.Context(), username, nil)
				if err != nil {
					return err
				}
				for _, s := range report.Skipped {
					svc.Logger.Warn("user skipped", "user_id", s.UserID, "username", s.Username, "plan_id", s.PlanID, "reason", s.Reason)
				}
				svc.Logger.Info("usages synced", "updated", len(report.Updated), "skipped", len(report.Skipped))
				return nil
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func bootstrap(cmd *cobra.Command, v *viper.Viper) (*service.Services, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, file)
	if err != nil {
		return nil, err
	}
	logger := utils.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout).With("service", "webservice")
	return service.New(cfg, logger)
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	svc, err := bootstrap(cmd, v)
	if err != nil {
		return err
	}
	defer svc.Close()
	cfg := svc.Config
	if cfg.Secret == "" {
		return fmt.Errorf("SECRET must be set to sign tokens")
	}

	if n, err := svc.Catalog.SeedDefaults(cmd.Context()); err != nil {
		return err
	} else if n > 0 {
		svc.Logger.Info("default plans created", "count", n)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(svc.Logger))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitPerMinute/4+1)
	limiter.StartCleanup(cmd.Context(), 10*time.Minute)

	h := &controllers.Handler{
		DB:      svc.DB,
		Auth:    middleware.NewAuth(svc.DB, cfg.Secret, cfg.TokenTTL),
		Catalog: svc.Catalog,
		Credits: svc.Credits,
		Orders:  svc.Orders,
		Events:  svc.Events,
		Logger:  svc.Logger,
	}
	h.Register(r, limiter, promhttp.Handler())

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return service.Start(ctx, ":"+cfg.Port, r, svc.Logger)
	})
	g.Go(func() error {
		return svc.RunReconciler(ctx)
	})
	return g.Wait()
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowHeaders = append(c.AllowHeaders, "Authorization", "Stripe-Signature", "X-Request-ID")
	c.ExposeHeaders = []string{"X-Request-ID"}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	return c
}
