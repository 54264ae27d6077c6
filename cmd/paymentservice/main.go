// Command paymentservice runs the order reconciler on its own, for
// deployments where the API replicas should not poll the processor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go-tcfprep/config"
	"go-tcfprep/service"
	"go-tcfprep/utils"
)

func main() {
	var (
		configFile string
		once       bool
	)
	root := &cobra.Command{
		Use:           "paymentservice",
		Short:         "Reconcile pending orders with the payment processor",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			utils.LoadEnv()
			cfg, err := config.Load(config.New(), configFile)
			if err != nil {
				return err
			}
			logger := utils.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout).With("service", "paymentservice")

			svc, err := service.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			if !once {
				return svc.RunReconciler(cmd.Context())
			}
			stats, err := svc.Reconciler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("reconciliation done", "checked", stats.Checked, "paid", stats.Paid, "expired", stats.Expired, "pending", stats.Pending, "errors", stats.Errors)
			return nil
		},
	}
	root.Flags().StringVar(&configFile, "config", "", "optional config file merged over the environment")
	root.Flags().BoolVar(&once, "once", false, "run a single reconciliation pass and exit")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
