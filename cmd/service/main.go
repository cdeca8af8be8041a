package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/dirk.krummacker/giftagent/internal/scheduler"
	"gitlab.com/dirk.krummacker/giftagent/internal/service"
)

const shutdownTimeout = 30 * time.Second

// Usage example on the command line:
// > GIFTAGENT_APP_CRON_SECRET=... GIFTAGENT_PAYMAN_CLIENT_ID=... GIFTAGENT_PAYMAN_CLIENT_SECRET=... go run . serve
func main() {
	rootCmd := &cobra.Command{
		Use:          "giftagent",
		Short:        "Birthday gift agent: sends preferred gifts to contacts on their birthday",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the in-process schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Log.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			svc := service.New(service.Deps{
				Dispatcher:   a.dispatcher,
				Sweeper:      a.sweeper,
				Contacts:     a.contacts,
				Transactions: a.transactions,
				Database:     a.db,
				Gatherer:     a.registry,
			}, a.cfg.App.CronSecret, a.log)
			server := &http.Server{
				Addr:              ":" + a.cfg.App.Port,
				Handler:           svc.SetupHttpRouter(a.cfg.App.GinLogging),
				ReadHeaderTimeout: 10 * time.Second,
			}

			var sched *scheduler.Scheduler
			if a.cfg.Scheduler.Enabled {
				sched, err = scheduler.NewScheduler(scheduler.Config{
					Times:         a.cfg.Scheduler.Times,
					Location:      a.cfg.Gifting.Location,
					SweepInterval: a.cfg.Scheduler.SweepInterval,
					RunOnStart:    runNow,
				}, a.dispatcher, a.sweeper, a.log.Named("scheduler"))
				if err != nil {
					return err
				}
				sched.Start()
			} else if runNow {
				a.log.Warn("--run-now ignored, the scheduler is disabled")
			}

			serverErr := make(chan error, 1)
			go func() {
				a.log.Info("HTTP server listening", zap.String("addr", server.Addr))
				serverErr <- server.ListenAndServe()
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-serverErr:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("HTTP server: %w", err)
				}
			case sig := <-stop:
				a.log.Info("shutting down", zap.String("signal", sig.String()))
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if sched != nil {
				sched.Shutdown(shutdownTimeout)
			}
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("HTTP server shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&runNow, "run-now", false, "run one birthday dispatch right after startup")
	return cmd
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one birthday dispatch for today and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			summary := a.dispatcher.Run(cmd.Context()).Summary()
			fmt.Fprintln(cmd.OutOrStdout(), summary.Message)
			if !summary.Success {
				return errors.New("birthday dispatch failed")
			}
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Advance due transactions to shipped or delivered and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.sweeper.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("delivery sweep: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Summary().Message)
			return nil
		},
	}
}
