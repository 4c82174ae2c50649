package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/keel"
	"github.com/aretw0/keel/internal/presentation/tui"
	httpAdapter "github.com/aretw0/keel/pkg/adapters/http"
	"github.com/aretw0/keel/pkg/lifecycle"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// document is the instance type hosted by a standalone node: any JSON object.
type document map[string]any

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a keel node with the admin HTTP API",
	Long: `Starts a keel node: the idle sweeper, failover on reported node loss and the
admin HTTP API (stats, monitoring toggle, affinity lookup, session checkpoint and
removal, Prometheus metrics).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Admin.Address = addr
		}
		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet && tui.IsTerminal(os.Stderr) {
			tui.PrintBanner(os.Stderr, keel.Version)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		node, err := keel.New(ctx, cfg, lifecycle.JSONCodec[document]{}, keel.WithLogger(logger))
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr: cfg.Admin.Address,
			Handler: httpAdapter.NewHandler(node.Coordinator(), node.Directory(),
				httpAdapter.WithCluster(node.Membership()),
				httpAdapter.WithGatherer(node.Gatherer()),
				httpAdapter.WithLogger(logger),
			),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("admin API listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			return node.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down")

			// Give outstanding requests a deadline for completion.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		runErr := g.Wait()

		drain, _ := cmd.Flags().GetDuration("drain-timeout")
		closeCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		closeErr := node.Close(closeCtx)
		if closeErr == nil {
			logger.Info("keel node stopped", "node", node.ID())
		}
		return errors.Join(runErr, closeErr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Admin API listen address (overrides admin.address)")
	serveCmd.Flags().Bool("quiet", false, "Do not print the banner")
	serveCmd.Flags().Duration("drain-timeout", 30*time.Second, "Time allowed to passivate resident sessions on shutdown")
}
