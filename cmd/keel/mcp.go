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

	"github.com/aretw0/keel"
	"github.com/aretw0/keel/pkg/adapters/mcp"
	"github.com/aretw0/keel/pkg/lifecycle"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Starts a keel node and exposes its administration as MCP tools
(stats, monitoring toggle, session status, checkpoint, removal, checkpoint listing).

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		transport, _ := cmd.Flags().GetString("transport")
		addr, _ := cmd.Flags().GetString("addr")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		node, err := keel.New(ctx, cfg, lifecycle.JSONCodec[document]{}, keel.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := node.Close(closeCtx); err != nil {
				logger.Error("node close failed", "err", err)
			}
		}()
		go func() {
			if err := node.Run(ctx); err != nil {
				logger.Error("sweeper stopped", "err", err)
			}
		}()

		srv := mcp.NewServer(node.Coordinator(), node.Directory(), mcp.WithLogger(logger))

		switch transport {
		case "stdio":
			// Logs go to stderr (logging.New), keeping stdout for JSON-RPC.
			logger.Info("Starting keel MCP Server (Stdio)")
			return srv.ServeStdio()
		case "sse":
			err := srv.ServeSSE(ctx, addr)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("MCP Server stopped gracefully")
			return nil
		default:
			return fmt.Errorf("unknown transport %q (supported: stdio, sse)", transport)
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().String("addr", "localhost:8681", "Address to listen on (only for SSE)")
}
