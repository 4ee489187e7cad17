package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codexec/internal/gateway/mcpserver"
)

var mcpUserID string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the executor and the catalog as an MCP server over stdio",
	RunE:  runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpUserID, "user", mcpserver.DefaultUserID, "user recorded in the audit trail")
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if _, err := sc.BuildCatalog(ctx); err != nil {
		return fmt.Errorf("building tool catalog: %w", err)
	}

	srv := mcpserver.New(sc.Executor, sc.Dispatcher, version, logger, mcpserver.WithUserID(mcpUserID))
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
