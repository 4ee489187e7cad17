package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codexec/internal/sandbox"
)

// workerCmd is started by the process runner, one process per execution.
// It reads a job from stdin and writes the outcome to stdout.
var workerCmd = &cobra.Command{
	Use:    sandbox.WorkerCommand,
	Short:  "Run one sandboxed job (internal)",
	Hidden: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		return sandbox.RunWorker(context.Background(), os.Stdin, os.Stdout, logger)
	},
}
