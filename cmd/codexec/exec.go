package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codexec/internal/executor"
	"github.com/jkaninda/codexec/internal/orchestrator"
	"github.com/jkaninda/codexec/internal/tools"
)

// Exit codes for validate, exec and run.
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitBlocked       = 2
	ExitPolicyDenied  = 3
	ExitGeneratorDown = 4
)

var (
	execTimeout    time.Duration
	execAllowHosts []string
	execUserID     string
	execJSON       bool
)

var validateCmd = &cobra.Command{
	Use:   "validate <file|->",
	Short: "Check a Starlark program against the security rules without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var execCmd = &cobra.Command{
	Use:   "exec <file|->",
	Short: "Run a Starlark program in the sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runExec,
}

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Generate code for a task with the configured generator and run it",
	Args:  cobra.ExactArgs(1),
	RunE:  runTask,
}

func init() {
	for _, cmd := range []*cobra.Command{validateCmd, execCmd, runCmd} {
		cmd.Flags().BoolVar(&execJSON, "json", false, "print the full result as JSON")
	}
	for _, cmd := range []*cobra.Command{execCmd, runCmd} {
		cmd.Flags().StringVar(&execUserID, "user", "cli", "user recorded in the audit trail")
	}
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "wall-clock limit (default from config)")
	execCmd.Flags().StringSliceVar(&execAllowHosts, "allow-host", nil, "extra host:port the program may reach")
}

func readSource(arg string) (string, error) {
	var (
		data []byte
		err  error
	)
	if arg == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", fmt.Errorf("reading program: %w", err)
	}
	return string(data), nil
}

func runValidate(_ *cobra.Command, args []string) error {
	code, err := readSource(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	res := newEngine(cfg.Security, newLogger(cfg.Log)).Validate(code)
	if execJSON {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		for _, v := range slices.Concat(res.Violations, res.Warnings) {
			fmt.Printf("%s:%d: %s [%s] %s\n", args[0], v.Line, v.Severity, v.RuleID, v.Message)
		}
	}
	switch {
	case !res.SyntaxValid:
		os.Exit(ExitFailure)
	case res.Blocked:
		os.Exit(ExitBlocked)
	}
	if !execJSON {
		fmt.Println("ok")
	}
	return nil
}

func runExec(_ *cobra.Command, args []string) error {
	code, err := readSource(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}

	res, err := sc.Executor.Execute(ctx, executor.Request{
		Code:       code,
		Timeout:    execTimeout,
		AllowHosts: execAllowHosts,
		UserID:     execUserID,
	})
	if err != nil {
		sc.Cleanup()
		return err
	}
	if err := printResult(res); err != nil {
		sc.Cleanup()
		return err
	}
	sc.Cleanup()
	os.Exit(exitCode(res))
	return nil
}

func runTask(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	loop := sc.NewLoop()
	if loop == nil {
		return fmt.Errorf("no code generator configured (set orchestrator.generator.type)")
	}
	if sc.Dispatcher.Catalog() == nil {
		if _, err := sc.BuildCatalog(ctx); err != nil {
			return err
		}
	}

	out, err := loop.Run(tools.ContextWithUserID(ctx, execUserID), args[0])
	if errors.Is(err, orchestrator.ErrGeneration) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		sc.Cleanup()
		os.Exit(ExitGeneratorDown)
	}
	if err != nil {
		return err
	}

	if execJSON {
		if err := printJSON(out); err != nil {
			return err
		}
	} else if out.Success {
		printValue(out.Value, out.HasValue, out.Result)
	} else {
		fmt.Fprintln(os.Stderr, out.UserMessage())
	}
	fmt.Fprintf(os.Stderr, "[attempts=%d]\n", len(out.Attempts))

	if out.Result != nil && !out.Success {
		sc.Cleanup()
		os.Exit(exitCode(out.Result))
	}
	return nil
}

func printResult(res *executor.Result) error {
	if execJSON {
		return printJSON(res)
	}
	if !res.Success {
		fmt.Fprintln(os.Stderr, res.UserMessage())
		return nil
	}
	printValue(res.Value, res.HasValue, res)
	return nil
}

func printValue(v any, has bool, res *executor.Result) {
	if res != nil && res.Stdout != "" {
		fmt.Fprint(os.Stderr, res.Stdout)
	}
	if has {
		if s, ok := v.(string); ok {
			fmt.Println(s)
			return
		}
		_ = printJSON(v)
	}
}

// exitCode maps an execution result to the process exit status.
func exitCode(res *executor.Result) int {
	switch res.Kind() {
	case "":
		return ExitSuccess
	case executor.KindSecurityBlocked:
		return ExitBlocked
	case executor.KindNetworkPolicy, executor.KindFileSystemPolicy:
		return ExitPolicyDenied
	default:
		return ExitFailure
	}
}
