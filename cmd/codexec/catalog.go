package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codexec/internal/catalog"
)

var (
	catalogJSON   bool
	catalogQuery  string
	catalogServer string
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Build and browse the tool catalog",
}

var catalogBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Discover tools from every configured provider and publish a new catalog",
	RunE:  runCatalogBuild,
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tools of the current catalog",
	RunE:  runCatalogList,
}

var catalogShowCmd = &cobra.Command{
	Use:   "show <server>",
	Short: "Print the README of one server",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalogShow,
}

func init() {
	catalogCmd.PersistentFlags().BoolVar(&catalogJSON, "json", false, "print JSON")
	catalogListCmd.Flags().StringVarP(&catalogQuery, "query", "q", "", "filter by server, name or description")
	catalogListCmd.Flags().StringVar(&catalogServer, "server", "", "only tools of this server")
	catalogCmd.AddCommand(catalogBuildCmd, catalogListCmd, catalogShowCmd)
}

func runCatalogBuild(_ *cobra.Command, _ []string) error {
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

	sum, err := sc.BuildCatalog(ctx)
	if err != nil {
		return err
	}
	if catalogJSON {
		return printJSON(sum)
	}

	fmt.Printf("generation %s: %d tools from %d servers\n", sum.Generation, sum.Tools, len(sum.Servers))
	for _, w := range sum.Warnings {
		if w.Tool != "" {
			fmt.Fprintf(os.Stderr, "warning: %s.%s: %s\n", w.Server, w.Tool, w.Message)
		} else {
			fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Server, w.Message)
		}
	}
	return nil
}

// openCatalog reads the published catalog without connecting to providers.
func openCatalog() (*catalog.Catalog, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, err
	}
	return catalog.Open(ws)
}

func runCatalogList(_ *cobra.Command, _ []string) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}

	list := cat.Tools()
	if catalogQuery != "" {
		list = cat.Search(catalogQuery)
	}
	if catalogServer != "" {
		filtered := list[:0:0]
		for _, t := range list {
			if t.Server == catalogServer {
				filtered = append(filtered, t)
			}
		}
		list = filtered
	}

	if catalogJSON {
		return printJSON(map[string]any{
			"generation":   cat.Generation(),
			"generated_at": cat.GeneratedAt(),
			"tools":        list,
		})
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSIGNATURE\tDESCRIPTION")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Server, t.Signature, firstLine(t.Description))
	}
	return tw.Flush()
}

func runCatalogShow(_ *cobra.Command, args []string) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	readme, err := cat.Readme(args[0])
	if err != nil {
		return err
	}
	fmt.Print(readme)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
