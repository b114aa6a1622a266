// Package main is the entry point for the sessionctl CLI tool.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/sessionkeeper/internal/backend"
	"github.com/ashureev/sessionkeeper/internal/config"
	"github.com/ashureev/sessionkeeper/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Exit codes.
const (
	exitError    = 1
	exitNotFound = 2
)

// errNotFound is returned when the requested entity does not exist.
var errNotFound = errors.New("not found")

// app holds the state shared by every command of one invocation.
type app struct {
	output  string
	backend string
	cfg     *config.Config
	repo    store.Repository
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Inspect and manage the durable session store",
		Long: `sessionctl reads the same environment configuration as the server
(SESSION_BACKEND, DB_PATH, POSTGRES_DSN, SESSION_DIR, S3_*) and
operates directly on the configured session store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.output, "output", "o", "json", "Output format: json or yaml")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "Override SESSION_BACKEND")

	root.AddCommand(newInitCmd(a))
	root.AddCommand(newSessionCmd(a))
	root.AddCommand(newAgentCmd(a))
	root.AddCommand(newMessageCmd(a))

	return root
}

func (a *app) open(cmd *cobra.Command) error {
	if a.output != "json" && a.output != "yaml" {
		return fmt.Errorf("unknown output format %q (want json or yaml)", a.output)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.backend != "" {
		cfg.Backend = a.backend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: max(level, slog.LevelWarn)}))

	repo, err := backend.Open(commandContext(cmd), cfg, logger, nil)
	if err != nil {
		return err
	}
	a.repo = repo
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (a *app) close() error {
	if a.repo == nil {
		return nil
	}
	err := a.repo.Close()
	a.repo = nil
	return err
}

// print renders v in the selected output format.
func (a *app) print(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	if a.output == "json" {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	// JSON is a YAML subset; re-encoding the node tree keeps field order.
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return enc.Close()
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func exitCode(err error) int {
	if errors.Is(err, errNotFound) || errors.Is(err, store.ErrNotFound) {
		return exitNotFound
	}
	return exitError
}

func main() {
	_ = godotenv.Load()

	a := &app{}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(a).ExecuteContext(ctx)
	stop()
	if closeErr := a.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
