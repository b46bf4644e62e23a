// Package cli implements airtimectl, the operator command line for the
// airtime ledger.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"airtimebridge/internal/common/database"
	"airtimebridge/internal/common/logging"
	"airtimebridge/internal/config"
	"airtimebridge/internal/ledger/store"
	"airtimebridge/internal/providers/aggregator"
	"airtimebridge/internal/providers/mpesa"
	"airtimebridge/internal/purchase"
)

// Runtime is what every command works against.
type Runtime struct {
	Config *config.Config
	DB     database.Conn
	Logger *slog.Logger

	close func()
}

// Close releases the runtime's resources.
func (rt *Runtime) Close() {
	if rt.close != nil {
		rt.close()
	}
}

// Opener builds a Runtime on demand, so help and usage never touch the
// database.
type Opener func(ctx context.Context) (*Runtime, error)

// OpenFromEnv loads configuration from the environment and connects to the
// ledger. Logs go to stderr so command output stays parseable.
func OpenFromEnv(ctx context.Context) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, "text")

	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Runtime{Config: cfg, DB: db, Logger: logger, close: db.Close}, nil
}

// service builds the state machine over the runtime's ledger. The float
// monitor is seeded from the last recorded balance pull so that a first
// movement anchors on the observed float.
func (rt *Runtime) service(ctx context.Context) (*purchase.Service, *store.Store, error) {
	ledger := store.New(rt.DB)
	svc := purchase.NewService(rt.Config.Purchase, ledger,
		mpesa.NewClient(rt.Config.Mpesa, rt.Logger),
		aggregator.NewClient(rt.Config.Aggregator, rt.Logger),
		rt.Logger,
	)

	svc.SetFloatMonitor(purchase.NewFloatMonitor(rt.Config.Float.Thresholds(rt.Config.Purchase.Currency)))
	if _, err := svc.RefreshFloat(ctx); err != nil {
		return nil, nil, err
	}
	return svc, ledger, nil
}

type app struct {
	open Opener
}

func (a *app) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *Runtime) error) error {
	ctx := cmd.Context()
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// NewRootCmd assembles the command tree.
func NewRootCmd(version string, open Opener) *cobra.Command {
	a := &app{open: open}

	root := &cobra.Command{
		Use:           "airtimectl",
		Short:         "Operate the airtime purchase ledger",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(a.migrateCmd())
	root.AddCommand(a.statusCmd())
	root.AddCommand(a.floatCmd())
	root.AddCommand(a.sweepCmd())
	return root
}

// Execute runs airtimectl against the environment's configuration.
func Execute(ctx context.Context, version string) error {
	root := NewRootCmd(version, OpenFromEnv)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
