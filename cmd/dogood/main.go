package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danielalanbates/github-helper/internal/config"
	"github.com/danielalanbates/github-helper/internal/coord"
	"github.com/danielalanbates/github-helper/internal/notify"
	"github.com/danielalanbates/github-helper/internal/storage"
)

// Version is set at build time
var Version = "dev"

var (
	cfgFile string
	dbPath  string

	cfg       *config.Config
	store     storage.Storage
	rootCtx   context.Context
	rootStop  context.CancelFunc
	coordHub  *coord.Coordinator
	coordDocs coord.Store
)

var rootCmd = &cobra.Command{
	Use:           "dogood",
	Short:         "Run coding agents against open-source issues",
	Long:          `dogood schedules concurrent solver agents against open-source issues, sharing claims, quotas and rate-limit backoff with every other dogood process on the host.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Post-run hooks are skipped when a command fails
		closeState()
		rootCtx, rootStop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			loaded.Database.Path = dbPath
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeState()
	},
}

func closeState() {
	if store != nil {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close database: %v\n", err)
		}
	}
	store, coordHub, coordDocs = nil, nil, nil
	if rootStop != nil {
		rootStop()
		rootStop = nil
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./dogood.yaml or ~/.config/dogood/dogood.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides database.path)")
}

func main() {
	err := rootCmd.Execute()
	closeState()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStore opens the shared database once per command
func openStore() (storage.Storage, error) {
	if store != nil {
		return store, nil
	}
	s, err := storage.NewStorage(rootCtx, &storage.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	store = s
	return store, nil
}

// coordinationStore returns the configured document backend
func coordinationStore() (coord.Store, error) {
	if coordDocs != nil {
		return coordDocs, nil
	}
	switch cfg.Coordination.Backend {
	case config.BackendSQLite:
		s, err := openStore()
		if err != nil {
			return nil, err
		}
		coordDocs = coord.NewDBStore(s)
	default:
		coordDocs = coord.NewFileStore(cfg.Coordination.Dir)
	}
	return coordDocs, nil
}

// coordinator builds the cross-process coordinator with the configured
// notifier attached
func coordinator() (*coord.Coordinator, error) {
	if coordHub != nil {
		return coordHub, nil
	}
	docs, err := coordinationStore()
	if err != nil {
		return nil, err
	}
	coordHub = coord.New(docs, cfg.CoordinatorConfig(), coord.WithNotifier(notify.New(cfg.NotifierConfig())))
	return coordHub, nil
}
