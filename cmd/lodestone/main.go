package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lodestone/internal/config"
	"lodestone/internal/fsread"
	"lodestone/internal/logging"
	"lodestone/internal/store"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool

	// Loaded in PersistentPreRunE, shared by all commands
	cfg *config.Config

	// Console logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lodestone",
	Short: "lodestone - adaptive file-collection indexer and relationship linker",
	Long: `lodestone builds a durable index of a research data collection and
links related files across it: recordings to the notes that describe them,
analyses to the raw data they were computed from, spreadsheets to the
sessions they track.

The collection itself is never modified. All derived state lives in a
single SQLite database.

Typical session:
  lodestone crawl ~/lab/data      # register a root and inventory it
  lodestone extract               # summarize file contents
  lodestone link                  # propose and confirm relationships
  lodestone status                # see where things stand`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := logging.Initialize(cfg.State.Dir, logging.Options{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// openStore opens the SQLite database, creating the state directory on
// first use. The --db flag overrides the configured path.
func openStore() (*store.Store, error) {
	path := dbPath
	if path == "" {
		path = cfg.State.DatabasePath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return store.Open(path)
}

// openReadFS builds the read-only filesystem capability jailed to the
// registered collection roots.
func openReadFS(st *store.Store) (*fsread.FS, error) {
	roots, err := st.ListRoots()
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("no collection roots registered; run 'lodestone crawl <path>' first")
	}
	paths := make([]string, 0, len(roots))
	for _, r := range roots {
		paths = append(paths, r.RootPath)
	}
	return fsread.New(paths)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: ~/.lodestone/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(relatedCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(jobsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
