package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/bestframe/internal/log"
	"github.com/andresmejia3/bestframe/internal/metrics"
	"github.com/andresmejia3/bestframe/internal/store"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the scan and rank commands
type Options struct {
	InputPath     string
	NthFrame      int
	NumEngines    int
	OutDir        string
	OutFile       string
	ConfigPath    string
	SessionID     string
	Live          bool
	Verify        bool
	WorkerCommand string
	WorkerTimeout string
	Debug         bool
}

const defaultDBPath = "bestframe.db"

// needsDB marks commands that cannot run without a store.
const needsDB = "needs-db"

var (
	// DB is the store shared by subcommands. It is nil for scan and rank
	// unless a database was configured.
	DB store.ReportStore
	// Metrics collects counters for the running command.
	Metrics *metrics.Metrics

	dbURL       string
	logLevel    string
	metricsAddr string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "bestframe",
	Short:         "Head-pose based best frame selection",
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Init(logLevel)

		Metrics = metrics.New()
		if metricsAddr != "" {
			go func() {
				if err := Metrics.Serve(cmd.Context(), metricsAddr); err != nil {
					log.Warn("metrics server stopped", "addr", metricsAddr, "err", err)
				}
			}()
		}

		storeURL, explicit := resolveDBURL(dbURL)
		if !explicit && cmd.Annotations[needsDB] == "" {
			return nil
		}

		var err error
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), storeURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Debug("store opened", "url", redactURL(storeURL))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

// resolveDBURL returns the store URL and whether the user configured one.
// The flag wins, then the POSTGRES_* environment, then a local SQLite file.
func resolveDBURL(flag string) (string, bool) {
	if flag != "" {
		return flag, true
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name), true
	}
	return defaultDBPath, false
}

// redactURL hides the password of a postgres URL for logging.
func redactURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		return u.Redacted()
	}
	return raw
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Store URL: postgres://... or a SQLite file (default: "+defaultDBPath+" for list/label/reset)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")
}
