package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"swebox/internal/logging"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	timeout    time.Duration
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "swebox",
	Short: "swebox - containerized software-engineering task environments",
	Long: `swebox provisions Docker containers that hold a software-engineering
task: a repository checked out at a known commit, a prepared python
environment, and a stateful shell to work in.

Tasks come from local problem statements, GitHub issues, or benchmark
instance files. Runs are recorded as trajectories and can be evaluated
against each instance's test suite.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Secrets like GITHUB_TOKEN commonly live in a local .env.
		_ = godotenv.Load()

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
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

// versionCmd prints version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("swebox %s\n", version)
	},
}

const version = "0.4.0"

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 25*time.Second, "per-command timeout")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(docsCheckCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
