package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/scheduler"
)

// Shared CLI flags
var (
	cfgFile  string
	dataDir  string
	logLevel string
	logJSON  bool
)

// Version is set by main
var Version = "dev"

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gbot",
		Short: "gbot - personal AI assistant",
		Long: `gbot is a personal AI assistant backend: conversations with memory,
scheduled jobs and reminders, and background task delegation.

Run 'gbot serve' to start the HTTP API, WebSocket, scheduler and channels.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: platform data directory); ignored with --config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(ChatCmd())
	rootCmd.AddCommand(JobsCmd())
	rootCmd.AddCommand(RemindersCmd())
	rootCmd.AddCommand(UsersCmd())
	rootCmd.AddCommand(APIKeyCmd())
	rootCmd.AddCommand(KeyringCmd())

	return rootCmd
}

// loadConfig reads the config named by the global flags and sets up logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFrom(cfgFile)
	} else {
		cfg, err = config.Load(dataDir)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = logJSON
	}
	logging.Setup(cfg.LogLevel, cfg.LogJSON)

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the database of the configured data directory
func openStore(cmd *cobra.Command) (*config.Config, *db.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := db.NewSQLite(cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

// offlineScheduler validates and persists jobs without running them. A
// running server picks them up on its next start.
func offlineScheduler(cfg *config.Config, store *db.Store) *scheduler.Scheduler {
	return scheduler.New(store, scheduler.NewCronTimer(time.Local), nil, cfg.Scheduler)
}

// defaultUser is the local account used by CLI commands without --user
func defaultUser() string {
	if u := os.Getenv("GBOT_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
