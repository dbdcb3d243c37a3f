package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"routerbackup/internal/config"
	"routerbackup/internal/logx"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "routerbackup",
	Short: "Scheduled configuration backups for OpenWrt and iKuai routers",
	Long: `routerbackup downloads configuration backups from routers, stores them in
local, WebDAV and S3 sinks with count-based retention, and keeps a history
of every run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logx.InitFromEnv()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (overrides ROUTERBACKUP_CONFIG)")
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the config named by --config or
// config.Path().
func loadConfig() (config.Config, string, error) {
	path := cfgFile
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Parse(path)
	if err != nil {
		return config.Config{}, path, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, path, fmt.Errorf("invalid config %s:\n%w", path, err)
	}
	log.Debug().Str("path", path).Int("jobs", len(cfg.Jobs)).Msg("Config loaded")
	return cfg, path, nil
}
