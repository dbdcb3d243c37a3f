package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"routerbackup/internal/scheduler"
	"routerbackup/internal/server"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the status API",
	Long: `Schedule every enabled job from its cron expression, run jobs marked
runNow once at startup, and serve the status API until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.close()

	sched := scheduler.New(log.Logger)
	var jobs []server.Job
	for _, j := range a.enabled() {
		if err := sched.Add(j.cfg.Cron, j.cfg.RunNow, j.orch); err != nil {
			return err
		}
		jobs = append(jobs, j.orch)
	}

	addr := cfg.Listen
	if listenAddr != "" {
		addr = listenAddr
	}
	srv := server.New(ctx, jobs, server.Options{
		Logger:  log.Logger.With().Str("component", "http").Logger(),
		NextRun: sched.Next,
	})

	log.Info().Str("config", path).Int("jobs", len(jobs)).Msg("Starting routerbackup")
	sched.Start(ctx)
	defer sched.Stop()

	return srv.ListenAndServe(ctx, addr)
}
