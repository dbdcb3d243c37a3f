package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"routerbackup/internal/orchestrator"
)

var (
	restoreJob  string
	restoreSink string
	restoreFile string
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Push a stored backup back to the router",
	Long: `Upload a stored backup to the job's router and apply it. Without --file
the newest backup in the sink is used; without --sink the job's first sink.
The job must set allowRestore. The router may reboot.`,
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringVar(&restoreJob, "job", "", "job name (required)")
	restoreCmd.Flags().StringVar(&restoreSink, "sink", "", "sink to read the backup from")
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "backup file name, defaults to the newest")
	_ = restoreCmd.MarkFlagRequired("job")
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.close()

	j, err := a.runnable(restoreJob)
	if err != nil {
		return err
	}

	res, err := j.orch.Restore(cmd.Context(), orchestrator.TriggerManual, orchestrator.RestoreRequest{
		Sink: restoreSink,
		File: restoreFile,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[%s] restore %s: %s\n", res.Job, res.Outcome, res.Message)
	if !res.Success {
		return fmt.Errorf("restore of %s failed", res.Job)
	}
	return nil
}
