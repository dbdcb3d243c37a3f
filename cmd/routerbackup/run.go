package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"routerbackup/internal/history"
	"routerbackup/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run [job...]",
	Short: "Run backups now",
	Long: `Run a backup for each named job, or for every enabled job when no name is
given. Exits non-zero when any run does not fully succeed.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.close()

	jobs := a.enabled()
	if len(args) > 0 {
		jobs = nil
		for _, name := range args {
			j, err := a.runnable(name)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no enabled jobs configured")
	}

	var failed int
	for _, j := range jobs {
		res, err := j.orch.Run(cmd.Context(), orchestrator.TriggerManual)
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		if res.Outcome != history.OutcomeSuccess {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d job(s) did not fully succeed", failed, len(jobs))
	}
	return nil
}

func printResult(w io.Writer, res orchestrator.Result) {
	fmt.Fprintf(w, "[%s] %s: %s\n", res.Job, res.Outcome, res.Message)
	for _, s := range res.Sinks {
		switch {
		case !s.OK:
			fmt.Fprintf(w, "  %s (%s): failed after %d attempt(s): %s\n", s.Name, s.Type, s.Attempts, s.Error)
		case s.Warning != "":
			fmt.Fprintf(w, "  %s (%s): ok, retention warning: %s\n", s.Name, s.Type, s.Warning)
		default:
			fmt.Fprintf(w, "  %s (%s): ok, %d old removed\n", s.Name, s.Type, s.Evicted)
		}
	}
}
