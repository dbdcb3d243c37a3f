package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	historyJob      string
	historyLimit    int
	historyRestores bool
	historyClear    bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs of a job, newest first",
	Long: `Show recent backup runs of a job, newest first. --restores shows the
restore log instead. --clear empties the backup history and prints nothing
else.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyJob, "job", "", "job name (required)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records to show, 0 for all")
	historyCmd.Flags().BoolVar(&historyRestores, "restores", false, "show restores instead of backups")
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "delete every backup history record")
	_ = historyCmd.MarkFlagRequired("job")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.close()

	j, err := a.find(historyJob)
	if err != nil {
		return err
	}

	if historyClear {
		n, err := j.orch.ClearHistory(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d record(s) from %s history\n", n, j.cfg.Name)
		return nil
	}

	hist := j.orch.History()
	if historyRestores {
		hist = j.orch.RestoreHistory()
	}
	records := hist.List()
	if historyLimit > 0 && len(records) > historyLimit {
		records = records[:historyLimit]
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTRIGGER\tOUTCOME\tARTIFACT\tMESSAGE")
	for _, r := range records {
		artifact := r.Artifact
		if artifact == "" {
			artifact = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", formatTime(r.Time), r.Trigger, r.Outcome, artifact, r.Message)
	}
	return w.Flush()
}
