package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	listJob  string
	listSink string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored backups of a job",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listJob, "job", "", "job name (required)")
	listCmd.Flags().StringVar(&listSink, "sink", "", "only this sink")
	_ = listCmd.MarkFlagRequired("job")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.close()

	j, err := a.find(listJob)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SINK\tFILE\tSIZE\tTIME")
	found := false
	for _, s := range j.orch.Sinks() {
		if listSink != "" && s.Name() != listSink {
			continue
		}
		found = true
		descs, err := s.List(cmd.Context())
		if err != nil {
			fmt.Fprintf(w, "%s\t(error: %v)\t\t\n", s.Name(), err)
			continue
		}
		for _, d := range descs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name(), d.FileName, d.Size, formatTime(d.Timestamp()))
		}
	}
	if listSink != "" && !found {
		return fmt.Errorf("sink %q not found in job %s", listSink, listJob)
	}
	return w.Flush()
}
