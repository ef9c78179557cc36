package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/andresmejia3/bestframe/internal/store"
	"github.com/andresmejia3/bestframe/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:         "list [session_id]",
	Short:       "List stored sessions, or the ranked frames of one session",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{needsDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return runListFrames(cmd.Context(), DB, args[0], cmd.OutOrStdout())
		}
		return runList(cmd.Context(), DB, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, db store.ReportStore, out io.Writer) error {
	sessions, err := db.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found in database.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tFRAMES\tBEST\tINGESTED\tNO FACE\tMALFORMED\tCREATED")
	fmt.Fprintln(w, "--\t-----\t------\t----\t--------\t-------\t---------\t-------")

	for _, s := range sessions {
		best := "-"
		if s.BestScore != nil {
			best = fmt.Sprintf("%.3f", *s.BestScore)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%d\t%s\n", utils.ShortID(s.ID), s.Label, s.FrameCount, best,
			s.TotalIngested, s.NoFaceCount, s.MalformedCount, s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runListFrames(ctx context.Context, db store.ReportStore, id string, out io.Writer) error {
	frames, err := db.SessionFrames(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if len(frames) == 0 {
		fmt.Fprintf(out, "Session %s kept no frames.\n", id)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RANK\tSCORE\tPITCH\tYAW\tROLL\tFRAME")
	fmt.Fprintln(w, "----\t-----\t-----\t---\t----\t-----")
	for _, f := range frames {
		fmt.Fprintf(w, "%d\t%.3f\t%.2f\t%.2f\t%.2f\t%d\n", f.Rank, f.Score, f.Pitch, f.Yaw, f.Roll, f.SequenceIndex)
	}
	return w.Flush()
}
