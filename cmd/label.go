package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/andresmejia3/bestframe/internal/store"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:         "label <session_id> <label>",
	Short:       "Attach a label to a stored session",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{needsDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLabel(cmd.Context(), DB, args[0], args[1], cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, db store.ReportStore, id, label string, out io.Writer) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return fmt.Errorf("label must not be empty")
	}

	if err := db.LabelSession(ctx, id, label); err != nil {
		return fmt.Errorf("failed to label session: %w", err)
	}

	fmt.Fprintf(out, "✅ Session %s labeled as '%s'\n", id, label)
	return nil
}
