package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/reclassroom/reclass/internal/domain"
	"github.com/reclassroom/reclass/internal/store"
)

func newSessionCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(newSessionShowCmd(root))
	return cmd
}

func newSessionShowCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a stored transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), root, func(ctx context.Context, repo store.Repository) error {
				sess, err := repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(sess)
				}
				printTranscript(cmd.OutOrStdout(), sess)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session record as JSON")
	return cmd
}

func printTranscript(w io.Writer, sess *domain.Session) {
	fmt.Fprintf(w, "session %s  scenario %s  student %s\n", sess.ID, sess.ScenarioID, sess.StudentID)
	fmt.Fprintf(w, "status %s, %d of %d interactions remaining\n\n", sess.Status, sess.Remaining, sess.InteractionLimit)
	for _, t := range sess.Turns {
		fmt.Fprintf(w, "%3d  %s  %s: %s\n", t.Seq, t.Timestamp.Format(time.TimeOnly), t.Author, t.Text)
	}
	if len(sess.Requirements) == 0 {
		return
	}
	fmt.Fprintln(w, "\nrequirements:")
	for _, r := range sess.Requirements {
		status := ""
		if n, ok := sess.NegotiationStatus[r.Text]; ok {
			status = " [" + n.Status + "]"
			if n.Reason != "" {
				status += " " + n.Reason
			}
		}
		fmt.Fprintf(w, "  - %s (%s, %s, from %s)%s\n", r.Text, r.Priority, r.Category, r.Source, status)
	}
}
