package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var auditFlags struct {
	entryID string
	json    bool
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Account audit trail",
	Long:  `Commands for inspecting the server-side audit trail of an account.`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the audit trail, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		entries, err := s.client.ListAudit(cmd.Context(), auditFlags.entryID)
		if err != nil {
			return err
		}
		if auditFlags.json {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tACTION\tENTRY\tDETAIL")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.Action, e.EntryID, e.Detail)
		}
		return tw.Flush()
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditFlags.entryID, "entry", "", "Only show records for this entry")
	auditListCmd.Flags().BoolVar(&auditFlags.json, "json", false, "Print as JSON")
	auditCmd.AddCommand(auditListCmd)
	rootCmd.AddCommand(auditCmd)
}
