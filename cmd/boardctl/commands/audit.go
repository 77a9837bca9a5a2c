package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit <board-id>",
	Short: "Print the board's activity log, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hc, err := newClient()
		if err != nil {
			return err
		}
		recs, err := hc.Audit(cmd.Context(), args[0], auditLimit)
		if err != nil {
			return requestError("load audit log", err)
		}
		out := cmd.OutOrStdout()
		if len(recs) == 0 {
			faint.Fprintln(out, "no activity yet")
		}
		for _, r := range recs {
			faint.Fprintf(out, "%s  ", r.CreatedAt.Local().Format(time.DateTime))
			fmt.Fprintln(out, r.Message)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "Maximum number of entries")
	rootCmd.AddCommand(auditCmd)
}
