package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"prism-board/client"
)

var showCmd = &cobra.Command{
	Use:   "show <board-id>",
	Short: "Print a board as a tree of lists and cards",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hc, err := newClient()
		if err != nil {
			return err
		}
		snap, err := hc.Snapshot(cmd.Context(), args[0])
		if err != nil {
			return requestError("load board", err)
		}
		cache := client.NewBoardCache(args[0])
		cache.Load(snap)
		renderBoard(cmd.OutOrStdout(), cache)
		return nil
	},
}

var newBoardCmd = &cobra.Command{
	Use:   "new-board <title>",
	Short: "Create a board owned by the token's user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hc, err := newClient()
		if err != nil {
			return err
		}
		b, err := hc.CreateBoard(cmd.Context(), args[0])
		if err != nil {
			return requestError("create board", err)
		}
		green.Fprintf(cmd.OutOrStdout(), "✓ board %q created\n", b.Title)
		fmt.Fprintln(cmd.OutOrStdout(), b.ID)
		return nil
	},
}

var addMemberCmd = &cobra.Command{
	Use:   "add-member <board-id> <user-id>",
	Short: "Add a member to a board",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hc, err := newClient()
		if err != nil {
			return err
		}
		if err := hc.AddMember(cmd.Context(), args[0], args[1]); err != nil {
			return requestError("add member", err)
		}
		green.Fprintf(cmd.OutOrStdout(), "✓ %s can now edit %s\n", args[1], args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd, newBoardCmd, addMemberCmd)
}
