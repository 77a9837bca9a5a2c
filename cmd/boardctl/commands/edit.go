package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"prism-board/domain"
)

var (
	moveIndex      int
	moveKey        string
	createNotes    string
	idempotencyKey string
)

var moveCmd = &cobra.Command{
	Use:   "move <item-id> <target-container-id>",
	Short: "Move a list or card, optionally to an index or explicit key",
	Long: `Move a list within its board or a card into any list of the same board.

Without --index or --key the item is appended to the target container.

Examples:
  # Put a card at the top of a list
  boardctl move c-123 l-456 --index 0

  # Place a card at an explicit order key
  boardctl move c-123 l-456 --key 2.5`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := moveRequest(args[0], args[1], moveIndex, moveKey)
		if err != nil {
			return fail("invalid move", err.Error(), nil)
		}
		hc, err := newClient()
		if err != nil {
			return err
		}
		res, err := hc.Move(cmd.Context(), req)
		if err != nil {
			return requestError("move", err)
		}
		green.Fprintf(cmd.OutOrStdout(), "✓ %s now in %s @%s\n", res.ItemID, res.ContainerID, formatKey(res.OrderKey))
		return nil
	},
}

func moveRequest(itemID, target string, index int, key string) (domain.MoveRequest, error) {
	req := domain.MoveRequest{ItemID: itemID, TargetContainerID: target}
	if index >= 0 && key != "" {
		return req, fmt.Errorf("--index and --key are mutually exclusive")
	}
	if index >= 0 {
		req.Index = &index
	}
	if key != "" {
		k, err := strconv.ParseFloat(key, 64)
		if err != nil {
			return req, fmt.Errorf("--key must be a number: %w", err)
		}
		req.Key = &k
	}
	return req, nil
}

var reorderCmd = &cobra.Command{
	Use:   "reorder <container-id> <child-id>...",
	Short: "Renumber every child of a container in the given order",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hc, err := newClient()
		if err != nil {
			return err
		}
		items, err := hc.Reorder(cmd.Context(), args[0], args[1:])
		if err != nil {
			return requestError("reorder", err)
		}
		out := cmd.OutOrStdout()
		green.Fprintf(out, "✓ %d items renumbered\n", len(items))
		for _, it := range items {
			fmt.Fprintf(out, "  %s @%s\n", it.ID, formatKey(it.OrderKey))
		}
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <container-id> <title>",
	Short: "Append a list to a board or a card to a list",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hc, err := newClient()
		if err != nil {
			return err
		}
		it, err := hc.Create(cmd.Context(), args[0], domain.Payload{Title: args[1], Notes: createNotes}, idempotencyKey)
		if err != nil {
			return requestError("create", err)
		}
		green.Fprintf(cmd.OutOrStdout(), "✓ %s %q created @%s\n", it.Kind, it.Title, formatKey(it.OrderKey))
		fmt.Fprintln(cmd.OutOrStdout(), it.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <item-id>",
	Short: "Delete a list (with its cards) or a card",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hc, err := newClient()
		if err != nil {
			return err
		}
		if err := hc.Delete(cmd.Context(), args[0]); err != nil {
			return requestError("delete", err)
		}
		green.Fprintf(cmd.OutOrStdout(), "✓ %s deleted\n", args[0])
		return nil
	},
}

func init() {
	moveCmd.Flags().IntVarP(&moveIndex, "index", "i", -1, "Ordinal position among the target's children")
	moveCmd.Flags().StringVarP(&moveKey, "key", "k", "", "Explicit order key")
	createCmd.Flags().StringVar(&createNotes, "notes", "", "Card notes")
	createCmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Retry-safe request key")
	rootCmd.AddCommand(moveCmd, reorderCmd, createCmd, deleteCmd)
}
