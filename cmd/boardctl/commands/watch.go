package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/client"
	"prism-board/domain"
)

var watchTree bool

var watchCmd = &cobra.Command{
	Use:   "watch <board-id>",
	Short: "Follow a board live",
	Long: `Follow a board over its realtime stream.

Every change made by any user is printed as it arrives and applied to a local
copy of the board. The board is fetched again whenever the stream
(re)connects, so nothing is missed across network drops.

Examples:
  # Print changes as they happen
  boardctl watch b-123

  # Redraw the whole board after every change
  boardctl watch b-123 --tree`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hc, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		logger := log.New()
		logger.SetOutput(cmd.ErrOrStderr())
		rec := client.NewReconciler(hc, client.NewBoardCache(args[0]), logger)
		sub := client.NewSubscriber(hc.StreamURL(args[0]), hc.Bearer, logger)
		sub.Run(ctx, &printingSink{rec: rec, out: cmd.OutOrStdout(), tree: watchTree})
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchTree, "tree", false, "Redraw the board after every change")
	rootCmd.AddCommand(watchCmd)
}

// printingSink prints each message and hands it to the reconciler.
type printingSink struct {
	rec  *client.Reconciler
	out  io.Writer
	tree bool
}

func (p *printingSink) HandleMessage(msg domain.Message) {
	line := describe(msg, p.rec.Cache())
	p.rec.HandleMessage(msg)
	faint.Fprintf(p.out, "%s ", time.UnixMilli(msg.Timestamp).Format(time.TimeOnly))
	fmt.Fprintln(p.out, line)
	if p.tree {
		renderBoard(p.out, p.rec.Cache())
	}
}

func (p *printingSink) HandleReconnect(ctx context.Context) error {
	if err := p.rec.HandleReconnect(ctx); err != nil {
		yellow.Fprintf(p.out, "⚠️  connected, board refetch failed: %v\n", err)
		return err
	}
	green.Fprintln(p.out, "✓ connected")
	renderBoard(p.out, p.rec.Cache())
	return nil
}
