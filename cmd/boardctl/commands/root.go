package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"prism-board/client"
)

var (
	serverURL string
	bearer    string
)

var rootCmd = &cobra.Command{
	Use:   "boardctl",
	Short: "boardctl - inspect and edit collaborative boards",
	Long: `boardctl talks to a prism-board server.

It reads board snapshots, moves and reorders items, and can follow a board
live over its WebSocket stream, applying every change to a local cache the
same way a browser client does.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Errors are printed by the command that
// produced them.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil {
		var shown *shownError
		if !errors.As(err, &shown) {
			red.Fprintf(rootCmd.ErrOrStderr(), "%v\n", err)
		}
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("BOARDCTL_SERVER", "http://localhost:8080"), "Board server base URL")
	rootCmd.PersistentFlags().StringVarP(&bearer, "token", "t", os.Getenv("BOARDCTL_TOKEN"), "Bearer token (see 'boardctl token')")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() (*client.HTTPClient, error) {
	if bearer == "" {
		return nil, fail("no token",
			"Every board request is made on behalf of a user.",
			[]string{"Pass --token or set BOARDCTL_TOKEN", "Generate a test token:\n  boardctl token <user-id>"})
	}
	return client.NewHTTPClient(serverURL, bearer), nil
}

// requestError turns an HTTP failure into a printed explanation.
func requestError(action string, err error) error {
	var se *client.StatusError
	if errors.As(err, &se) {
		return fail(fmt.Sprintf("%s failed (%d)", action, se.Code), strings.TrimSpace(se.Body), nil)
	}
	return fail(action+" failed", err.Error(), []string{fmt.Sprintf("Check the server is reachable at %s", serverURL)})
}
