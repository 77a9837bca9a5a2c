package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

var (
	tokenSecret string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Sign a token for a server running in test auth mode",
	Long: `Sign an HS256 token for servers started with AUTH0_TEST_MODE=true.

The secret must match the server's TEST_JWT_SECRET.

Example:
  export BOARDCTL_TOKEN=$(boardctl token alice)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := signTestToken([]byte(tokenSecret), args[0], tokenTTL)
		if err != nil {
			return fail("cannot sign token", err.Error(), []string{"Pass --secret or set TEST_JWT_SECRET"})
		}
		fmt.Fprint(cmd.OutOrStdout(), tok)
		return nil
	},
}

func signTestToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("no signing secret")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
	}).SignedString(secret)
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("TEST_JWT_SECRET"), "HS256 signing secret")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
