package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"prism-board/api"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <userId>",
	Short: "Print a bearer token for a server running with AUTH0_TEST_MODE=1",
	Long: `Sign a token with TEST_JWT_SECRET. AUTH0_AUDIENCE and AUTH0_DOMAIN are
added as claims when set, matching what the server verifies.

Example:
  export BOARD_TOKEN=$(board-watch token u1)`,
	Args: cobra.ExactArgs(1),
	// the token command needs no board
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			return errors.New("TEST_JWT_SECRET must be set")
		}
		issuer := ""
		if domain := os.Getenv("AUTH0_DOMAIN"); domain != "" {
			issuer = "https://" + domain + "/"
		}
		tok, err := api.SignTestToken([]byte(secret), args[0], os.Getenv("AUTH0_AUDIENCE"), issuer, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
