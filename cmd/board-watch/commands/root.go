package commands

import (
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/client"
)

var (
	apiURL  string
	boardID string
	token   string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "board-watch",
	Short: "Terminal client for prism boards",
	Long: `board-watch keeps a local copy of one board in sync with the board service.

Local moves are applied immediately and shown as pending until the service
confirms them. Events from other users are merged in as they arrive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

func init() {
	// Assigned here rather than in the rootCmd literal: the hook refers to
	// rootCmd, which would otherwise be an initialization cycle.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if debug {
			log.SetLevel(log.DebugLevel)
		}
		if cmd == rootCmd {
			return nil
		}
		if boardID == "" {
			return errors.New("--board is required")
		}
		return nil
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "Board service base URL")
	rootCmd.PersistentFlags().StringVarP(&boardID, "board", "b", "", "Board id")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("BOARD_TOKEN"), "Bearer token (defaults to $BOARD_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func newLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.GetLevel())
	logger.SetOutput(os.Stderr)
	return logger
}

func newAPI() *client.API {
	return client.NewAPI(apiURL, token)
}
