package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"prism-board/client"
)

var moveCmd = &cobra.Command{
	Use:   "move <taskId> <listId> <index>",
	Short: "Move a task to a position in a list",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid index %q", args[2])
		}
		return mutate(cmd, func(s *client.Store) (client.Mutation, error) {
			return s.MoveTaskLocal(args[0], args[1], index)
		})
	},
}

var reorderTasksCmd = &cobra.Command{
	Use:   "reorder-task <taskId> <index>",
	Short: "Move a task within its list",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid index %q", args[1])
		}
		return mutate(cmd, func(s *client.Store) (client.Mutation, error) {
			return s.ReorderTasksLocal(args[0], index)
		})
	},
}

var reorderListsCmd = &cobra.Command{
	Use:   "reorder-list <listId> <index>",
	Short: "Move a list to a position on the board",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid index %q", args[1])
		}
		return mutate(cmd, func(s *client.Store) (client.Mutation, error) {
			return s.ReorderListsLocal(args[0], index)
		})
	},
}

func init() {
	rootCmd.AddCommand(moveCmd, reorderTasksCmd, reorderListsCmd)
}

// mutate applies a change to a fresh copy of the board, sends it and prints
// the result. A rejected change is rolled back before printing.
func mutate(cmd *cobra.Command, apply func(*client.Store) (client.Mutation, error)) error {
	ctx := cmd.Context()
	api := newAPI()
	b, err := api.Board(ctx, boardID)
	if err != nil {
		return fmt.Errorf("failed to load board: %w", err)
	}
	store := client.NewStore(client.Options{})
	store.Load(b)

	m, err := apply(store)
	if err != nil {
		return err
	}
	if err := api.Send(ctx, m); err != nil {
		store.Reject(m.ID)
		render(cmd.OutOrStdout(), store)
		return fmt.Errorf("%s rejected: %w", m.Kind, err)
	}
	store.Confirm(m.ID)
	render(cmd.OutOrStdout(), store)
	return nil
}
