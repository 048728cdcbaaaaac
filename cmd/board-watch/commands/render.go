package commands

import (
	"fmt"
	"io"
	"strings"

	"prism-board/client"
)

// render prints the board with one column block per list. Tasks with an
// unconfirmed local change are marked with an asterisk.
func render(w io.Writer, store *client.Store) {
	b := store.Board()
	fmt.Fprintf(w, "== %s (%s)\n", b.Name, b.ID)
	for _, l := range b.Lists {
		fmt.Fprintf(w, "\n[%d] %s\n", l.Order, l.Name)
		if len(l.Tasks) == 0 {
			fmt.Fprintln(w, "    (empty)")
		}
		for _, t := range l.Tasks {
			mark := " "
			if store.State(t.ID) == client.Pending {
				mark = "*"
			}
			var flags []string
			if t.Completed {
				flags = append(flags, "done")
			}
			if len(t.Assignees) > 0 {
				flags = append(flags, "@"+strings.Join(t.Assignees, ",@"))
			}
			suffix := ""
			if len(flags) > 0 {
				suffix = "  (" + strings.Join(flags, " ") + ")"
			}
			fmt.Fprintf(w, "  %s %2d. %s [%s] %s%s\n", mark, t.Order, t.Title, t.Priority, t.ID, suffix)
		}
	}
}
