package main

import (
	"fmt"
	"os"

	"prism-board/cmd/board-watch/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
