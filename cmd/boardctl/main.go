package main

import (
	"os"

	"prism-board/cmd/boardctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
