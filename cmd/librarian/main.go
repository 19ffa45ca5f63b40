package main

import (
	"os"

	"github.com/librarysingkat/circulation/cmd/librarian/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
