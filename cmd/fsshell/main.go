package main

import (
	"context"
	"os"

	"fsshell/internal/cli/commands"
)

// Set by goreleaser ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersion(version, commit, date)
	if err := commands.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
