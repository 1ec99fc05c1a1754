package main

import (
	"os"

	"github.com/manifold-vcs/manifold/internal/cli/commands"
)

func main() {
	os.Exit(commands.Execute())
}
