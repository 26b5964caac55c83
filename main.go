package main

import (
	"os"

	"github.com/vibecoder-lab/game-seeker-vault/internal/cli"
)

var version = "dev"

func main() {
	os.Exit(cli.Execute(version))
}
