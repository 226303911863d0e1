package main

import (
	"os"

	"github.com/droverlabs/drover/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
