package main

import (
	"os"

	"github.com/halvard/mimir/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
