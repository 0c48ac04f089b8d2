// Package main is the entry point for fleetctl, the orchestrator's CLI
// client.
package main

import (
	"os"

	"github.com/kandev/fleetctl/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
