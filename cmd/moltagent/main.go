// ABOUTME: Entry point for the moltagent binary.
// ABOUTME: One executable serves as orchestrator, worker, and operator CLI.

package main

import (
	"fmt"
	"os"
)

// version is set by the release pipeline at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
