// Package main is the entry point for the scribarr orchestrator.
package main

import (
	"os"

	"github.com/scribarr/scribarr/cmd/scribarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
