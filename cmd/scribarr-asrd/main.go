// Package main is the entry point for the scribarr-asrd transcription
// daemon.
package main

import (
	"os"

	"github.com/scribarr/scribarr/cmd/scribarr-asrd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
