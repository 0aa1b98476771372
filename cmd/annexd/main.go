// Package main is the entry point for the annex node daemon.
package main

import (
	"os"

	"github.com/annex-node/annex/cmd/annexd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
