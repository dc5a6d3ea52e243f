// Package main provides the entry point for the aitask CLI.
package main

import (
	"os"

	"github.com/aitask/aitask/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
