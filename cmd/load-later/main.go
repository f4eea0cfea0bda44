// Package main is the entry point for the load-later server.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/load-later/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
