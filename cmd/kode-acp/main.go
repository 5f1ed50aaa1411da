// Package main provides the kode-acp entry point.
package main

import "github.com/soddygo/kode-acp/internal/cli"

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cli.Version = Version
	cli.Execute()
}
