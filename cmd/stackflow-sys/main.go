package main

// ============================================================================
// Responsibilities:
// 1. Entry point of the broker binary
// 2. Build and execute the CLI
// 3. Top-level panic recovery and exit codes
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/stackflow/internal/cli"
)

// Injected at build time:
//
//	go build -ldflags "-X main.version=1.4.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = ""
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "" {
		rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
