package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/stackflow/internal/cli"
	"github.com/ChuLiYu/stackflow/internal/stackflow"
	"github.com/ChuLiYu/stackflow/internal/units/echo"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildUnitCLI(echo.Name, func() stackflow.Unit { return echo.New() })
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
